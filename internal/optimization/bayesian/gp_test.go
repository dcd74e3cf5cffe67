package bayesian

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/optimization/kernels"
)

func newRBF(t *testing.T) kernels.Kernel {
	t.Helper()
	k, err := kernels.NewRBFKernel(1.0, 1.0)
	require.NoError(t, err)
	return k
}

func newMatern(tb testing.TB, ls float64) kernels.Kernel {
	tb.Helper()
	k, err := kernels.NewMatern52Kernel(ls, 1.0)
	require.NoError(tb, err)
	return k
}

func TestGPFitAndPredict(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{1, 2, 3})
	y := mat.NewVecDense(3, []float64{1, 2, 1})

	gp := NewGP(newRBF(t), 1e-6, nil)
	require.NoError(t, gp.Fit(X, y))

	// Nearly noise-free model interpolates its training points
	mean, variance, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), mean.AtVec(i), 1e-3)
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}
}

func TestGPVarianceGrowsAwayFromData(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{0, 0.5, 1})
	y := mat.NewVecDense(3, []float64{0.2, 0.8, 0.4})

	gp := NewGP(newRBF(t), 1e-6, nil)
	require.NoError(t, gp.Fit(X, y))

	_, near, err := gp.PredictPoint([]float64{0.5})
	require.NoError(t, err)
	_, far, err := gp.PredictPoint([]float64{5})
	require.NoError(t, err)
	assert.Less(t, near, far)

	// Far from the data the mean reverts to the target mean
	mu, _, err := gp.PredictPoint([]float64{50})
	require.NoError(t, err)
	assert.InDelta(t, (0.2+0.8+0.4)/3, mu, 1e-6)
}

func TestGPWithNoise(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{-1, 0, 1})
	y := mat.NewVecDense(3, []float64{1, 0, 1})

	gp := NewGP(newRBF(t), 0.1, nil)
	require.NoError(t, gp.Fit(X, y))

	means, variances, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), means.AtVec(i), 0.5, "prediction should be close to training data")
		assert.Greater(t, variances.AtVec(i), 0.0, "variance should be positive")
	}
}

func TestGPErrorHandling(t *testing.T) {
	gp := NewGP(newRBF(t), 1e-6, nil)

	t.Run("nil input", func(t *testing.T) {
		err := gp.Fit(nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "input matrices must not be nil")
		_, ok := optimization.IsOptimizationError(err)
		assert.True(t, ok)
	})

	t.Run("empty input", func(t *testing.T) {
		err := gp.Fit(&mat.Dense{}, &mat.VecDense{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "input matrix X must not be empty")
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		err := gp.Fit(mat.NewDense(3, 1, []float64{1, 2, 3}), mat.NewVecDense(2, []float64{1, 2}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch: X has 3 samples but y has length 2")
	})

	t.Run("non-finite targets", func(t *testing.T) {
		err := gp.Fit(mat.NewDense(2, 1, []float64{1, 2}), mat.NewVecDense(2, []float64{1, math.NaN()}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "targets must be finite")
	})

	t.Run("predict without fit", func(t *testing.T) {
		_, _, err := gp.Predict(mat.NewDense(1, 1, []float64{0}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not trained or no training data")
	})

	t.Run("likelihood without fit", func(t *testing.T) {
		_, err := gp.LogMarginalLikelihood()
		require.Error(t, err)
	})
}

func TestGPPredictFeatureMismatch(t *testing.T) {
	gp := NewGP(newRBF(t), 1e-6, nil)
	require.NoError(t, gp.Fit(mat.NewDense(2, 2, []float64{0, 0, 1, 1}), mat.NewVecDense(2, []float64{0, 1})))

	_, _, err := gp.Predict(mat.NewDense(1, 3, []float64{0, 0, 0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test points have 3 features, model has 2")
}

func TestGPSingularMatrix(t *testing.T) {
	// Duplicate inputs need jitter to factorise
	X := mat.NewDense(3, 1, []float64{1.0, 1.0, 1.0})
	y := mat.NewVecDense(3, []float64{1.0, 1.0, 1.1})

	gp := NewGP(newRBF(t), 0, nil)
	require.NoError(t, gp.Fit(X, y))

	mu, _, err := gp.PredictPoint([]float64{1.0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0333, mu, 0.05)
}

func TestGPBatchPredict(t *testing.T) {
	X := mat.NewDense(5, 1, []float64{-2, -1, 0, 1, 2})
	y := mat.NewVecDense(5, []float64{4, 1, 0, 1, 4}) // x^2

	gp := NewGP(newRBF(t), 1e-6, nil)
	require.NoError(t, gp.Fit(X, y))

	testX := mat.NewDense(3, 1, []float64{-0.5, 0.5, 1.5})
	means, variances, err := gp.Predict(testX)
	require.NoError(t, err)
	require.Equal(t, 3, means.Len())
	require.Equal(t, 3, variances.Len())

	for i := 0; i < 3; i++ {
		x := testX.At(i, 0)
		assert.InDelta(t, x*x, means.AtVec(i), 0.5, "prediction should be close to x^2")
		assert.Greater(t, variances.AtVec(i), 0.0, "variance should be positive")
	}
}

func TestGPSelectLengthScale(t *testing.T) {
	n := 12
	X := mat.NewDense(n, 1, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		X.Set(i, 0, x)
		y.SetVec(i, math.Sin(2*math.Pi*x))
	}

	candidates := []float64{0.1, 0.2, 0.3, 0.5, 0.8}
	gp := NewGP(newMatern(t, 1), 1e-6, nil)
	ls, err := gp.SelectLengthScale(X, y, candidates)
	require.NoError(t, err)
	assert.Contains(t, candidates, ls)
	assert.Equal(t, ls, gp.Kernel().Hyperparameters()[0])

	// The refit model carries the selected length scale and beats the others
	best, err := gp.LogMarginalLikelihood()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(best))
	for _, c := range candidates {
		other := NewGP(newMatern(t, c), 1e-6, nil)
		require.NoError(t, other.Fit(X, y))
		ll, err := other.LogMarginalLikelihood()
		require.NoError(t, err)
		assert.LessOrEqual(t, ll, best+1e-9)
	}
}

func TestGPSelectLengthScaleNoCandidates(t *testing.T) {
	gp := NewGP(newRBF(t), 1e-6, nil)
	_, err := gp.SelectLengthScale(mat.NewDense(1, 1, []float64{0}), mat.NewVecDense(1, []float64{1}), nil)
	require.Error(t, err)
}
