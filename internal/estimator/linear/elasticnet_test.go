package linear

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/hypertune/internal/estimator"
)

// synthetic builds y = 3*x0 - 2*x1 + 1 with a little noise.
func synthetic(t *testing.T, n int, noise float64) *estimator.Dataset {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a, b := rng.NormFloat64(), rng.NormFloat64()
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y[i] = 3*a - 2*b + 1 + noise*rng.NormFloat64()
	}
	ds, err := estimator.NewDataset([]string{"x0", "x1"}, x, y)
	require.NoError(t, err)
	return ds
}

func TestFitRecoversOrdinaryLeastSquares(t *testing.T) {
	ds := synthetic(t, 200, 0.01)
	model, err := New(nil).Fit(context.Background(), ds, DefaultParams())
	require.NoError(t, err)

	coef := model.Coefficients()
	assert.InDelta(t, 3.0, coef["x0"], 0.01)
	assert.InDelta(t, -2.0, coef["x1"], 0.01)
	assert.InDelta(t, 1.0, coef["intercept"], 0.01)
	assert.InDelta(t, 1.0+3.0*0.5, model.Predict([]float64{0.5, 0}), 0.02)
}

func TestFitShrinksWithPenalty(t *testing.T) {
	ds := synthetic(t, 200, 0.01)
	est := New(nil)

	loose, err := est.Fit(context.Background(), ds, DefaultParams())
	require.NoError(t, err)

	hp := DefaultParams()
	hp.RegParam = 10
	hp.ElasticNetParam = 1
	lasso, err := est.Fit(context.Background(), ds, hp)
	require.NoError(t, err)

	assert.Less(t, abs(lasso.Coefficients()["x0"]), abs(loose.Coefficients()["x0"]))
	assert.Equal(t, 0.0, lasso.Coefficients()["x1"], "strong L1 should zero the weights")
}

func TestFitRejectsInvalidPenalty(t *testing.T) {
	hp := DefaultParams()
	hp.ElasticNetParam = 1.5
	_, err := New(nil).Fit(context.Background(), synthetic(t, 20, 0), hp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid penalty")
}

func TestFitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Fit(ctx, synthetic(t, 20, 0), DefaultParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBindings(t *testing.T) {
	hp := DefaultParams()
	b, err := Binding("regParam")
	require.NoError(t, err)
	require.NoError(t, b.Set(hp, 0.25))
	got, err := b.Get(hp)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got)
	assert.Equal(t, 0.25, hp.RegParam)

	_, err = Binding("learningRate")
	assert.Error(t, err)
	assert.Equal(t, []string{"elasticNetParam", "regParam", "tol"}, Tunable())

	type other struct{ estimator.Hyperparams }
	assert.Error(t, b.Set(other{}, 1))
}

func TestCloneIsIndependent(t *testing.T) {
	base := DefaultParams()
	clone := New(base).Defaults().(*Params)
	clone.RegParam = 5
	assert.Equal(t, 0.0, base.RegParam)
}

func TestModelJSONRoundTrip(t *testing.T) {
	model, err := New(nil).Fit(context.Background(), synthetic(t, 50, 0.1), DefaultParams())
	require.NoError(t, err)

	data, err := json.Marshal(model)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"features":["x0","x1"]`))

	var restored Model
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.InDelta(t, model.Predict([]float64{1, 1}), restored.Predict([]float64{1, 1}), 1e-12)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
