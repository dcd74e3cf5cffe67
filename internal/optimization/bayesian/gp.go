package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/optimization/kernels"
)

const (
	initialJitter = 1e-10
	maxJitter     = 1e-2
)

// GP implements a Gaussian Process regression surrogate. Targets are
// standardised internally; Predict reports mean and variance in the
// original units.
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Noise variance, in standardised target units
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Standardised target values (n_samples)

	yMean  float64
	yScale float64

	// Precomputed values
	alpha  *mat.VecDense
	L      *mat.Cholesky
	jitter float64

	// Logger for structured logging
	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model. A nil logger disables logging.
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// Kernel returns the covariance function in use.
func (gp *GP) Kernel() kernels.Kernel {
	return gp.kernel
}

// Fit fits the GP model to the training data
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return gpError(op, errors.New("input matrices must not be nil"))
	}
	if X.IsEmpty() || y.IsEmpty() {
		return gpError(op, errors.New("input matrix X must not be empty"))
	}

	nSamples, nFeatures := X.Dims()
	if nSamples != y.Len() {
		return gpError(op, fmt.Errorf("dimension mismatch: X has %d samples but y has length %d", nSamples, y.Len()))
	}
	raw := mat.Col(nil, 0, y)
	if !allFinite(raw) {
		return gpError(op, errors.New("targets must be finite"))
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
	)

	// Standardise targets
	gp.yMean = stat.Mean(raw, nil)
	gp.yScale = 1.0
	if nSamples > 1 {
		if sd := stat.StdDev(raw, nil); sd > 1e-12 {
			gp.yScale = sd
		}
	}
	floats.AddConst(-gp.yMean, raw)
	floats.Scale(1/gp.yScale, raw)

	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.NewVecDense(nSamples, raw)

	K := gp.kernelMatrix()

	// Escalate jitter until the covariance factorises
	var chol mat.Cholesky
	jitter := initialJitter
	for ; jitter <= maxJitter; jitter *= 10 {
		Kj := mat.NewSymDense(nSamples, nil)
		Kj.CopySym(K)
		for i := 0; i < nSamples; i++ {
			Kj.SetSym(i, i, Kj.At(i, i)+gp.noiseVar+jitter)
		}
		if chol.Factorize(Kj) {
			break
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Float64("jitter", jitter))
	}
	if jitter > maxJitter {
		gp.alpha, gp.L = nil, nil
		return gpError(op, errors.New("Cholesky decomposition failed: matrix is not positive definite"))
	}

	alpha := mat.NewVecDense(nSamples, nil)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		return gpError(op, fmt.Errorf("failed to solve linear system: %w", err))
	}
	gp.alpha = alpha
	gp.L = &chol
	gp.jitter = jitter

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", nSamples),
		zap.Float64("jitter", jitter),
	)
	return nil
}

// kernelMatrix computes the noise-free covariance of the training inputs.
func (gp *GP) kernelMatrix() *mat.SymDense {
	n, _ := gp.X.Dims()
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		x1 := gp.X.RawRowView(i)
		for j := i; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(x1, gp.X.RawRowView(j)))
		}
	}
	return K
}

// Predict returns the mean and variance of the posterior predictive distribution
// of the latent function at the given test points X.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, gpError(op, errors.New("input matrix X is nil"))
	}
	if gp.X == nil || gp.alpha == nil || gp.L == nil {
		return nil, nil, gpError(op, errors.New("model not trained or no training data"))
	}

	nTest, dTest := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if dTest != nFeatures {
		return nil, nil, gpError(op, fmt.Errorf("test points have %d features, model has %d", dTest, nFeatures))
	}

	mean := mat.NewVecDense(nTest, nil)
	variance := mat.NewVecDense(nTest, nil)

	Kstar := mat.NewDense(nTest, nTrain, nil)
	Kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	// mean = K* alpha
	mean.MulVec(Kstar, gp.alpha)

	// var = diag(K** - K* K^-1 K*^T), via v = L^-1 K*^T
	var Lt mat.TriDense
	gp.L.LTo(&Lt)
	v := mat.NewDense(nTrain, nTest, nil)
	if err := v.Solve(&Lt, Kstar.T()); err != nil {
		return nil, nil, gpError(op, fmt.Errorf("failed to solve linear system: %w", err))
	}
	for i := 0; i < nTest; i++ {
		col := mat.Col(nil, i, v)
		s := Kss[i] - floats.Dot(col, col)
		if s < 0 {
			s = 0 // Ensure non-negative variance
		}
		variance.SetVec(i, s*gp.yScale*gp.yScale)
		mean.SetVec(i, mean.AtVec(i)*gp.yScale+gp.yMean)
	}

	return mean, variance, nil
}

// PredictPoint is Predict for one input, returning mean and standard deviation.
func (gp *GP) PredictPoint(x []float64) (float64, float64, error) {
	mu, v, err := gp.Predict(mat.NewDense(1, len(x), x))
	if err != nil {
		return 0, 0, err
	}
	return mu.AtVec(0), math.Sqrt(v.AtVec(0)), nil
}

// LogMarginalLikelihood of the standardised targets under the fitted model.
func (gp *GP) LogMarginalLikelihood() (float64, error) {
	if gp.alpha == nil || gp.L == nil {
		return 0, gpError("GP.LogMarginalLikelihood", errors.New("model not trained or no training data"))
	}
	n := float64(gp.y.Len())
	fit := mat.Dot(gp.y, gp.alpha)
	return -0.5*fit - 0.5*gp.L.LogDet() - 0.5*n*math.Log(2*math.Pi), nil
}

// SelectLengthScale refits the model for each candidate length scale and
// keeps the one with the highest marginal likelihood.
func (gp *GP) SelectLengthScale(X *mat.Dense, y *mat.VecDense, candidates []float64) (float64, error) {
	const op = "GP.SelectLengthScale"

	params := gp.kernel.Hyperparameters()
	best, bestLL := 0.0, math.Inf(-1)
	var lastErr error
	for _, ls := range candidates {
		if err := gp.kernel.SetHyperparameters([]float64{ls, params[1]}); err != nil {
			return 0, gpError(op, err)
		}
		if err := gp.Fit(X, y); err != nil {
			lastErr = err
			continue
		}
		ll, err := gp.LogMarginalLikelihood()
		if err != nil {
			lastErr = err
			continue
		}
		if ll > bestLL {
			best, bestLL = ls, ll
		}
	}
	if math.IsInf(bestLL, -1) {
		if lastErr == nil {
			lastErr = errors.New("no length scale candidates")
		}
		return 0, gpError(op, lastErr)
	}

	if err := gp.kernel.SetHyperparameters([]float64{best, params[1]}); err != nil {
		return 0, gpError(op, err)
	}
	if err := gp.Fit(X, y); err != nil {
		return 0, err
	}
	gp.logger.Debug("Selected kernel length scale",
		zap.Float64("length_scale", best),
		zap.Float64("log_marginal_likelihood", bestLL),
	)
	return best, nil
}

func gpError(op string, err error) error {
	return optimization.WrapError(err, "gaussian_process: "+op)
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
