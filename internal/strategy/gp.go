package strategy

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/optimization/acquisition"
	"github.com/copyleftdev/hypertune/internal/optimization/bayesian"
	"github.com/copyleftdev/hypertune/internal/optimization/kernels"
)

const (
	// DefaultMinObservations is the number of finite metrics needed before
	// the surrogate replaces random draws.
	DefaultMinObservations = 2
	// DefaultXi is the Expected Improvement margin.
	DefaultXi = 0.01
	// DefaultNoise is the surrogate noise variance in standardised units.
	DefaultNoise = 1e-4
)

// DefaultLengthScales is the grid searched by marginal likelihood on the
// unit cube.
var DefaultLengthScales = []float64{0.1, 0.2, 0.3, 0.5, 0.8}

// GPOption configures a GaussianProcess strategy.
type GPOption func(*GaussianProcess)

// WithXi sets the Expected Improvement margin.
func WithXi(xi float64) GPOption {
	return func(g *GaussianProcess) { g.xi = xi }
}

// WithMinObservations sets how many finite metrics are needed before the
// surrogate is fitted.
func WithMinObservations(n int) GPOption {
	return func(g *GaussianProcess) { g.minObservations = n }
}

// WithRestarts sets the number of random Nelder-Mead starts per slot.
func WithRestarts(n int) GPOption {
	return func(g *GaussianProcess) { g.restarts = n }
}

// WithKernel sets the surrogate covariance. Each proposal fits a clone, so
// k itself is never modified.
func WithKernel(k kernels.Kernel) GPOption {
	return func(g *GaussianProcess) { g.kernel = k }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) GPOption {
	return func(g *GaussianProcess) { g.logger = logger }
}

// GaussianProcess proposes the maximisers of Expected Improvement under a
// Gaussian Process surrogate of the metric. Until enough finite observations
// exist, or when the surrogate cannot be fitted, it draws at random.
type GaussianProcess struct {
	pairs    []optimization.ParamDomainPair
	rng      *rand.Rand
	fallback *Random

	xi              float64
	minObservations int
	restarts        int
	noise           float64
	lengthScales    []float64
	kernel          kernels.Kernel

	logger *zap.Logger
}

// NewGaussianProcess returns a GP strategy over pairs.
func NewGaussianProcess(pairs []optimization.ParamDomainPair, rng *rand.Rand, opts ...GPOption) (*GaussianProcess, error) {
	fallback, err := NewRandom(pairs, rng)
	if err != nil {
		return nil, err
	}
	g := &GaussianProcess{
		pairs:           pairs,
		rng:             rng,
		fallback:        fallback,
		xi:              DefaultXi,
		minObservations: DefaultMinObservations,
		restarts:        5 + int(5*math.Sqrt(float64(len(pairs)))),
		noise:           DefaultNoise,
		lengthScales:    DefaultLengthScales,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.logger = g.logger.Named("strategy.gp")
	if g.minObservations < 2 {
		g.minObservations = 2
	}
	if g.restarts < 1 {
		g.restarts = 1
	}
	if math.IsNaN(g.xi) || g.xi < 0 {
		return nil, optimization.NewConfigurationError("xi must be non-negative, got %v", g.xi).
			WithComponent("strategy.gp")
	}
	if g.kernel == nil {
		k, err := kernels.NewMatern52Kernel(g.lengthScales[0], 1.0)
		if err != nil {
			return nil, optimization.WrapError(err, "surrogate kernel").
				WithKind(optimization.KindConfiguration).
				WithComponent("strategy.gp")
		}
		g.kernel = k
	}
	return g, nil
}

// Name implements optimization.Proposer.
func (g *GaussianProcess) Name() string { return "gaussian_process" }

// Propose implements optimization.Proposer.
func (g *GaussianProcess) Propose(ctx context.Context, history []optimization.EvaluationResult, count int) ([]optimization.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	X, y, finite := g.trainingData(history)
	if finite < g.minObservations {
		g.logger.Debug("Too few observations for the surrogate, drawing at random",
			zap.Int("finite", finite),
			zap.Int("required", g.minObservations),
		)
		return g.fallback.draw(len(history), count), nil
	}

	gp := bayesian.NewGP(g.kernel.Clone(), g.noise, g.logger)
	ls, err := gp.SelectLengthScale(mat.NewDense(len(X), len(g.pairs), flatten(X)), mat.NewVecDense(len(y), y), g.lengthScales)
	if err != nil {
		g.logger.Warn("Surrogate fit failed, drawing at random", zap.Error(err))
		return g.fallback.draw(len(history), count), nil
	}

	best := math.Inf(-1)
	bestIdx := 0
	for i, v := range y {
		if v > best {
			best, bestIdx = v, i
		}
	}
	ei := acquisition.NewExpectedImprovement(best, g.xi)

	g.logger.Debug("Fitted surrogate",
		zap.Int("observations", len(y)),
		zap.Float64("length_scale", ls),
		zap.Float64("best", best),
	)

	start := len(history)
	out := make([]optimization.Configuration, 0, count)
	for slot := 0; slot < count; slot++ {
		u := g.maximize(gp, ei, X[bestIdx])
		out = append(out, optimization.NewConfiguration(start+slot, g.pairs, g.denormalize(u)))

		if slot == count-1 {
			break
		}
		// Constant liar: pretend the point returned its predicted mean
		mu, _, err := gp.PredictPoint(u)
		if err == nil {
			X = append(X, u)
			y = append(y, mu)
			ei.UpdateBest(math.Max(ei.BestObserved(), mu))
			err = gp.Fit(mat.NewDense(len(X), len(g.pairs), flatten(X)), mat.NewVecDense(len(y), y))
		}
		if err != nil {
			g.logger.Warn("Surrogate refit failed mid-batch, filling the rest at random",
				zap.Int("slot", slot),
				zap.Error(err),
			)
			out = append(out, g.fallback.draw(start+slot+1, count-slot-1)...)
			break
		}
	}
	return out, nil
}

// trainingData returns the observed configurations on the unit cube with
// failed metrics replaced by the worst finite one.
func (g *GaussianProcess) trainingData(history []optimization.EvaluationResult) ([][]float64, []float64, int) {
	worst := math.Inf(1)
	finite := 0
	for _, r := range history {
		if !math.IsNaN(r.Metric) && !math.IsInf(r.Metric, 0) {
			finite++
			worst = math.Min(worst, r.Metric)
		}
	}
	if finite == 0 {
		return nil, nil, 0
	}

	X := make([][]float64, 0, len(history))
	y := make([]float64, 0, len(history))
	finite = 0
	for _, r := range history {
		u, ok := g.normalize(r.Configuration)
		if !ok {
			continue
		}
		m := r.Metric
		if math.IsNaN(m) || math.IsInf(m, 0) {
			m = worst
		} else {
			finite++
		}
		X = append(X, u)
		y = append(y, m)
	}
	return X, y, finite
}

func (g *GaussianProcess) normalize(c optimization.Configuration) ([]float64, bool) {
	u := make([]float64, len(g.pairs))
	for j, p := range g.pairs {
		v := c.Value(p.Name())
		if math.IsNaN(v) {
			return nil, false
		}
		u[j] = p.Domain.Normalize(p.Domain.Clip(v))
	}
	return u, true
}

func (g *GaussianProcess) denormalize(u []float64) []float64 {
	x := make([]float64, len(u))
	for j, p := range g.pairs {
		x[j] = p.Domain.Denormalize(u[j])
	}
	return x
}

// maximize runs Nelder-Mead on -EI from the incumbent and from random starts,
// keeping the best point found inside the unit cube.
func (g *GaussianProcess) maximize(gp *bayesian.GP, ei *acquisition.ExpectedImprovement, incumbent []float64) []float64 {
	dims := len(g.pairs)
	negEI := func(x []float64) float64 {
		mu, sigma, err := gp.PredictPoint(x)
		if err != nil {
			return 0
		}
		return -ei.Compute(mu, sigma)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return negEI(clipUnit(x))
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 100 * dims,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 20,
		},
	}

	starts := make([][]float64, 0, g.restarts+1)
	starts = append(starts, append([]float64(nil), incumbent...))
	for i := 0; i < g.restarts; i++ {
		s := make([]float64, dims)
		for j := range s {
			s[j] = g.rng.Float64()
		}
		starts = append(starts, s)
	}

	var bestX []float64
	bestVal := math.Inf(1)
	for _, s := range starts {
		if v := negEI(s); v < bestVal {
			bestVal, bestX = v, s
		}
		method := &optimize.NelderMead{SimplexSize: 0.1}
		result, err := optimize.Minimize(problem, s, settings, method)
		if result == nil {
			g.logger.Debug("Acquisition search failed", zap.Error(err))
			continue
		}
		x := clipUnit(result.X)
		if v := negEI(x); v < bestVal {
			bestVal, bestX = v, x
		}
	}
	if bestX == nil {
		return starts[0]
	}
	return bestX
}

// clipUnit returns a copy of x clamped to [0, 1].
func clipUnit(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			v = 0
		}
		out[i] = math.Max(0, math.Min(v, 1))
	}
	return out
}

func flatten(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
