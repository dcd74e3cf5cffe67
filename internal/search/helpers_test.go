package search

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/estimator/linear"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/table"
)

// linearData returns y = 3*x1 - 2*x2 + noise with an irrelevant x3.
func linearData(t *testing.T, n int) *estimator.Dataset {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	x := mat.NewDense(n, 3, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x1, x2, x3 := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		x.SetRow(i, []float64{x1, x2, x3})
		y[i] = 3*x1 - 2*x2 + 0.5*rng.NormFloat64()
	}
	data, err := estimator.NewDataset([]string{"x1", "x2", "x3"}, x, y)
	require.NoError(t, err)
	return data
}

func bind(t *testing.T, name string) estimator.Binding {
	t.Helper()
	b, err := linear.Binding(name)
	require.NoError(t, err)
	return b
}

func domain(t *testing.T, name string, lower, upper float64) optimization.ParamDomain {
	t.Helper()
	d, err := optimization.NewParamDomain(name, lower, upper)
	require.NoError(t, err)
	return d
}

// scenarioBuilder is the RegParam/ElasticNet search over the elastic net.
func scenarioBuilder(t *testing.T) *SettingsBuilder {
	t.Helper()
	return NewSettingsBuilder().
		WithParam(domain(t, "regParam", 0, 2), bind(t, "regParam"), "RegParam").
		WithParam(domain(t, "elasticNetParam", 0, 0.5), bind(t, "elasticNetParam"), "ElasticNet").
		WithMaxIter(20).
		WithMaxNoImproveIters(6).
		WithTol(0.0005).
		WithTopKForTolerance(4).
		WithNumThreads(4).
		WithFoldThreads(2).
		WithFolds(3).
		WithSeed(42)
}

// scoringHarness reports r2 = -regParam for every fold, so the metric of a
// configuration is known exactly.
type scoringHarness struct {
	calls atomic.Int32
}

func (h *scoringHarness) Evaluate(_ context.Context, _ estimator.Estimator, hp estimator.Hyperparams, _ *estimator.Dataset, opts crossval.Options) (*crossval.Report, error) {
	h.calls.Add(1)
	p := hp.(*linear.Params)
	report := &crossval.Report{
		Metrics: table.New("metrics", crossval.MetricColumns...),
		Weights: table.New("weights", crossval.WeightColumns...),
	}
	for f := 0; f < opts.Folds; f++ {
		_ = report.Metrics.Append(f, -p.RegParam, p.RegParam, p.RegParam)
		_ = report.Weights.Append(f, "x1", 1.0)
		report.Models = append(report.Models, &linear.Model{Intercept: p.RegParam})
	}
	return report, nil
}

// failingHarness fails its first call and delegates the rest.
type failingHarness struct {
	crossval.Harness
	calls atomic.Int32
}

func (h *failingHarness) Evaluate(ctx context.Context, est estimator.Estimator, hp estimator.Hyperparams, data *estimator.Dataset, opts crossval.Options) (*crossval.Report, error) {
	if h.calls.Add(1) == 1 {
		return nil, errors.New("injected failure")
	}
	return h.Harness.Evaluate(ctx, est, hp, data, opts)
}

// panickingHarness always panics.
type panickingHarness struct{}

func (panickingHarness) Evaluate(context.Context, estimator.Estimator, estimator.Hyperparams, *estimator.Dataset, crossval.Options) (*crossval.Report, error) {
	panic("harness exploded")
}

// fullDataFailure fails any fit on the full dataset, i.e. the refit.
type fullDataFailure struct {
	*linear.ElasticNet
	rows int
}

func (e fullDataFailure) Fit(ctx context.Context, data *estimator.Dataset, hp estimator.Hyperparams) (estimator.Model, error) {
	if data.Rows() == e.rows {
		return nil, errors.New("refit exploded")
	}
	return e.ElasticNet.Fit(ctx, data, hp)
}

// scriptedProposer proposes regParam values from a fixed script.
type scriptedProposer struct {
	script []float64
	next   int
}

func (p *scriptedProposer) Name() string { return "scripted" }

func (p *scriptedProposer) Propose(_ context.Context, history []optimization.EvaluationResult, count int) ([]optimization.Configuration, error) {
	out := make([]optimization.Configuration, count)
	for i := range out {
		v := p.script[len(p.script)-1]
		if p.next < len(p.script) {
			v = p.script[p.next]
		}
		p.next++
		out[i] = optimization.Configuration{
			Index:  len(history) + i,
			Values: map[string]float64{"regParam": v},
		}
	}
	return out, nil
}

// recorder is an Observer capturing events.
type recorder struct {
	mu          sync.Mutex
	evaluations []optimization.EvaluationResult
	rounds      []RoundEvent
	onRound     func(RoundEvent)
}

func (r *recorder) OnEvaluation(res optimization.EvaluationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations = append(r.evaluations, res)
}

func (r *recorder) OnRound(e RoundEvent) {
	r.mu.Lock()
	r.rounds = append(r.rounds, e)
	r.mu.Unlock()
	if r.onRound != nil {
		r.onRound(e)
	}
}
