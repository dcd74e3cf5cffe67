package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/storage"
	"github.com/copyleftdev/hypertune/internal/table"
)

// Evaluator turns one configuration into an EvaluationResult. It never
// returns an error: failures are recorded on the result.
type Evaluator struct {
	est     estimator.Estimator
	harness crossval.Harness
	data    *estimator.Dataset

	pairs       []optimization.ParamDomainPair
	folds       int
	foldThreads int
	expression  string
	replacement *float64

	store  storage.ModelStore
	logger *zap.Logger
}

// NewEvaluator binds the collaborators of one search. store may be nil.
func NewEvaluator(s *Settings, est estimator.Estimator, harness crossval.Harness, data *estimator.Dataset, store storage.ModelStore, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		est:         est,
		harness:     harness,
		data:        data,
		pairs:       s.Pairs,
		folds:       s.Folds,
		foldThreads: s.FoldThreads,
		expression:  s.MetricsExpression,
		replacement: s.NaNReplacement,
		store:       store,
		logger:      logger.Named("evaluator"),
	}
}

// Hyperparams returns a copy of the estimator defaults with every bound
// parameter set from c.
func (e *Evaluator) Hyperparams(c optimization.Configuration) (estimator.Hyperparams, error) {
	hp := e.est.Defaults().Clone()
	for _, p := range e.pairs {
		v := c.Value(p.Name())
		if math.IsNaN(v) {
			return nil, optimization.NewConfigurationError("configuration %d has no value for %q", c.Index, p.Name()).
				WithComponent("search.evaluator")
		}
		if !p.Domain.Contains(v) {
			e.logger.Debug("Value outside its domain, clipping",
				zap.Int("configuration", c.Index),
				zap.String("parameter", p.Name()),
				zap.Float64("value", v),
			)
		}
		if err := p.Apply(hp, v); err != nil {
			return nil, optimization.WrapErrorf(err, "bind %s", p.Name()).
				WithKind(optimization.KindConfiguration).
				WithComponent("search.evaluator")
		}
	}
	return hp, nil
}

// Evaluate runs cross-validation for c and reduces the metrics report to a
// scalar.
func (e *Evaluator) Evaluate(ctx context.Context, c optimization.Configuration) (res optimization.EvaluationResult) {
	start := time.Now()
	res = optimization.EvaluationResult{Configuration: c, Metric: math.NaN()}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Evaluation panicked",
				zap.Int("configuration", c.Index),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err := optimization.NewErrorf("panic: %v", r).
				WithKind(optimization.KindEvaluation).
				WithOperation("evaluate")
			res = e.failed(c, err)
		}
		res.Duration = time.Since(start)
	}()

	hp, err := e.Hyperparams(c)
	if err != nil {
		return e.failed(c, optimization.WrapError(err, "evaluate").WithKind(optimization.KindEvaluation))
	}

	report, err := e.harness.Evaluate(ctx, e.est, hp, e.data, crossval.Options{
		Folds:      e.folds,
		NumThreads: e.foldThreads,
	})
	if err != nil {
		return e.failed(c, optimization.WrapError(err, "cross-validation").
			WithKind(optimization.KindEvaluation).
			WithOperation("evaluate"))
	}
	if report == nil || report.Metrics == nil {
		return e.failed(c, optimization.NewError("cross-validation returned no metrics").
			WithKind(optimization.KindEvaluation).
			WithOperation("evaluate"))
	}

	metric, err := table.Scalar(e.expression, report.Metrics)
	if err != nil {
		return e.failed(c, optimization.WrapError(err, "metrics expression").
			WithKind(optimization.KindAggregation).
			WithOperation("aggregate"))
	}
	if math.IsNaN(metric) && e.replacement != nil {
		metric = *e.replacement
	}

	res.Metric = metric
	res.Metrics = report.Metrics
	res.Weights = report.Weights
	e.save(c.Index, report.Models)
	return res
}

func (e *Evaluator) failed(c optimization.Configuration, err error) optimization.EvaluationResult {
	metric := math.NaN()
	if e.replacement != nil {
		metric = *e.replacement
	}
	e.logger.Warn("Configuration evaluation failed",
		zap.Int("configuration", c.Index),
		zap.Error(err),
	)
	return optimization.EvaluationResult{Configuration: c, Metric: metric, Err: err.Error()}
}

// save stores the fold models of a configuration. Storage problems are
// logged; they do not fail the evaluation.
func (e *Evaluator) save(index int, models []estimator.Model) {
	if e.store == nil || len(models) == 0 {
		return
	}
	data, err := json.Marshal(models)
	if err == nil {
		err = e.store.Save(index, data)
	}
	if err != nil {
		e.logger.Warn("Failed to store fold models",
			zap.Int("configuration", index),
			zap.Error(fmt.Errorf("store models: %w", err)),
		)
	}
}
