package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/optimization/kernels"
	"github.com/copyleftdev/hypertune/internal/storage"
	"github.com/copyleftdev/hypertune/internal/strategy"
	"github.com/copyleftdev/hypertune/internal/table"
)

// State is the phase the loop is in.
type State int32

const (
	StateIdle State = iota
	StateProposing
	StateEvaluating
	StateUpdating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProposing:
		return "proposing"
	case StateEvaluating:
		return "evaluating"
	case StateUpdating:
		return "updating"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

// StopReason says which termination rule ended the search.
type StopReason int

const (
	StopNone StopReason = iota
	StopMaxIter
	StopNoImprovement
	StopTolerance
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopMaxIter:
		return "max_iter"
	case StopNoImprovement:
		return "no_improvement"
	case StopTolerance:
		return "tolerance"
	case StopCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// RoundEvent describes a finished round.
type RoundEvent struct {
	Round       int
	Evaluated   int
	Failed      int
	HistorySize int
	Best        optimization.EvaluationResult
	HasBest     bool
	Stop        StopReason
}

// Observer is notified from the loop goroutine. OnEvaluation is called for
// every result of a round, in proposal order, before OnRound.
type Observer interface {
	OnEvaluation(result optimization.EvaluationResult)
	OnRound(event RoundEvent)
}

// Result is the outcome of a search.
type Result struct {
	Model          estimator.Model
	Best           optimization.EvaluationResult
	Configurations *table.Table
	Metrics        *table.Table
	Weights        *table.Table
	History        []optimization.EvaluationResult
	// FoldModels is the JSON array of the winner's cross-validation models,
	// nil when no model store was configured.
	FoldModels json.RawMessage
	Rounds     int
	StopReason StopReason
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithObserver registers an observer.
func WithObserver(o Observer) LoopOption {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithModelStore supplies the artifact store instead of opening one from
// the settings. The caller keeps ownership.
func WithModelStore(store storage.ModelStore) LoopOption {
	return func(l *Loop) { l.store = store }
}

// WithProposer replaces the strategy the settings select.
func WithProposer(p optimization.Proposer) LoopOption {
	return func(l *Loop) { l.proposer = p }
}

// Loop runs one search. A Loop is single use.
type Loop struct {
	settings *Settings
	est      estimator.Estimator
	harness  crossval.Harness
	data     *estimator.Dataset

	proposer  optimization.Proposer
	store     storage.ModelStore
	ownsStore bool
	summary   *Summary
	observers []Observer
	logger    *zap.Logger

	state atomic.Int32
}

// NewLoop validates the settings and selects the proposal strategy.
func NewLoop(settings *Settings, est estimator.Estimator, harness crossval.Harness, data *estimator.Dataset, opts ...LoopOption) (*Loop, error) {
	if settings == nil || est == nil || harness == nil || data == nil {
		return nil, optimization.NewConfigurationError("search needs settings, an estimator, a harness and a dataset").
			WithComponent("search.loop")
	}
	s := settings.Clone()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	l := &Loop{
		settings: s,
		est:      est,
		harness:  harness,
		data:     data,
		summary:  NewSummary(s.Pairs),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("search")

	if l.proposer == nil {
		p, err := newProposer(s, l.logger)
		if err != nil {
			return nil, err
		}
		l.proposer = p
	}
	return l, nil
}

func newProposer(s *Settings, logger *zap.Logger) (optimization.Proposer, error) {
	rng := rand.New(rand.NewSource(s.Seed))
	random, err := strategy.NewRandom(s.Pairs, rng)
	if err != nil {
		return nil, err
	}

	var p optimization.Proposer = random
	if s.Mode == ModeGaussianProcess {
		k, err := kernels.New(s.Kernel, strategy.DefaultLengthScales[0], 1.0)
		if err != nil {
			return nil, optimization.WrapError(err, "surrogate kernel").
				WithKind(optimization.KindConfiguration).
				WithComponent("search.loop")
		}
		p, err = strategy.NewGaussianProcess(s.Pairs, rng,
			strategy.WithXi(s.Xi),
			strategy.WithKernel(k),
			strategy.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}
	if s.EpsilonGreedy > 0 {
		return strategy.NewEpsilonGreedy(p, random, s.EpsilonGreedy, rng)
	}
	return p, nil
}

// State reports the current phase. Safe for concurrent use.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Strategy returns the name of the proposal strategy in use.
func (l *Loop) Strategy() string {
	return l.proposer.Name()
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run executes rounds until a termination rule fires, then refits the winner
// on the full dataset. Cancellation is honoured between rounds only; a
// cancelled search still returns its partial result together with ctx.Err().
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	defer l.setState(StateTerminated)

	if err := l.openStore(); err != nil {
		return nil, err
	}
	defer l.closeStore()

	if l.settings.PriorsPath != "" {
		priors, err := LoadPriors(l.settings.PriorsPath, l.settings.Pairs)
		if err != nil {
			return nil, err
		}
		l.summary.Record(priors...)
		l.logger.Info("Loaded priors",
			zap.String("path", l.settings.PriorsPath),
			zap.Int("rows", len(priors)),
		)
	}

	l.logger.Info("Starting search",
		zap.String("strategy", l.proposer.Name()),
		zap.Int("max_iter", l.settings.MaxIter),
		zap.Int("num_threads", l.settings.NumThreads),
		zap.Int("parameters", len(l.settings.Pairs)),
	)

	// Evaluations run to completion even if ctx is cancelled mid-round.
	evalCtx := context.WithoutCancel(ctx)

	best, hasBest := optimization.BestMetric(l.summary.History())
	rounds, stale := 0, 0
	stop := StopNone
	for stop == StopNone {
		if ctx.Err() != nil {
			stop = StopCancelled
			break
		}

		l.setState(StateProposing)
		history := l.summary.History()
		configs, err := l.proposer.Propose(ctx, history, l.batchSize(len(history)))
		if err != nil {
			if ctx.Err() != nil {
				stop = StopCancelled
				break
			}
			return nil, optimization.WrapErrorf(err, "propose round %d", rounds+1).
				WithComponent("search.loop")
		}

		l.setState(StateEvaluating)
		results := l.evaluate(evalCtx, configs)

		l.setState(StateUpdating)
		l.summary.Record(results...)
		rounds++

		if m, ok := optimization.BestMetric(results); ok && (!hasBest || m > best) {
			best, hasBest = m, true
			stale = 0
		} else {
			stale++
		}
		l.prune()

		stop = l.termination(stale)
		l.notify(rounds, results, stop)
	}

	return l.finish(ctx, evalCtx, rounds, stop)
}

// batchSize is NumThreads clamped to the iterations left, but at least one.
func (l *Loop) batchSize(done int) int {
	n := l.settings.NumThreads
	if remaining := l.settings.MaxIter - done; n > remaining {
		n = remaining
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (l *Loop) evaluate(ctx context.Context, configs []optimization.Configuration) []optimization.EvaluationResult {
	evaluator := NewEvaluator(l.settings, l.est, l.harness, l.data, l.store, l.logger)
	results := make([]optimization.EvaluationResult, len(configs))

	var g errgroup.Group
	g.SetLimit(l.settings.NumThreads)
	for i, c := range configs {
		g.Go(func() error {
			results[i] = evaluator.Evaluate(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// termination applies the stop rules in order; the first match wins.
func (l *Loop) termination(stale int) StopReason {
	history := l.summary.History()
	switch {
	case len(history) >= l.settings.MaxIter:
		return StopMaxIter
	case stale >= l.settings.MaxNoImproveIters:
		return StopNoImprovement
	case l.converged(history):
		return StopTolerance
	}
	return StopNone
}

// converged reports whether the top K finite metrics lie within Tol.
func (l *Loop) converged(history []optimization.EvaluationResult) bool {
	k := l.settings.TopKForTolerance
	metrics := make([]float64, 0, len(history))
	for _, r := range history {
		if !math.IsNaN(r.Metric) && !math.IsInf(r.Metric, 0) {
			metrics = append(metrics, r.Metric)
		}
	}
	if len(metrics) < k {
		return false
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(metrics)))
	return metrics[0]-metrics[k-1] <= l.settings.Tol
}

func (l *Loop) notify(round int, results []optimization.EvaluationResult, stop StopReason) {
	event := RoundEvent{
		Round:       round,
		Evaluated:   len(results),
		HistorySize: l.summary.Len(),
		Stop:        stop,
	}
	for _, r := range results {
		if r.Failed() {
			event.Failed++
		}
	}
	event.Best, event.HasBest = l.summary.Best()

	fields := []zap.Field{
		zap.Int("round", round),
		zap.Int("evaluated", event.Evaluated),
		zap.Int("failed", event.Failed),
		zap.Int("history", event.HistorySize),
	}
	if event.HasBest {
		fields = append(fields,
			zap.Float64("best", event.Best.Metric),
			zap.Int("best_configuration", event.Best.Configuration.Index),
		)
	}
	if stop != StopNone {
		fields = append(fields, zap.Stringer("stop", stop))
	}
	l.logger.Info("Round complete", fields...)

	for _, o := range l.observers {
		for _, r := range results {
			o.OnEvaluation(r)
		}
		o.OnRound(event)
	}
}

// finish refits the winner, cleans up artifacts and persists the tables.
func (l *Loop) finish(ctx, evalCtx context.Context, rounds int, stop StopReason) (*Result, error) {
	best, ok := l.summary.Best()
	if !ok {
		// Only reachable when cancelled before the first round
		return nil, ctx.Err()
	}

	model, err := l.refit(evalCtx, best.Configuration)
	if err != nil {
		return nil, err
	}
	l.summary.AttachRefit(model)
	folds := l.bestArtifact(best.Configuration.Index)
	l.summary.AttachFoldModels(folds)
	l.clearArtifacts()

	if l.settings.OutputPath != "" {
		if err := l.summary.Persist(l.settings.OutputPath); err != nil {
			return nil, optimization.WrapError(err, "persist results").WithComponent("search.loop")
		}
	}

	l.logger.Info("Search finished",
		zap.Stringer("stop", stop),
		zap.Int("rounds", rounds),
		zap.Int("evaluations", l.summary.Len()),
		zap.Float64("best", best.Metric),
	)

	result := &Result{
		Model:          model,
		Best:           best,
		Configurations: l.summary.ConfigurationsTable(),
		Metrics:        l.summary.MetricsBlock(),
		Weights:        l.summary.WeightsBlock(),
		History:        l.summary.History(),
		FoldModels:     folds,
		Rounds:         rounds,
		StopReason:     stop,
	}
	if stop == StopCancelled {
		return result, ctx.Err()
	}
	return result, nil
}

func (l *Loop) refit(ctx context.Context, c optimization.Configuration) (model estimator.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Refit panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			model = nil
			err = optimization.NewErrorf("refit panicked: %v", r).
				WithKind(optimization.KindRefit).
				WithComponent("search.loop")
		}
	}()

	hp, err := NewEvaluator(l.settings, l.est, l.harness, l.data, nil, l.logger).Hyperparams(c)
	if err != nil {
		return nil, optimization.WrapError(err, "refit").WithKind(optimization.KindRefit).WithComponent("search.loop")
	}
	model, err = l.est.Fit(ctx, l.data, hp)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "refit configuration %d", c.Index).
			WithKind(optimization.KindRefit).
			WithComponent("search.loop")
	}
	if model == nil {
		return nil, optimization.NewErrorf("refit configuration %d returned no model", c.Index).
			WithKind(optimization.KindRefit).
			WithComponent("search.loop")
	}
	return model, nil
}

func (l *Loop) openStore() error {
	if l.store != nil || l.settings.PathForTempModels == "" {
		return nil
	}
	store, err := storage.Open(l.settings.ModelStore, l.settings.PathForTempModels)
	if err != nil {
		return optimization.WrapError(err, "open model store").
			WithKind(optimization.KindConfiguration).
			WithComponent("search.loop")
	}
	l.store = store
	l.ownsStore = true
	return nil
}

func (l *Loop) closeStore() {
	if !l.ownsStore {
		return
	}
	if err := l.store.Close(); err != nil {
		l.logger.Warn("Failed to close model store", zap.Error(err))
	}
}

// prune drops the artifacts of every configuration but the current best.
func (l *Loop) prune() {
	if l.store == nil {
		return
	}
	best, ok := l.summary.Best()
	if !ok {
		return
	}
	l.deleteArtifacts(func(index int) bool { return index != best.Configuration.Index })
}

// bestArtifact reads back the fold models stored for index. A missing or
// unreadable artifact is logged and yields nil.
func (l *Loop) bestArtifact(index int) json.RawMessage {
	if l.store == nil {
		return nil
	}
	data, err := l.store.Load(index)
	if errors.Is(err, storage.ErrNotFound) {
		// Priors and failed evaluations store nothing
		l.logger.Debug("No fold models stored for the best configuration", zap.Int("configuration", index))
		return nil
	}
	if err != nil {
		l.logger.Warn("Failed to load fold models of the best configuration",
			zap.Int("configuration", index),
			zap.Error(err),
		)
		return nil
	}
	if !json.Valid(data) {
		l.logger.Warn("Stored fold models are not valid JSON", zap.Int("configuration", index))
		return nil
	}
	return data
}

func (l *Loop) clearArtifacts() {
	if l.store == nil {
		return
	}
	l.deleteArtifacts(func(int) bool { return true })
}

// deleteArtifacts removes the matching artifacts this search evaluated.
// Keys it did not write are left alone.
func (l *Loop) deleteArtifacts(match func(int) bool) {
	indices, err := l.store.Indices()
	if err != nil {
		l.logger.Warn("Failed to list model artifacts", zap.Error(err))
		return
	}
	own := make(map[int]bool, l.summary.Len())
	for _, r := range l.summary.History() {
		if !r.Prior {
			own[r.Configuration.Index] = true
		}
	}
	for _, i := range indices {
		if !own[i] || !match(i) {
			continue
		}
		if err := l.store.Delete(i); err != nil {
			l.logger.Warn("Failed to delete model artifact",
				zap.Int("configuration", i),
				zap.Error(fmt.Errorf("delete: %w", err)),
			)
		}
	}
}
