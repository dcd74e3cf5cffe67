// Package server exposes hyperparameter searches over HTTP and JSON-RPC 2.0.
// Searches run in the background; clients poll their status and may cancel
// them, which takes effect at the next round boundary.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/copyleftdev/hypertune/internal/config"
	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/job"
	"github.com/copyleftdev/hypertune/internal/logging"
	"github.com/copyleftdev/hypertune/internal/metrics"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/search"
	"github.com/copyleftdev/hypertune/internal/table"
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Status is the lifecycle of a search job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrNotFound is returned for unknown search ids.
var ErrNotFound = errors.New("search not found")

// ErrFinished is returned when cancelling a search that already ended.
var ErrFinished = errors.New("search already finished")

// searchState tracks one job. The loop goroutine writes it through the
// Observer methods; handlers read snapshots.
type searchState struct {
	mu sync.RWMutex

	id        string
	name      string
	strategy  string
	status    Status
	startTime time.Time
	endTime   *time.Time
	updated   time.Time

	rounds    int
	evaluated int
	failed    int
	best      *optimization.EvaluationResult

	cancelRequested bool
	stopReason      search.StopReason
	err             string
	outputPath      string
	tempDir         string
	result          *search.Result

	cancel  context.CancelFunc
	metrics search.Observer
}

func (st *searchState) OnEvaluation(r optimization.EvaluationResult) {
	st.mu.Lock()
	st.evaluated++
	if r.Failed() {
		st.failed++
	}
	st.updated = time.Now()
	st.mu.Unlock()
	if st.metrics != nil {
		st.metrics.OnEvaluation(r)
	}
}

func (st *searchState) OnRound(e search.RoundEvent) {
	st.mu.Lock()
	st.rounds = e.Round
	if e.HasBest {
		b := e.Best
		st.best = &b
	}
	st.updated = time.Now()
	st.mu.Unlock()
	if st.metrics != nil {
		st.metrics.OnRound(e)
	}
}

// Server manages search jobs and serves the HTTP and JSON-RPC endpoints.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Collector

	// slots bounds concurrently running searches
	slots chan struct{}

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	searches   map[string]*searchState
	searchesMu sync.RWMutex
}

// NewServer creates a server. A nil collector disables search metrics.
func NewServer(cfg *config.Config, logger Logger, collector *metrics.Collector) *Server {
	ctx, stop := context.WithCancel(context.Background())
	limit := cfg.Search.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		slots:    make(chan struct{}, limit),
		ctx:      ctx,
		stop:     stop,
		searches: make(map[string]*searchState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/searches", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleStatus)
		r.Delete("/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

func (s *Server) defaults() job.Defaults {
	return job.Defaults{
		MaxIter:     s.cfg.Search.MaxIter,
		NumThreads:  s.cfg.Search.NumThreads,
		FoldThreads: s.cfg.Search.FoldThreads,
		Folds:       s.cfg.Search.Folds,
		ModelStore:  s.cfg.Storage.ModelStore,
	}
}

// Start validates spec, loads its dataset and runs the search in the
// background.
func (s *Server) Start(spec job.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if err := spec.CheckLocalPaths(); err != nil {
		return "", err
	}

	// Output and scratch locations belong to the server, one directory per
	// search; client-supplied values are ignored.
	id := uuid.NewString()
	spec.OutputPath, spec.PathForTempModels = "", ""
	if s.cfg.Search.OutputRoot != "" {
		spec.OutputPath = filepath.Join(s.cfg.Search.OutputRoot, id)
	}
	if s.cfg.Search.TempModelPath != "" {
		spec.PathForTempModels = filepath.Join(s.cfg.Search.TempModelPath, id)
	}

	settings, err := spec.Settings(s.defaults())
	if err != nil {
		return "", err
	}
	data, err := spec.LoadDataset()
	if err != nil {
		return "", err
	}

	searchLogger := s.logger.WithFields(map[string]interface{}{"search_id": id})
	now := time.Now()
	state := &searchState{
		id:         id,
		name:       spec.Name,
		status:     StatusPending,
		startTime:  now,
		updated:    now,
		outputPath: settings.OutputPath,
		tempDir:    settings.PathForTempModels,
	}
	loop, err := search.NewLoop(settings, spec.NewEstimator(), crossval.NewKFold(settings.Seed), data,
		search.WithLogger(logging.NewZapLogger(searchLogger)),
		search.WithObserver(state),
	)
	if err != nil {
		return "", err
	}
	state.strategy = loop.Strategy()
	if s.metrics != nil {
		state.metrics = s.metrics.Observer(id, state.strategy)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	state.cancel = cancel

	s.searchesMu.Lock()
	s.searches[id] = state
	s.searchesMu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, state, loop, searchLogger)

	searchLogger.Info("Search accepted", map[string]interface{}{
		"strategy":   state.strategy,
		"parameters": len(settings.Pairs),
		"rows":       data.Rows(),
	})
	return id, nil
}

func (s *Server) run(ctx context.Context, state *searchState, loop *search.Loop, logger *logging.Logger) {
	defer s.wg.Done()
	defer state.cancel()
	defer s.removeTempDir(state, logger)

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err(), logger)
		return
	}

	state.mu.Lock()
	state.status = StatusRunning
	state.updated = time.Now()
	state.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Started()
	}

	res, err := loop.Run(ctx)
	if s.metrics != nil {
		reason := search.StopNone
		if res != nil {
			reason = res.StopReason
		} else if ctx.Err() != nil {
			reason = search.StopCancelled
		}
		s.metrics.Finished(state.id, reason)
	}
	s.finish(state, res, err, logger)
}

// removeTempDir deletes the per-search scratch directory once the loop has
// closed its store.
func (s *Server) removeTempDir(state *searchState, logger *logging.Logger) {
	if state.tempDir == "" {
		return
	}
	if err := os.RemoveAll(state.tempDir); err != nil {
		logger.Warn("Failed to remove model directory", map[string]interface{}{
			"path":  state.tempDir,
			"error": err.Error(),
		})
	}
}

func (s *Server) finish(state *searchState, res *search.Result, err error, logger *logging.Logger) {
	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	state.endTime = &now
	state.updated = now
	state.result = res
	if res != nil {
		state.stopReason = res.StopReason
		state.rounds = res.Rounds
		b := res.Best
		state.best = &b
	}

	switch {
	case errors.Is(err, context.Canceled):
		state.status = StatusCancelled
		logger.Info("Search cancelled", map[string]interface{}{"rounds": state.rounds})
	case err != nil:
		state.status = StatusFailed
		state.err = err.Error()
		logger.Error("Search failed", map[string]interface{}{"error": err.Error()})
	default:
		state.status = StatusCompleted
		logger.Info("Search completed", map[string]interface{}{
			"rounds":      res.Rounds,
			"stop_reason": res.StopReason.String(),
			"best":        res.Best.Metric,
		})
	}
}

// Cancel requests cancellation of a search.
func (s *Server) Cancel(id string) error {
	state, err := s.lookup(id)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.status.terminal() {
		return fmt.Errorf("%w: %s", ErrFinished, state.status)
	}
	state.cancelRequested = true
	state.updated = time.Now()
	state.cancel()

	s.logger.Info("Search cancellation requested", map[string]interface{}{"search_id": id})
	return nil
}

// Status returns a snapshot of a search.
func (s *Server) Status(id string) (*StatusView, error) {
	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return state.view(true), nil
}

// List returns snapshots of every search, newest first, without tables.
func (s *Server) List() []*StatusView {
	s.searchesMu.RLock()
	views := make([]*StatusView, 0, len(s.searches))
	for _, st := range s.searches {
		views = append(views, st.view(false))
	}
	s.searchesMu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].StartTime.After(views[j].StartTime)
	})
	return views
}

func (s *Server) lookup(id string) (*searchState, error) {
	s.searchesMu.RLock()
	defer s.searchesMu.RUnlock()
	state, ok := s.searches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state, nil
}

// Close cancels every search and waits for them to return.
func (s *Server) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

// StatusView is the wire form of a search.
type StatusView struct {
	ID              string     `json:"search_id"`
	Name            string     `json:"name,omitempty"`
	Status          Status     `json:"status"`
	Strategy        string     `json:"strategy"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	LastUpdate      time.Time  `json:"last_update"`
	Rounds          int        `json:"rounds"`
	Evaluated       int        `json:"evaluated"`
	Failed          int        `json:"failed"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	StopReason      string     `json:"stop_reason,omitempty"`
	Error           string     `json:"error,omitempty"`
	OutputPath      string     `json:"output_path,omitempty"`
	Best            *BestView  `json:"best,omitempty"`
	Configurations  *TableView `json:"configurations,omitempty"`
}

// BestView is the best configuration so far. Metric is null when NaN.
type BestView struct {
	ConfigurationIndex int                `json:"configuration_index"`
	Metric             *float64           `json:"metric"`
	Params             map[string]float64 `json:"params"`
	Error              string             `json:"error,omitempty"`
}

// TableView is a table with NaN cells rendered as null.
type TableView struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (st *searchState) view(withTable bool) *StatusView {
	st.mu.RLock()
	defer st.mu.RUnlock()

	v := &StatusView{
		ID:              st.id,
		Name:            st.name,
		Status:          st.status,
		Strategy:        st.strategy,
		StartTime:       st.startTime,
		EndTime:         st.endTime,
		LastUpdate:      st.updated,
		Rounds:          st.rounds,
		Evaluated:       st.evaluated,
		Failed:          st.failed,
		CancelRequested: st.cancelRequested,
		Error:           st.err,
		OutputPath:      st.outputPath,
	}
	if st.stopReason != search.StopNone {
		v.StopReason = st.stopReason.String()
	}
	if st.best != nil {
		v.Best = &BestView{
			ConfigurationIndex: st.best.Configuration.Index,
			Metric:             finite(st.best.Metric),
			Params:             st.best.Configuration.Values,
			Error:              st.best.Err,
		}
	}
	if withTable && st.result != nil && st.result.Configurations != nil {
		v.Configurations = tableView(st.result.Configurations)
	}
	return v
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func tableView(t *table.Table) *TableView {
	tv := &TableView{Columns: t.Columns, Rows: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		out := make([]any, len(row))
		for j, c := range row {
			if f, ok := c.(float64); ok {
				if p := finite(f); p != nil {
					out[j] = *p
				}
				continue
			}
			out[j] = c
		}
		tv.Rows[i] = out
	}
	return tv
}
