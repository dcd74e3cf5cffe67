package optimization

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/copyleftdev/hypertune/internal/table"
)

// Proposer defines the interface for proposal strategies
type Proposer interface {
	// Propose returns count configurations whose indices continue from
	// len(history). history is a read-only snapshot.
	Propose(ctx context.Context, history []EvaluationResult, count int) ([]Configuration, error)

	// Name identifies the strategy in logs and metrics.
	Name() string
}

// Configuration is one point in the search space.
type Configuration struct {
	// Index is assigned in proposal order and never changes.
	Index int
	// Values maps a parameter name to its value.
	Values map[string]float64
}

// Value returns the value for name, or NaN if absent.
func (c Configuration) Value(name string) float64 {
	v, ok := c.Values[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// NewConfiguration builds a configuration from a vector ordered like pairs.
func NewConfiguration(index int, pairs []ParamDomainPair, x []float64) Configuration {
	values := make(map[string]float64, len(pairs))
	for i, p := range pairs {
		values[p.Name()] = x[i]
	}
	return Configuration{Index: index, Values: values}
}

// EvaluationResult is the outcome of evaluating one configuration.
type EvaluationResult struct {
	Configuration Configuration

	// Metric is NaN when evaluation failed and no replacement is configured.
	Metric float64

	// Err holds the failure message, empty on success.
	Err string

	// Metrics and Weights are the raw per-fold blocks from the harness.
	// They are nil for failed evaluations and for prior rows.
	Metrics *table.Table
	Weights *table.Table

	Duration time.Duration

	// Prior marks rows loaded from a previous run.
	Prior bool
}

// Failed reports whether the evaluation recorded an error.
func (r EvaluationResult) Failed() bool {
	return r.Err != ""
}

// Better reports whether a ranks before b: higher metric first, NaN last,
// ties to the lower index.
func Better(a, b EvaluationResult) bool {
	an, bn := math.IsNaN(a.Metric), math.IsNaN(b.Metric)
	switch {
	case an && bn:
		return a.Configuration.Index < b.Configuration.Index
	case an:
		return false
	case bn:
		return true
	case a.Metric != b.Metric:
		return a.Metric > b.Metric
	default:
		return a.Configuration.Index < b.Configuration.Index
	}
}

// Rank returns a copy of history sorted best first.
func Rank(history []EvaluationResult) []EvaluationResult {
	ranked := append([]EvaluationResult(nil), history...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Better(ranked[i], ranked[j])
	})
	return ranked
}

// BestMetric returns the highest finite metric in history and whether one exists.
func BestMetric(history []EvaluationResult) (float64, bool) {
	best, found := math.Inf(-1), false
	for _, r := range history {
		if math.IsNaN(r.Metric) {
			continue
		}
		if r.Metric > best {
			best = r.Metric
			found = true
		}
	}
	return best, found
}
