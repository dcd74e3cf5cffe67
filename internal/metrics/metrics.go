// Package metrics exports search progress to Prometheus.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/search"
)

const namespace = "hypertune"

// Collector owns the search metrics of one registry.
type Collector struct {
	evaluations *prometheus.CounterVec
	rounds      *prometheus.CounterVec
	stops       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	best        *prometheus.GaugeVec
	running     prometheus.Gauge
}

// NewCollector registers the search metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		// Labels: strategy, outcome (ok, failed)
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "evaluations_total",
			Help:      "Configurations evaluated, by outcome",
		}, []string{"strategy", "outcome"}),
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "rounds_total",
			Help:      "Completed proposal rounds",
		}, []string{"strategy"}),
		// Labels: reason (max_iter, no_improvement, tolerance, cancelled, none)
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "stops_total",
			Help:      "Terminated searches, by stop reason",
		}, []string{"reason"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "evaluation_duration_seconds",
			Help:      "Cross-validation time per configuration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"strategy"}),
		best: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "best_metric",
			Help:      "Best metric seen so far, by search",
		}, []string{"search"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "running",
			Help:      "Searches currently running",
		}),
	}
}

// Observer returns a search.Observer that reports one search under id.
func (c *Collector) Observer(id, strategy string) search.Observer {
	return &observer{c: c, id: id, strategy: strategy}
}

// Started marks a search as running.
func (c *Collector) Started() { c.running.Inc() }

// Finished marks a search as done with reason and drops its best-metric
// series.
func (c *Collector) Finished(id string, reason search.StopReason) {
	c.running.Dec()
	c.stops.WithLabelValues(reason.String()).Inc()
	c.best.DeleteLabelValues(id)
}

type observer struct {
	c        *Collector
	id       string
	strategy string
}

func (o *observer) OnEvaluation(r optimization.EvaluationResult) {
	outcome := "ok"
	if r.Failed() {
		outcome = "failed"
	}
	o.c.evaluations.WithLabelValues(o.strategy, outcome).Inc()
	o.c.duration.WithLabelValues(o.strategy).Observe(r.Duration.Seconds())
}

func (o *observer) OnRound(e search.RoundEvent) {
	o.c.rounds.WithLabelValues(o.strategy).Inc()
	if e.HasBest && !math.IsNaN(e.Best.Metric) {
		o.c.best.WithLabelValues(o.id).Set(e.Best.Metric)
	}
}
