package search

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/estimator/linear"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/storage"
)

func scenarioConfig(index int, reg, en float64) optimization.Configuration {
	return optimization.Configuration{
		Index:  index,
		Values: map[string]float64{"regParam": reg, "elasticNetParam": en},
	}
}

func TestEvaluatorSuccess(t *testing.T) {
	s, err := scenarioBuilder(t).Build()
	require.NoError(t, err)
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ev := NewEvaluator(s, linear.New(nil), crossval.NewKFold(1), linearData(t, 60), store, nil)
	res := ev.Evaluate(context.Background(), scenarioConfig(7, 0.01, 0.1))

	assert.False(t, res.Failed(), res.Err)
	assert.Greater(t, res.Metric, 0.9, "nearly unregularised fit of a linear target")
	assert.Equal(t, 3, res.Metrics.Len())
	assert.Greater(t, res.Weights.Len(), 0)
	assert.Greater(t, res.Duration.Nanoseconds(), int64(0))

	data, err := store.Load(7)
	require.NoError(t, err)
	var models []linear.Model
	require.NoError(t, json.Unmarshal(data, &models))
	assert.Len(t, models, 3, "one model per fold")
}

func TestEvaluatorAppliesBindings(t *testing.T) {
	s, err := scenarioBuilder(t).Build()
	require.NoError(t, err)
	core, logs := observer.New(zap.DebugLevel)
	ev := NewEvaluator(s, linear.New(nil), crossval.NewKFold(1), linearData(t, 20), nil, zap.New(core))

	hp, err := ev.Hyperparams(scenarioConfig(0, 1.25, 0.75))
	require.NoError(t, err)
	p := hp.(*linear.Params)
	assert.Equal(t, 1.25, p.RegParam)
	assert.Equal(t, 0.5, p.ElasticNetParam, "values are clipped into the domain")
	assert.Equal(t, linear.DefaultParams().MaxIter, p.MaxIter, "unbound hyperparameters keep their defaults")

	clipped := logs.FilterMessage("Value outside its domain, clipping").All()
	require.Len(t, clipped, 1)
	assert.Equal(t, "elasticNetParam", clipped[0].ContextMap()["parameter"])

	_, err = ev.Hyperparams(optimization.Configuration{Index: 1, Values: map[string]float64{"regParam": 1}})
	assert.True(t, errors.Is(err, optimization.ErrConfiguration))
}

func TestEvaluatorFailures(t *testing.T) {
	data := linearData(t, 30)

	tests := []struct {
		name    string
		builder *SettingsBuilder
		harness crossval.Harness
		wantMsg string
		metric  float64
	}{
		{
			name:    "harness error with replacement",
			builder: scenarioBuilder(t).WithNaNReplacement(-1),
			harness: &failingHarness{Harness: crossval.NewKFold(1)},
			wantMsg: "injected failure",
			metric:  -1,
		},
		{
			name:    "harness error without replacement",
			builder: scenarioBuilder(t),
			harness: &failingHarness{Harness: crossval.NewKFold(1)},
			wantMsg: "injected failure",
			metric:  math.NaN(),
		},
		{
			name:    "panic is recovered",
			builder: scenarioBuilder(t).WithNaNReplacement(-2),
			harness: panickingHarness{},
			wantMsg: "harness exploded",
			metric:  -2,
		},
		{
			name:    "expression yields several rows",
			builder: scenarioBuilder(t).WithMetricsExpression("SELECT AVG(r2) FROM metrics GROUP BY foldNum"),
			harness: crossval.NewKFold(1),
			wantMsg: "exactly one row",
			metric:  math.NaN(),
		},
		{
			name:    "expression yields no rows",
			builder: scenarioBuilder(t).WithMetricsExpression("SELECT AVG(r2) FROM metrics WHERE foldNum > 10"),
			harness: crossval.NewKFold(1),
			wantMsg: "exactly one row",
			metric:  math.NaN(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.builder.Build()
			require.NoError(t, err)
			ev := NewEvaluator(s, linear.New(nil), tt.harness, data, nil, nil)

			res := ev.Evaluate(context.Background(), scenarioConfig(3, 0.5, 0.2))
			require.True(t, res.Failed())
			assert.Contains(t, res.Err, tt.wantMsg)
			assert.Equal(t, 3, res.Configuration.Index)
			assert.Nil(t, res.Metrics)
			if math.IsNaN(tt.metric) {
				assert.True(t, math.IsNaN(res.Metric))
			} else {
				assert.Equal(t, tt.metric, res.Metric)
			}
		})
	}
}

func TestEvaluatorReplacesNaNMetric(t *testing.T) {
	// STDDEV over a single fold is NaN
	s, err := scenarioBuilder(t).
		WithMetricsExpression("SELECT STDDEV(r2) FROM metrics WHERE foldNum = 0").
		WithNaNReplacement(-3).
		Build()
	require.NoError(t, err)
	ev := NewEvaluator(s, linear.New(nil), crossval.NewKFold(1), linearData(t, 30), nil, nil)

	res := ev.Evaluate(context.Background(), scenarioConfig(0, 0.5, 0.2))
	assert.False(t, res.Failed())
	assert.Equal(t, -3.0, res.Metric)
}
