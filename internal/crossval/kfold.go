// Package crossval evaluates an estimator configuration with k-fold
// cross-validation and reports per-fold metrics and weights tables.
package crossval

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/table"
)

// Column names of the report tables.
const (
	ColFoldNum = "foldNum"
	ColFeature = "feature"
	ColWeight  = "weight"
)

// MetricColumns are the per-fold metrics, in table order.
var MetricColumns = []string{ColFoldNum, "r2", "rmse", "mae"}

// WeightColumns is the per-fold weights schema.
var WeightColumns = []string{ColFoldNum, ColFeature, ColWeight}

// Options control one harness evaluation.
type Options struct {
	Folds int
	// NumThreads bounds the folds trained concurrently.
	NumThreads int
}

// Report is the raw outcome of a cross-validated evaluation.
type Report struct {
	Metrics *table.Table
	Weights *table.Table
	// Models holds the fitted model of each fold, in fold order.
	Models []estimator.Model
}

// Harness evaluates one hyperparameter set.
type Harness interface {
	Evaluate(ctx context.Context, est estimator.Estimator, hp estimator.Hyperparams, data *estimator.Dataset, opts Options) (*Report, error)
}

// KFold is a Harness with seeded, shuffled fold assignment.
type KFold struct {
	Seed int64
}

// NewKFold returns a harness whose fold split is fixed by seed.
func NewKFold(seed int64) *KFold {
	return &KFold{Seed: seed}
}

// Evaluate implements Harness.
func (k *KFold) Evaluate(ctx context.Context, est estimator.Estimator, hp estimator.Hyperparams, data *estimator.Dataset, opts Options) (*Report, error) {
	folds := opts.Folds
	if folds < 2 {
		return nil, fmt.Errorf("crossval: need at least 2 folds, got %d", folds)
	}
	n := data.Rows()
	if n < folds {
		return nil, fmt.Errorf("crossval: %d rows cannot fill %d folds", n, folds)
	}
	threads := opts.NumThreads
	if threads < 1 {
		threads = 1
	}

	assignment := k.split(n, folds)
	type foldResult struct {
		model estimator.Model
		r2    float64
		rmse  float64
		mae   float64
	}
	results := make([]foldResult, folds)

	p := pool.New().WithMaxGoroutines(threads).WithContext(ctx).WithCancelOnError()
	for f := 0; f < folds; f++ {
		p.Go(func(ctx context.Context) error {
			train, test := assignment.rows(f)
			model, err := est.Fit(ctx, data.Subset(train), hp.Clone())
			if err != nil {
				return fmt.Errorf("fold %d: %w", f, err)
			}
			held := data.Subset(test)
			pred := make([]float64, held.Rows())
			for i := range pred {
				pred[i] = model.Predict(held.X.RawRowView(i))
			}
			r := foldResult{model: model, r2: stat.RSquaredFrom(pred, held.Y, nil)}
			r.rmse, r.mae = errorsOf(pred, held.Y)
			results[f] = r
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Metrics: table.New("metrics", MetricColumns...),
		Weights: table.New("weights", WeightColumns...),
		Models:  make([]estimator.Model, folds),
	}
	for f, r := range results {
		report.Models[f] = r.model
		_ = report.Metrics.Append(f, r.r2, r.rmse, r.mae)
		AppendWeights(report.Weights, f, r.model)
	}
	return report, nil
}

// AppendWeights writes one row per coefficient, ordered by feature name.
func AppendWeights(t *table.Table, fold int, model estimator.Model) {
	coef := model.Coefficients()
	names := make([]string, 0, len(coef))
	for name := range coef {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_ = t.Append(fold, name, coef[name])
	}
}

func errorsOf(pred, actual []float64) (rmse, mae float64) {
	var sq, ab float64
	for i := range pred {
		d := pred[i] - actual[i]
		sq += d * d
		ab += math.Abs(d)
	}
	n := float64(len(pred))
	return math.Sqrt(sq / n), ab / n
}

type split []int

func (k *KFold) split(n, folds int) split {
	perm := rand.New(rand.NewSource(k.Seed)).Perm(n)
	s := make(split, n)
	for i, row := range perm {
		s[row] = i % folds
	}
	return s
}

// rows returns training and held-out row indices for fold f.
func (s split) rows(f int) (train, test []int) {
	for row, fold := range s {
		if fold == f {
			test = append(test, row)
		} else {
			train = append(train, row)
		}
	}
	return train, test
}
