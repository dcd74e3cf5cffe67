// Package job describes a search request as submitted to the CLI (YAML) or
// the HTTP API (JSON) and turns it into search settings, an estimator and a
// dataset.
package job

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/estimator/linear"
	"github.com/copyleftdev/hypertune/internal/search"
	"github.com/copyleftdev/hypertune/internal/storage"
)

// Spec is one search job.
type Spec struct {
	Name      string        `json:"name,omitempty" yaml:"name"`
	Dataset   DatasetSpec   `json:"dataset" yaml:"dataset"`
	Params    []ParamSpec   `json:"params" yaml:"params" validate:"min=1,dive"`
	Estimator EstimatorSpec `json:"estimator,omitempty" yaml:"estimator"`

	Mode              string   `json:"mode,omitempty" yaml:"mode"`
	MaxIter           int      `json:"maxIter,omitempty" yaml:"maxIter" validate:"gte=0"`
	MaxNoImproveIters int      `json:"maxNoImproveIters,omitempty" yaml:"maxNoImproveIters" validate:"gte=0"`
	Tol               float64  `json:"tol,omitempty" yaml:"tol" validate:"gte=0"`
	TopKForTolerance  int      `json:"topKForTolerance,omitempty" yaml:"topKForTolerance" validate:"gte=0"`
	EpsilonGreedy     float64  `json:"epsilonGreedy,omitempty" yaml:"epsilonGreedy" validate:"gte=0,lte=1"`
	Xi                *float64 `json:"xi,omitempty" yaml:"xi"`
	Kernel            string   `json:"kernel,omitempty" yaml:"kernel" validate:"omitempty,oneof=matern52 rbf"`
	NumThreads        int      `json:"numThreads,omitempty" yaml:"numThreads" validate:"gte=0"`
	FoldThreads       int      `json:"foldThreads,omitempty" yaml:"foldThreads" validate:"gte=0"`
	Folds             int      `json:"folds,omitempty" yaml:"folds" validate:"gte=0"`
	MetricsExpression string   `json:"metricsExpression,omitempty" yaml:"metricsExpression"`
	NaNReplacement    *float64 `json:"nanReplacement,omitempty" yaml:"nanReplacement"`
	Seed              int64    `json:"seed,omitempty" yaml:"seed"`

	PriorsPath        string       `json:"priorsPath,omitempty" yaml:"priorsPath"`
	OutputPath        string       `json:"outputPath,omitempty" yaml:"outputPath"`
	PathForTempModels string       `json:"pathForTempModels,omitempty" yaml:"pathForTempModels"`
	ModelStore        storage.Kind `json:"modelStore,omitempty" yaml:"modelStore" validate:"omitempty,oneof=file badger"`
}

// DatasetSpec names a header-first numeric CSV, either on disk or inline.
type DatasetSpec struct {
	Path  string `json:"path,omitempty" yaml:"path" validate:"required_without=CSV"`
	CSV   string `json:"csv,omitempty" yaml:"csv" validate:"required_without=Path"`
	Label string `json:"label" yaml:"label" validate:"required"`
}

// ParamSpec binds one estimator hyperparameter to a search range.
type ParamSpec struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	Lower       float64 `json:"lower" yaml:"lower"`
	Upper       float64 `json:"upper" yaml:"upper"`
	DisplayName string  `json:"displayName,omitempty" yaml:"displayName"`
}

// EstimatorSpec overrides the fixed elastic-net hyperparameters.
type EstimatorSpec struct {
	MaxIter      int      `json:"maxIter,omitempty" yaml:"maxIter" validate:"gte=0"`
	Tol          float64  `json:"tol,omitempty" yaml:"tol" validate:"gte=0"`
	FitIntercept *bool    `json:"fitIntercept,omitempty" yaml:"fitIntercept"`
	RegParam     *float64 `json:"regParam,omitempty" yaml:"regParam"`
}

// Defaults fill the fields a job leaves at zero.
type Defaults struct {
	MaxIter           int
	NumThreads        int
	FoldThreads       int
	Folds             int
	PathForTempModels string
	ModelStore        storage.Kind
}

var validate = validator.New()

// LoadFile reads a YAML job. Unknown keys are rejected.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML job and validates it.
func Parse(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structural rules of the job. Settings performs the
// search-level checks.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid job: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid job: %w", err)
	}
	return nil
}

// CheckLocalPaths rejects input paths that are absolute or leave the
// working directory. Services call it before reading client-supplied jobs.
func (s *Spec) CheckLocalPaths() error {
	inputs := []struct{ field, path string }{
		{"dataset.path", s.Dataset.Path},
		{"priorsPath", s.PriorsPath},
	}
	for _, in := range inputs {
		if in.path != "" && !filepath.IsLocal(in.path) {
			return fmt.Errorf("invalid job: %s %q must be a relative path inside the working directory", in.field, in.path)
		}
	}
	return nil
}

// Settings builds validated search settings, applying d where the job is
// silent.
func (s *Spec) Settings(d Defaults) (*search.Settings, error) {
	b := search.NewSettingsBuilder()
	for _, p := range s.Params {
		binding, err := linear.Binding(p.Name)
		if err != nil {
			return nil, err
		}
		b.WithRange(binding, p.Lower, p.Upper, p.DisplayName)
	}

	if s.Mode != "" {
		mode, err := search.ParseMode(s.Mode)
		if err != nil {
			return nil, err
		}
		b.WithMode(mode)
	}
	if n := pick(s.MaxIter, d.MaxIter); n > 0 {
		b.WithMaxIter(n)
	}
	if n := pick(s.NumThreads, d.NumThreads); n > 0 {
		b.WithNumThreads(n)
	}
	if n := pick(s.FoldThreads, d.FoldThreads); n > 0 {
		b.WithFoldThreads(n)
	}
	if n := pick(s.Folds, d.Folds); n > 0 {
		b.WithFolds(n)
	}
	if s.MaxNoImproveIters > 0 {
		b.WithMaxNoImproveIters(s.MaxNoImproveIters)
	}
	if s.TopKForTolerance > 0 {
		b.WithTopKForTolerance(s.TopKForTolerance)
	}
	b.WithTol(s.Tol).WithEpsilonGreedy(s.EpsilonGreedy).WithSeed(s.Seed)
	if s.Kernel != "" {
		b.WithKernel(s.Kernel)
	}
	if s.Xi != nil {
		b.WithXi(*s.Xi)
	}
	if s.MetricsExpression != "" {
		b.WithMetricsExpression(s.MetricsExpression)
	}
	if s.NaNReplacement != nil {
		b.WithNaNReplacement(*s.NaNReplacement)
	}

	tmp := s.PathForTempModels
	if tmp == "" {
		tmp = d.PathForTempModels
	}
	store := s.ModelStore
	if store == "" {
		store = d.ModelStore
	}
	if store != "" {
		b.WithModelStore(store)
	}
	return b.WithPathForTempModels(tmp).
		WithPriorsPath(s.PriorsPath).
		WithOutputPath(s.OutputPath).
		Build()
}

// NewEstimator returns the elastic-net estimator with the job's fixed
// hyperparameters.
func (s *Spec) NewEstimator() *linear.ElasticNet {
	base := linear.DefaultParams()
	e := s.Estimator
	if e.MaxIter > 0 {
		base.MaxIter = e.MaxIter
	}
	if e.Tol > 0 {
		base.Tol = e.Tol
	}
	if e.FitIntercept != nil {
		base.FitIntercept = *e.FitIntercept
	}
	if e.RegParam != nil {
		base.RegParam = *e.RegParam
	}
	return linear.New(base)
}

// LoadDataset reads the inline CSV when present, else the file.
func (s *Spec) LoadDataset() (*estimator.Dataset, error) {
	if s.Dataset.CSV != "" {
		return estimator.ReadCSV(strings.NewReader(s.Dataset.CSV), s.Dataset.Label)
	}
	return estimator.LoadCSV(s.Dataset.Path, s.Dataset.Label)
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
