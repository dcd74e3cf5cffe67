// Package search drives a hyperparameter search: it asks a proposal strategy
// for configurations, evaluates them concurrently with cross-validation,
// decides when to stop, and keeps the ranked summary of everything tried.
package search

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/optimization/kernels"
	"github.com/copyleftdev/hypertune/internal/storage"
	"github.com/copyleftdev/hypertune/internal/strategy"
	"github.com/copyleftdev/hypertune/internal/table"
)

// Mode selects the proposal strategy.
type Mode string

const (
	ModeRandom          Mode = "RANDOM"
	ModeGaussianProcess Mode = "GAUSSIAN_PROCESS"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeRandom:
		return ModeRandom, nil
	case ModeGaussianProcess, "GP":
		return ModeGaussianProcess, nil
	default:
		return "", optimization.NewConfigurationError("unknown search mode %q", s).
			WithComponent("search.settings")
	}
}

// Defaults used by NewSettingsBuilder.
const (
	DefaultMaxIter           = 50
	DefaultMaxNoImproveIters = 10
	DefaultTopKForTolerance  = 5
	DefaultNumThreads        = 4
	DefaultFolds             = 3
	DefaultMetricsExpression = "SELECT AVG(r2) FROM metrics"
)

// Settings is the validated, read-only description of one search. Build it
// with a SettingsBuilder.
type Settings struct {
	Pairs []optimization.ParamDomainPair `validate:"min=1"`
	Mode  Mode                           `validate:"oneof=RANDOM GAUSSIAN_PROCESS"`

	MaxIter           int     `validate:"gte=1"`
	MaxNoImproveIters int     `validate:"gte=1"`
	Tol               float64 `validate:"gte=0"`
	TopKForTolerance  int     `validate:"gte=1"`
	EpsilonGreedy     float64 `validate:"gte=0,lte=1"`
	Xi                float64 `validate:"gte=0"`
	// Kernel names the surrogate covariance; empty means Matérn 5/2.
	Kernel string `validate:"omitempty,oneof=matern52 rbf"`

	// NumThreads bounds configurations in flight; FoldThreads bounds folds
	// in flight within one configuration.
	NumThreads  int `validate:"gte=1"`
	FoldThreads int `validate:"gte=1"`
	Folds       int `validate:"gte=2"`

	PathForTempModels string
	ModelStore        storage.Kind `validate:"omitempty,oneof=file badger"`

	MetricsExpression string `validate:"required"`
	// NaNReplacement, when set, replaces NaN and failed metrics.
	NaNReplacement *float64

	PriorsPath string
	OutputPath string
	Seed       int64
}

// Clone returns a copy that shares nothing mutable with s.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Pairs = append([]optimization.ParamDomainPair(nil), s.Pairs...)
	if s.NaNReplacement != nil {
		v := *s.NaNReplacement
		c.NaNReplacement = &v
	}
	return &c
}

// SettingsBuilder assembles Settings fluently. Errors from With* calls are
// collected and reported by Build.
type SettingsBuilder struct {
	s    Settings
	errs []error
}

var settingsValidate = validator.New()

// NewSettingsBuilder starts from the package defaults.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{s: Settings{
		Mode:              ModeGaussianProcess,
		MaxIter:           DefaultMaxIter,
		MaxNoImproveIters: DefaultMaxNoImproveIters,
		TopKForTolerance:  DefaultTopKForTolerance,
		Xi:                strategy.DefaultXi,
		Kernel:            kernels.NameMatern52,
		NumThreads:        DefaultNumThreads,
		FoldThreads:       1,
		Folds:             DefaultFolds,
		ModelStore:        storage.KindFile,
		MetricsExpression: DefaultMetricsExpression,
	}}
}

// WithParam adds a searchable parameter. An empty displayName falls back to
// the binding name.
func (b *SettingsBuilder) WithParam(domain optimization.ParamDomain, binding estimator.Binding, displayName string) *SettingsBuilder {
	pair, err := optimization.NewParamDomainPair(domain, binding, displayName)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.s.Pairs = append(b.s.Pairs, pair)
	return b
}

// WithRange is WithParam with an inline domain named after the binding.
func (b *SettingsBuilder) WithRange(binding estimator.Binding, lower, upper float64, displayName string) *SettingsBuilder {
	if binding == nil {
		b.errs = append(b.errs, optimization.NewConfigurationError("parameter range has no hyperparameter binding").
			WithComponent("search.settings"))
		return b
	}
	domain, err := optimization.NewParamDomain(binding.Name(), lower, upper)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	return b.WithParam(domain, binding, displayName)
}

func (b *SettingsBuilder) WithMode(m Mode) *SettingsBuilder { b.s.Mode = m; return b }

func (b *SettingsBuilder) WithMaxIter(n int) *SettingsBuilder { b.s.MaxIter = n; return b }

func (b *SettingsBuilder) WithMaxNoImproveIters(n int) *SettingsBuilder {
	b.s.MaxNoImproveIters = n
	return b
}

func (b *SettingsBuilder) WithTol(tol float64) *SettingsBuilder { b.s.Tol = tol; return b }

func (b *SettingsBuilder) WithTopKForTolerance(k int) *SettingsBuilder {
	b.s.TopKForTolerance = k
	return b
}

// WithEpsilonGreedy sets the per-slot exploration probability. Zero
// disables the wrapper.
func (b *SettingsBuilder) WithEpsilonGreedy(eps float64) *SettingsBuilder {
	b.s.EpsilonGreedy = eps
	return b
}

func (b *SettingsBuilder) WithXi(xi float64) *SettingsBuilder { b.s.Xi = xi; return b }

func (b *SettingsBuilder) WithKernel(name string) *SettingsBuilder { b.s.Kernel = name; return b }

func (b *SettingsBuilder) WithNumThreads(n int) *SettingsBuilder { b.s.NumThreads = n; return b }

func (b *SettingsBuilder) WithFoldThreads(n int) *SettingsBuilder { b.s.FoldThreads = n; return b }

func (b *SettingsBuilder) WithFolds(n int) *SettingsBuilder { b.s.Folds = n; return b }

// WithPathForTempModels enables per-configuration model artifacts.
func (b *SettingsBuilder) WithPathForTempModels(path string) *SettingsBuilder {
	b.s.PathForTempModels = path
	return b
}

func (b *SettingsBuilder) WithModelStore(kind storage.Kind) *SettingsBuilder {
	b.s.ModelStore = kind
	return b
}

func (b *SettingsBuilder) WithMetricsExpression(expr string) *SettingsBuilder {
	b.s.MetricsExpression = expr
	return b
}

func (b *SettingsBuilder) WithNaNReplacement(v float64) *SettingsBuilder {
	b.s.NaNReplacement = &v
	return b
}

func (b *SettingsBuilder) WithPriorsPath(path string) *SettingsBuilder {
	b.s.PriorsPath = path
	return b
}

func (b *SettingsBuilder) WithOutputPath(path string) *SettingsBuilder {
	b.s.OutputPath = path
	return b
}

func (b *SettingsBuilder) WithSeed(seed int64) *SettingsBuilder { b.s.Seed = seed; return b }

// Build validates the accumulated settings and returns an independent copy.
func (b *SettingsBuilder) Build() (*Settings, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	s := b.s.Clone()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks tag constraints and the cross-field rules the tags cannot
// express.
func (s *Settings) Validate() error {
	if err := settingsValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return optimization.NewConfigurationError("invalid settings: %s", strings.Join(msgs, "; ")).
				WithComponent("search.settings")
		}
		return optimization.WrapError(err, "invalid settings").WithKind(optimization.KindConfiguration)
	}

	if math.IsNaN(s.Tol) || math.IsInf(s.Tol, 0) {
		return optimization.NewConfigurationError("tolerance must be finite, got %v", s.Tol).
			WithComponent("search.settings")
	}
	if s.NaNReplacement != nil && math.IsNaN(*s.NaNReplacement) {
		return optimization.NewConfigurationError("NaN replacement must be a number").
			WithComponent("search.settings")
	}

	names := make(map[string]bool, len(s.Pairs))
	display := make(map[string]bool, len(s.Pairs))
	for _, p := range s.Pairs {
		if names[p.Name()] {
			return optimization.NewConfigurationError("parameter %q is bound twice", p.Name()).
				WithComponent("search.settings")
		}
		if display[p.DisplayName] {
			return optimization.NewConfigurationError("display name %q is used twice", p.DisplayName).
				WithComponent("search.settings")
		}
		if isReservedColumn(p.DisplayName) {
			return optimization.NewConfigurationError("display name %q collides with a summary column", p.DisplayName).
				WithComponent("search.settings")
		}
		names[p.Name()] = true
		display[p.DisplayName] = true
	}

	if _, err := table.Parse(s.MetricsExpression); err != nil {
		return optimization.WrapErrorf(err, "metrics expression %q", s.MetricsExpression).
			WithKind(optimization.KindConfiguration).
			WithComponent("search.settings")
	}
	return nil
}
