package optimization

import (
	"math"
	"math/rand"

	"github.com/copyleftdev/hypertune/internal/estimator"
)

// ParamDomain is the searchable closed interval of one parameter.
type ParamDomain struct {
	name  string
	lower float64
	upper float64
}

// NewParamDomain validates and returns a domain.
func NewParamDomain(name string, lower, upper float64) (ParamDomain, error) {
	if name == "" {
		return ParamDomain{}, NewConfigurationError("parameter domain needs a name").
			WithComponent("param_domain")
	}
	if math.IsNaN(lower) || math.IsNaN(upper) || math.IsInf(lower, 0) || math.IsInf(upper, 0) {
		return ParamDomain{}, NewConfigurationError("domain %q: bounds must be finite, got [%v, %v]", name, lower, upper).
			WithComponent("param_domain")
	}
	if lower >= upper {
		return ParamDomain{}, NewConfigurationError("domain %q: lower bound %v must be below upper bound %v", name, lower, upper).
			WithComponent("param_domain")
	}
	return ParamDomain{name: name, lower: lower, upper: upper}, nil
}

// Name returns the parameter name.
func (d ParamDomain) Name() string { return d.name }

// Lower returns the inclusive lower bound.
func (d ParamDomain) Lower() float64 { return d.lower }

// Upper returns the inclusive upper bound.
func (d ParamDomain) Upper() float64 { return d.upper }

// Sample draws uniformly from [lower, upper].
func (d ParamDomain) Sample(rng *rand.Rand) float64 {
	return d.Clip(d.lower + rng.Float64()*(d.upper-d.lower))
}

// Clip clamps v into the domain. NaN maps to the lower bound.
func (d ParamDomain) Clip(v float64) float64 {
	if math.IsNaN(v) {
		return d.lower
	}
	return math.Max(d.lower, math.Min(v, d.upper))
}

// Contains reports whether v lies in the closed interval.
func (d ParamDomain) Contains(v float64) bool {
	return v >= d.lower && v <= d.upper
}

// Normalize maps v onto [0, 1].
func (d ParamDomain) Normalize(v float64) float64 {
	return (v - d.lower) / (d.upper - d.lower)
}

// Denormalize maps u in [0, 1] back into the domain, clipping.
func (d ParamDomain) Denormalize(u float64) float64 {
	return d.Clip(d.lower + u*(d.upper-d.lower))
}

// ParamDomainPair binds a domain to the estimator hyperparameter it controls.
type ParamDomainPair struct {
	Domain      ParamDomain
	Binding     estimator.Binding
	DisplayName string
}

// NewParamDomainPair returns a pair whose display name falls back to the
// binding name.
func NewParamDomainPair(domain ParamDomain, binding estimator.Binding, displayName string) (ParamDomainPair, error) {
	if binding == nil {
		return ParamDomainPair{}, NewConfigurationError("domain %q has no hyperparameter binding", domain.Name()).
			WithComponent("param_domain")
	}
	if displayName == "" {
		displayName = binding.Name()
	}
	return ParamDomainPair{Domain: domain, Binding: binding, DisplayName: displayName}, nil
}

// Name is the key used in Configuration.Values.
func (p ParamDomainPair) Name() string {
	return p.Domain.Name()
}

// Apply writes value into hp through the binding.
func (p ParamDomainPair) Apply(hp estimator.Hyperparams, value float64) error {
	return p.Binding.Set(hp, p.Domain.Clip(value))
}
