// Package linear implements an elastic-net linear regression estimator used
// as the reference model for hyperparameter search.
package linear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hypertune/internal/estimator"
)

// ErrDiverged is returned when coordinate descent produces non-finite weights.
var ErrDiverged = errors.New("elastic net: training diverged")

// Params are the elastic-net hyperparameters.
type Params struct {
	// RegParam is the overall penalty strength (lambda >= 0).
	RegParam float64
	// ElasticNetParam mixes L1 (1) and L2 (0) penalties.
	ElasticNetParam float64
	MaxIter         int
	Tol             float64
	FitIntercept    bool
}

// Clone implements estimator.Hyperparams.
func (p *Params) Clone() estimator.Hyperparams {
	c := *p
	return &c
}

// DefaultParams mirrors common elastic-net defaults.
func DefaultParams() *Params {
	return &Params{
		RegParam:        0.0,
		ElasticNetParam: 0.0,
		MaxIter:         200,
		Tol:             1e-6,
		FitIntercept:    true,
	}
}

var bindings = map[string]estimator.Binding{
	"regParam": estimator.FieldBinding[*Params]{
		Key:    "regParam",
		Getter: func(p *Params) float64 { return p.RegParam },
		Setter: func(p *Params, v float64) { p.RegParam = v },
	},
	"elasticNetParam": estimator.FieldBinding[*Params]{
		Key:    "elasticNetParam",
		Getter: func(p *Params) float64 { return p.ElasticNetParam },
		Setter: func(p *Params, v float64) { p.ElasticNetParam = v },
	},
	"tol": estimator.FieldBinding[*Params]{
		Key:    "tol",
		Getter: func(p *Params) float64 { return p.Tol },
		Setter: func(p *Params, v float64) { p.Tol = v },
	},
}

// Binding returns the binding for a tunable hyperparameter name.
func Binding(name string) (estimator.Binding, error) {
	b, ok := bindings[name]
	if !ok {
		return nil, fmt.Errorf("elastic net: no tunable hyperparameter %q", name)
	}
	return b, nil
}

// Tunable lists the bindable hyperparameter names.
func Tunable() []string {
	names := make([]string, 0, len(bindings))
	for k := range bindings {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ElasticNet is the estimator.
type ElasticNet struct {
	base *Params
}

// New returns an estimator with the given base hyperparameters (nil for defaults).
func New(base *Params) *ElasticNet {
	if base == nil {
		base = DefaultParams()
	}
	return &ElasticNet{base: base}
}

// Name implements estimator.Estimator.
func (e *ElasticNet) Name() string { return "elastic_net" }

// Defaults implements estimator.Estimator.
func (e *ElasticNet) Defaults() estimator.Hyperparams {
	return e.base.Clone()
}

// Fit runs cyclic coordinate descent on standardised features, minimising
// 1/(2n)||y - Xb||^2 + lambda*(alpha*|b|_1 + (1-alpha)/2*|b|_2^2).
func (e *ElasticNet) Fit(ctx context.Context, data *estimator.Dataset, hp estimator.Hyperparams) (estimator.Model, error) {
	p, ok := hp.(*Params)
	if !ok {
		return nil, fmt.Errorf("elastic net: unexpected hyperparameters %T", hp)
	}
	if p.RegParam < 0 || p.ElasticNetParam < 0 || p.ElasticNetParam > 1 {
		return nil, fmt.Errorf("elastic net: invalid penalty regParam=%v elasticNetParam=%v", p.RegParam, p.ElasticNetParam)
	}
	n, d := data.X.Dims()
	if n == 0 {
		return nil, errors.New("elastic net: empty dataset")
	}

	means := make([]float64, d)
	scales := make([]float64, d)
	cols := make([][]float64, d)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, data.X)
		if p.FitIntercept {
			means[j] = stat.Mean(col, nil)
		}
		floats.AddConst(-means[j], col)
		scales[j] = math.Sqrt(floats.Dot(col, col) / float64(n))
		if scales[j] > 0 {
			floats.Scale(1/scales[j], col)
		}
		cols[j] = col
	}
	yMean := 0.0
	if p.FitIntercept {
		yMean = stat.Mean(data.Y, nil)
	}
	resid := make([]float64, n)
	copy(resid, data.Y)
	floats.AddConst(-yMean, resid)

	l1 := p.RegParam * p.ElasticNetParam
	l2 := p.RegParam * (1 - p.ElasticNetParam)
	beta := make([]float64, d)
	maxIter := p.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		maxDelta := 0.0
		for j := 0; j < d; j++ {
			if scales[j] == 0 {
				continue
			}
			// rho = x_j . (resid + x_j*b_j) / n ; standardised so x_j.x_j/n == 1
			rho := floats.Dot(cols[j], resid)/float64(n) + beta[j]
			next := softThreshold(rho, l1) / (1 + l2)
			if delta := next - beta[j]; delta != 0 {
				floats.AddScaled(resid, -delta, cols[j])
				maxDelta = math.Max(maxDelta, math.Abs(delta))
				beta[j] = next
			}
		}
		if !finite(beta) {
			return nil, ErrDiverged
		}
		if maxDelta < p.Tol {
			break
		}
	}

	m := &Model{Weights: make(map[string]float64, d), features: data.Features}
	intercept := yMean
	for j, name := range data.Features {
		w := 0.0
		if scales[j] > 0 {
			w = beta[j] / scales[j]
		}
		m.Weights[name] = w
		intercept -= w * means[j]
	}
	m.Intercept = intercept
	if math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return nil, ErrDiverged
	}
	return m, nil
}

func softThreshold(z, gamma float64) float64 {
	switch {
	case z > gamma:
		return z - gamma
	case z < -gamma:
		return z + gamma
	default:
		return 0
	}
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Model is a fitted linear model.
type Model struct {
	Intercept float64            `json:"intercept"`
	Weights   map[string]float64 `json:"weights"`
	features  []string
}

// Predict implements estimator.Model.
func (m *Model) Predict(x []float64) float64 {
	y := m.Intercept
	for j, name := range m.features {
		y += m.Weights[name] * x[j]
	}
	return y
}

// Coefficients implements estimator.Model. The intercept is reported under
// the key "intercept".
func (m *Model) Coefficients() map[string]float64 {
	out := make(map[string]float64, len(m.Weights)+1)
	for k, v := range m.Weights {
		out[k] = v
	}
	out["intercept"] = m.Intercept
	return out
}

// MarshalJSON implements estimator.Model.
func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intercept float64            `json:"intercept"`
		Weights   map[string]float64 `json:"weights"`
		Features  []string           `json:"features"`
	}{m.Intercept, m.Weights, m.features})
}

// UnmarshalJSON restores a model written by MarshalJSON.
func (m *Model) UnmarshalJSON(data []byte) error {
	var raw struct {
		Intercept float64            `json:"intercept"`
		Weights   map[string]float64 `json:"weights"`
		Features  []string           `json:"features"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Intercept, m.Weights, m.features = raw.Intercept, raw.Weights, raw.Features
	return nil
}
