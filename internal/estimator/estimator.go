// Package estimator defines the trainable-model contract the search drives
// and the typed hyperparameter bindings used to steer it.
package estimator

import (
	"context"
	"fmt"
)

// Hyperparams is an estimator-specific, copyable hyperparameter set.
type Hyperparams interface {
	Clone() Hyperparams
}

// Estimator trains models from data and hyperparameters.
type Estimator interface {
	// Name identifies the estimator in logs and persisted summaries.
	Name() string

	// Defaults returns a fresh copy of the estimator's base hyperparameters.
	Defaults() Hyperparams

	// Fit trains a model. Divergence and numerical failures are returned as errors.
	Fit(ctx context.Context, data *Dataset, hp Hyperparams) (Model, error)
}

// Model is a trained estimator.
type Model interface {
	// Predict scores a single feature vector.
	Predict(x []float64) float64

	// Coefficients returns learned weights keyed by feature name.
	Coefficients() map[string]float64

	// MarshalJSON serialises the model for intermediate storage.
	MarshalJSON() ([]byte, error)
}

// Binding connects a generic search parameter to one hyperparameter of an
// estimator without reflection.
type Binding interface {
	Name() string
	Get(hp Hyperparams) (float64, error)
	Set(hp Hyperparams, value float64) error
}

// FieldBinding is a Binding over a concrete hyperparameter type P.
type FieldBinding[P Hyperparams] struct {
	Key    string
	Getter func(P) float64
	Setter func(P, float64)
}

// Name returns the hyperparameter name.
func (b FieldBinding[P]) Name() string { return b.Key }

// Get reads the bound value.
func (b FieldBinding[P]) Get(hp Hyperparams) (float64, error) {
	p, ok := hp.(P)
	if !ok {
		return 0, fmt.Errorf("binding %s: unexpected hyperparameter type %T", b.Key, hp)
	}
	return b.Getter(p), nil
}

// Set writes the bound value.
func (b FieldBinding[P]) Set(hp Hyperparams, value float64) error {
	p, ok := hp.(P)
	if !ok {
		return fmt.Errorf("binding %s: unexpected hyperparameter type %T", b.Key, hp)
	}
	b.Setter(p, value)
	return nil
}
