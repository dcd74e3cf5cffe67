package kernels

import (
	"fmt"
	"math"
)

// Kernel represents a covariance function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error

	// Clone returns an independent copy.
	Clone() Kernel
}

// stationary holds what the RBF and Matérn kernels share.
type stationary struct {
	// Length scale parameter (larger = smoother function)
	lengthScale float64
	// Signal variance (controls the amplitude of the function)
	signalVar float64
}

func newStationary(lengthScale, signalVar float64) (stationary, error) {
	s := stationary{}
	return s, s.set([]float64{lengthScale, signalVar})
}

func (s *stationary) set(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	s.lengthScale = params[0]
	s.signalVar = params[1]
	return nil
}

// Hyperparameters returns length scale and signal variance.
func (s *stationary) Hyperparameters() []float64 {
	return []float64{s.lengthScale, s.signalVar}
}

// SetHyperparameters sets length scale and signal variance.
func (s *stationary) SetHyperparameters(params []float64) error {
	return s.set(params)
}

func sqDist(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	return sumSq
}

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct {
	stationary
}

// NewRBFKernel creates a new RBF kernel with the given parameters
func NewRBFKernel(lengthScale, signalVar float64) (*RBFKernel, error) {
	s, err := newStationary(lengthScale, signalVar)
	if err != nil {
		return nil, err
	}
	return &RBFKernel{stationary: s}, nil
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	r2 := sqDist(x1, x2) / (2.0 * k.lengthScale * k.lengthScale)
	return k.signalVar * math.Exp(-r2)
}

// Clone implements Kernel.
func (k *RBFKernel) Clone() Kernel {
	c := *k
	return &c
}

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct {
	stationary
}

// NewMatern52Kernel creates a new Matérn 5/2 kernel with the given parameters
func NewMatern52Kernel(lengthScale, signalVar float64) (*Matern52Kernel, error) {
	s, err := newStationary(lengthScale, signalVar)
	if err != nil {
		return nil, err
	}
	return &Matern52Kernel{stationary: s}, nil
}

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(sqDist(x1, x2)) / k.lengthScale
	polyTerm := 1.0 + math.Sqrt(5)*r + (5.0/3.0)*r*r
	return k.signalVar * polyTerm * math.Exp(-math.Sqrt(5)*r)
}

// Clone implements Kernel.
func (k *Matern52Kernel) Clone() Kernel {
	c := *k
	return &c
}

// Kernel names accepted by New.
const (
	NameMatern52 = "matern52"
	NameRBF      = "rbf"
)

// New returns the kernel called name. An empty name selects Matérn 5/2.
func New(name string, lengthScale, signalVar float64) (Kernel, error) {
	var (
		k   Kernel
		err error
	)
	switch name {
	case NameMatern52, "":
		k, err = NewMatern52Kernel(lengthScale, signalVar)
	case NameRBF:
		k, err = NewRBFKernel(lengthScale, signalVar)
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}
