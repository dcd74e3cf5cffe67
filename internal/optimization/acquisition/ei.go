package acquisition

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement implements the Expected Improvement acquisition
// function for maximisation, the direction the search ranks metrics in.
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Exploration-exploitation trade-off parameter (xi)
	xi float64
}

// NewExpectedImprovement creates an acquisition function around the
// incumbent bestObserved.
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{
		bestObserved: bestObserved,
		xi:           xi,
	}
}

// Compute returns EI = d*Φ(d/σ) + σ*φ(d/σ) with d = mu - best - xi. The
// result is non-negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	d := mu - ei.bestObserved - ei.xi

	// Certain prediction: improvement is exactly the margin, if any
	if sigma <= 1e-10 || math.IsNaN(sigma) {
		return math.Max(d, 0)
	}

	z := d / sigma
	v := d*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	return math.Max(v, 0)
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
