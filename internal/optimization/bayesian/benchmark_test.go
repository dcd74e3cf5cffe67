package bayesian

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func trainingData(nSamples, nFeatures int) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewSource(42))
	X := mat.NewDense(nSamples, nFeatures, nil)
	y := mat.NewVecDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		for j := 0; j < nFeatures; j++ {
			X.Set(i, j, rng.Float64())
		}
		y.SetVec(i, rng.NormFloat64())
	}
	return X, y
}

// BenchmarkGPFit measures the performance of fitting a Gaussian Process model
func BenchmarkGPFit(b *testing.B) {
	X, y := trainingData(100, 5)
	gp := NewGP(newMatern(b, 0.3), 1e-6, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gp.Fit(X, y)
	}
}

// BenchmarkGPPredict measures single-point prediction, the inner loop of
// acquisition maximisation.
func BenchmarkGPPredict(b *testing.B) {
	X, y := trainingData(100, 5)
	gp := NewGP(newMatern(b, 0.3), 1e-6, nil)
	if err := gp.Fit(X, y); err != nil {
		b.Fatal(err)
	}
	x := []float64{0.5, 0.5, 0.5, 0.5, 0.5}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = gp.PredictPoint(x)
	}
}

// BenchmarkSelectLengthScale covers the per-round refit a proposal performs.
func BenchmarkSelectLengthScale(b *testing.B) {
	X, y := trainingData(30, 2)
	gp := NewGP(newMatern(b, 0.3), 1e-6, nil)
	candidates := []float64{0.1, 0.2, 0.3, 0.5, 0.8}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = gp.SelectLengthScale(X, y, candidates)
	}
}
