// Package strategy holds the proposal strategies the search loop asks for
// new configurations each round.
package strategy

import (
	"context"
	"math/rand"

	"github.com/copyleftdev/hypertune/internal/optimization"
)

// Random proposes independent uniform draws from every domain.
type Random struct {
	pairs []optimization.ParamDomainPair
	rng   *rand.Rand
}

// NewRandom returns a Random strategy drawing from rng. The strategy is not
// safe for concurrent use; the search loop calls it from one goroutine.
func NewRandom(pairs []optimization.ParamDomainPair, rng *rand.Rand) (*Random, error) {
	if len(pairs) == 0 {
		return nil, optimization.NewConfigurationError("at least one parameter domain is required").
			WithComponent("strategy.random")
	}
	if rng == nil {
		return nil, optimization.NewConfigurationError("random source must not be nil").
			WithComponent("strategy.random")
	}
	return &Random{pairs: pairs, rng: rng}, nil
}

// Name implements optimization.Proposer.
func (r *Random) Name() string { return "random" }

// Propose implements optimization.Proposer.
func (r *Random) Propose(ctx context.Context, history []optimization.EvaluationResult, count int) ([]optimization.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.draw(len(history), count), nil
}

func (r *Random) draw(start, count int) []optimization.Configuration {
	out := make([]optimization.Configuration, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, optimization.NewConfiguration(start+i, r.pairs, r.point()))
	}
	return out
}

func (r *Random) point() []float64 {
	x := make([]float64, len(r.pairs))
	for j, p := range r.pairs {
		x[j] = p.Domain.Sample(r.rng)
	}
	return x
}
