package strategy

import (
	"context"
	"math"
	"math/rand"

	"github.com/copyleftdev/hypertune/internal/optimization"
)

// EpsilonGreedy explores with probability epsilon per slot and otherwise
// defers to an inner strategy.
type EpsilonGreedy struct {
	inner   optimization.Proposer
	explore *Random
	epsilon float64
	rng     *rand.Rand
}

// NewEpsilonGreedy wraps inner. explore supplies the exploration draws and rng
// decides, slot by slot, which strategy fills it.
func NewEpsilonGreedy(inner optimization.Proposer, explore *Random, epsilon float64, rng *rand.Rand) (*EpsilonGreedy, error) {
	if inner == nil || explore == nil || rng == nil {
		return nil, optimization.NewConfigurationError("epsilon greedy needs an inner strategy, an explorer and a random source").
			WithComponent("strategy.epsilon_greedy")
	}
	if math.IsNaN(epsilon) || epsilon < 0 || epsilon > 1 {
		return nil, optimization.NewConfigurationError("epsilon must lie in [0, 1], got %v", epsilon).
			WithComponent("strategy.epsilon_greedy")
	}
	return &EpsilonGreedy{inner: inner, explore: explore, epsilon: epsilon, rng: rng}, nil
}

// Name implements optimization.Proposer.
func (e *EpsilonGreedy) Name() string { return "epsilon_greedy(" + e.inner.Name() + ")" }

// Propose implements optimization.Proposer. The inner strategy is asked once
// for all exploit slots so it can spread its batch.
func (e *EpsilonGreedy) Propose(ctx context.Context, history []optimization.EvaluationResult, count int) ([]optimization.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	explore := make([]bool, count)
	exploit := 0
	for i := range explore {
		explore[i] = e.rng.Float64() < e.epsilon
		if !explore[i] {
			exploit++
		}
	}

	var greedy []optimization.Configuration
	if exploit > 0 {
		var err error
		greedy, err = e.inner.Propose(ctx, history, exploit)
		if err != nil {
			return nil, err
		}
		if len(greedy) != exploit {
			return nil, optimization.NewErrorf("inner strategy %s returned %d configurations, want %d", e.inner.Name(), len(greedy), exploit).
				WithComponent("strategy.epsilon_greedy")
		}
	}

	start := len(history)
	out := make([]optimization.Configuration, count)
	for i := range out {
		if explore[i] {
			out[i] = optimization.NewConfiguration(start+i, e.explore.pairs, e.explore.point())
			continue
		}
		c := greedy[0]
		greedy = greedy[1:]
		out[i] = optimization.Configuration{Index: start + i, Values: c.Values}
	}
	return out, nil
}
