package strategies

import (
	"github.com/ferro-labs/ai-relay/providers"
)

// Intelligent picks a candidate at random, weighted by its health score.
// When every weight is zero the choice is uniform. Weights are laid out in
// priority order, so the same draw always maps to the same provider.
type Intelligent struct {
	scorer Scorer
	rand   func() float64
}

// NewIntelligent creates the strategy. A nil rnd uses math/rand/v2.
func NewIntelligent(scorer Scorer, rnd func() float64) *Intelligent {
	if rnd == nil {
		rnd = defaultRand
	}
	return &Intelligent{scorer: scorer, rand: rnd}
}

// Select implements Strategy.
func (s *Intelligent) Select(candidates []providers.Config) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		w := s.scorer.Score(c.ID)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	r := s.rand() * total
	cumulative := 0.0
	for i, c := range candidates {
		cumulative += weights[i]
		if r < cumulative {
			return c.ID, true
		}
	}

	// Floating-point rounding can leave r == total; take the last weighted one.
	for i := len(candidates) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return candidates[i].ID, true
		}
	}
	return candidates[0].ID, true
}
