package strategies

import (
	"github.com/ferro-labs/ai-relay/providers"
)

// Fastest picks the candidate with the lowest average latency. Providers
// without a sample rank last; ties keep priority order.
type Fastest struct {
	latency LatencySource
}

// NewFastest creates the strategy.
func NewFastest(src LatencySource) *Fastest {
	return &Fastest{latency: src}
}

// Select implements Strategy.
func (s *Fastest) Select(candidates []providers.Config) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := ""
	var bestLatency int64
	for _, c := range candidates {
		avg, ok := s.latency.AverageLatency(c.ID)
		if !ok {
			continue
		}
		if best == "" || int64(avg) < bestLatency {
			best, bestLatency = c.ID, int64(avg)
		}
	}
	if best == "" {
		return candidates[0].ID, true
	}
	return best, true
}
