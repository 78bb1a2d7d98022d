package strategies

import (
	"sync/atomic"

	"github.com/ferro-labs/ai-relay/providers"
)

// Priority always selects the first candidate.
type Priority struct{}

// Select implements Strategy.
func (Priority) Select(candidates []providers.Config) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].ID, true
}

// RoundRobin advances a shared cursor on every call. For a fixed candidate
// list each provider is picked once before any repeats. Fallbacks go
// through SelectSkipping so a failing provider's turn passes to the next
// provider in the rotation.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy starting at the first
// candidate.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select implements Strategy.
func (r *RoundRobin) Select(candidates []providers.Config) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	n := r.cursor.Add(1) - 1
	return candidates[n%uint64(len(candidates))].ID, true
}

// SelectSkipping implements Rotating. Each skipped slot still consumes the
// cursor, so rotation order over available is kept across calls.
func (r *RoundRobin) SelectSkipping(available []providers.Config, skip func(id string) bool) (string, bool) {
	n := uint64(len(available))
	for i := uint64(0); i < n; i++ {
		c := available[(r.cursor.Add(1)-1)%n]
		if skip == nil || !skip(c.ID) {
			return c.ID, true
		}
	}
	return "", false
}
