package circuitbreaker

import (
	"sort"
	"time"
)

// Set holds one breaker per provider. The id→breaker map is fixed at
// construction, so lookups need no lock and unrelated breakers never contend.
type Set struct {
	breakers map[string]*CircuitBreaker
}

// NewSet creates a breaker named after each id, all sharing settings s.
func NewSet(ids []string, s Settings) *Set {
	m := make(map[string]*CircuitBreaker, len(ids))
	for _, id := range ids {
		m[id] = New(id, s)
	}
	return &Set{breakers: m}
}

// Get returns the breaker for id.
func (s *Set) Get(id string) (*CircuitBreaker, bool) {
	cb, ok := s.breakers[id]
	return cb, ok
}

// Eligible reports whether the breaker for id would admit a call at now.
// Unknown ids are not eligible.
func (s *Set) Eligible(id string, now time.Time) bool {
	cb, ok := s.breakers[id]
	return ok && cb.Permits(now)
}

// Stats returns a snapshot of every breaker, ordered by name.
func (s *Set) Stats() []Stats {
	out := make([]Stats, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
