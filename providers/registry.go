package providers

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateID is returned when two records share an id.
	ErrDuplicateID = errors.New("duplicate provider id")
	// ErrNoActiveProviders is returned when no record is enabled.
	ErrNoActiveProviders = errors.New("no active providers configured")
)

// Gate admits or excludes a provider at a point in time. The health tracker
// (cooldowns, disabled providers) and the circuit breaker set are gates.
type Gate interface {
	Eligible(id string, now time.Time) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(id string, now time.Time) bool

// Eligible implements Gate.
func (f GateFunc) Eligible(id string, now time.Time) bool { return f(id, now) }

// Registry holds the validated provider records, sorted by ascending
// priority. It is immutable after NewRegistry.
type Registry struct {
	configs []Config
	index   map[string]int
}

// NewRegistry validates cfgs and builds a registry. Records are copied;
// duplicates and an empty enabled set are configuration errors.
func NewRegistry(cfgs []Config) (*Registry, error) {
	r := &Registry{
		configs: make([]Config, 0, len(cfgs)),
		index:   make(map[string]int, len(cfgs)),
	}
	seen := make(map[string]struct{}, len(cfgs))
	enabled := 0
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.IsEnabled() {
			enabled++
		}
		r.configs = append(r.configs, c.clone())
	}
	if enabled == 0 {
		return nil, ErrNoActiveProviders
	}

	sort.SliceStable(r.configs, func(i, j int) bool {
		if r.configs[i].Priority != r.configs[j].Priority {
			return r.configs[i].Priority < r.configs[j].Priority
		}
		return r.configs[i].ID < r.configs[j].ID
	})
	for i, c := range r.configs {
		r.index[c.ID] = i
	}
	return r, nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Config, bool) {
	i, ok := r.index[id]
	if !ok {
		return Config{}, false
	}
	return r.configs[i].clone(), true
}

// All returns every record in priority order.
func (r *Registry) All() []Config {
	out := make([]Config, len(r.configs))
	for i, c := range r.configs {
		out[i] = c.clone()
	}
	return out
}

// IDs returns every provider id in priority order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.configs))
	for i, c := range r.configs {
		out[i] = c.ID
	}
	return out
}

// Enabled returns the enabled records in priority order.
func (r *Registry) Enabled() []Config {
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of records, enabled or not.
func (r *Registry) Len() int { return len(r.configs) }

// Available returns the enabled records admitted by every gate at now, in
// priority order.
func (r *Registry) Available(now time.Time, gates ...Gate) []Config {
	out := make([]Config, 0, len(r.configs))
next:
	for _, c := range r.configs {
		if !c.IsEnabled() {
			continue
		}
		for _, g := range gates {
			if !g.Eligible(c.ID, now) {
				continue next
			}
		}
		out = append(out, c)
	}
	return out
}
