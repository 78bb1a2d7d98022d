// Package health keeps per-provider runtime counters: successes, failures,
// latency, last error and rate-limit cooldowns. The relay reads it to decide
// which providers are eligible and, for the intelligent strategy, how to
// weight them.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status is the coarse health tag reported for a provider.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusActive      Status = "active"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusDisabled    Status = "disabled"
)

// Score weights and constants.
const (
	successWeight = 0.7
	speedWeight   = 0.3

	// coldSuccessRate is used for providers that have not served a request.
	coldSuccessRate = 0.5
	// coldSpeedFactor is used for providers with no latency sample.
	coldSpeedFactor = 0.5
	// latencyEpsilon keeps speedFactor finite and within (0, 1].
	latencyEpsilon = time.Second

	// DefaultSmoothing is the EMA weight given to each new latency sample.
	DefaultSmoothing = 0.3
)

// Snapshot is a copy of one provider's runtime state.
type Snapshot struct {
	ID                  string        `json:"id"`
	Status              Status        `json:"status"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AverageLatency      time.Duration `json:"average_latency"`
	LastUsed            time.Time     `json:"last_used,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	RateLimitedUntil    time.Time     `json:"rate_limited_until,omitzero"`
	Disabled            bool          `json:"disabled"`
	DisabledReason      string        `json:"disabled_reason,omitempty"`
	SuccessRate         float64       `json:"success_rate"`
	Score               float64       `json:"score"`
}

type entry struct {
	mu sync.Mutex
	counters
}

// counters is the resettable part of an entry, kept apart from its mutex.
type counters struct {
	status              Status
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	avgLatency          time.Duration
	hasLatency          bool
	lastUsed            time.Time
	lastError           string
	rateLimitedUntil    time.Time
	disabled            bool
	disabledReason      string
}

// Tracker holds one entry per provider. The id→entry map is never modified
// after New, so each entry is guarded only by its own mutex.
type Tracker struct {
	entries   map[string]*entry
	now       func() time.Time
	smoothing float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSmoothing sets the EMA weight in (0, 1]. Out-of-range values are ignored.
func WithSmoothing(alpha float64) Option {
	return func(t *Tracker) {
		if alpha > 0 && alpha <= 1 {
			t.smoothing = alpha
		}
	}
}

// New creates a tracker with an unknown-status entry for every id.
func New(ids []string, opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[string]*entry, len(ids)),
		now:       time.Now,
		smoothing: DefaultSmoothing,
	}
	for _, o := range opts {
		o(t)
	}
	for _, id := range ids {
		t.entries[id] = &entry{counters: counters{status: StatusUnknown}}
	}
	return t
}

// RecordSuccess counts a successful call and folds latency into the average.
// It clears the consecutive failure count.
func (t *Tracker) RecordSuccess(id string, latency time.Duration) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	now := t.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.successCount++
	e.consecutiveFailures = 0
	e.lastUsed = now
	if !e.hasLatency {
		e.avgLatency = latency
		e.hasLatency = true
	} else {
		e.avgLatency = time.Duration(t.smoothing*float64(latency) + (1-t.smoothing)*float64(e.avgLatency))
	}
	if !e.disabled && !e.rateLimitedUntil.After(now) {
		e.status = StatusActive
	}
}

// RecordFailure counts a failed call and keeps err's message as the last error.
func (t *Tracker) RecordFailure(id string, err error) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	now := t.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureCount++
	e.consecutiveFailures++
	e.lastUsed = now
	if err != nil {
		e.lastError = err.Error()
	}
	if !e.disabled && !e.rateLimitedUntil.After(now) {
		e.status = StatusFailed
	}
}

// MarkRateLimited excludes id until now+cooldown. An existing later deadline
// is kept.
func (t *Tracker) MarkRateLimited(id string, cooldown time.Duration) {
	e, ok := t.entries[id]
	if !ok || cooldown <= 0 {
		return
	}
	until := t.now().Add(cooldown)
	e.mu.Lock()
	defer e.mu.Unlock()
	if until.After(e.rateLimitedUntil) {
		e.rateLimitedUntil = until
	}
	if !e.disabled {
		e.status = StatusRateLimited
	}
}

// Disable removes id from selection until Reset. Used for auth failures,
// which need manual reconfiguration rather than automatic recovery.
func (t *Tracker) Disable(id, reason string) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = true
	e.disabledReason = reason
	e.status = StatusDisabled
}

// Reset returns id to its cold-start state.
func (t *Tracker) Reset(id string) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters = counters{status: StatusUnknown}
	return true
}

// Eligible reports whether id may be selected at now: known, not disabled and
// not inside a rate-limit cooldown. An expired cooldown counts as cleared.
func (t *Tracker) Eligible(id string, now time.Time) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled && !e.rateLimitedUntil.After(now)
}

// Score returns 0.7*successRate + 0.3*speedFactor for id, or 0 for an
// unknown id.
func (t *Tracker) Score(id string) float64 {
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score()
}

// AverageLatency returns the smoothed latency for id; ok is false when no
// successful call has been recorded.
func (t *Tracker) AverageLatency(id string) (time.Duration, bool) {
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatency, e.hasLatency
}

// Snapshot returns a copy of id's state.
func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	now := t.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.status
	if status == StatusRateLimited && !e.rateLimitedUntil.After(now) {
		status = StatusUnknown
		if e.successCount+e.failureCount > 0 {
			status = StatusActive
			if e.consecutiveFailures > 0 {
				status = StatusFailed
			}
		}
	}
	until := e.rateLimitedUntil
	if !until.After(now) {
		until = time.Time{}
	}
	return Snapshot{
		ID:                  id,
		Status:              status,
		SuccessCount:        e.successCount,
		FailureCount:        e.failureCount,
		ConsecutiveFailures: e.consecutiveFailures,
		AverageLatency:      e.avgLatency,
		LastUsed:            e.lastUsed,
		LastError:           e.lastError,
		RateLimitedUntil:    until,
		Disabled:            e.disabled,
		DisabledReason:      e.disabledReason,
		SuccessRate:         e.successRate(),
		Score:               e.score(),
	}, true
}

// Snapshots returns every provider's state ordered by id.
func (t *Tracker) Snapshots() []Snapshot {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, _ := t.Snapshot(id)
		out = append(out, s)
	}
	return out
}

// successRate must be called with e.mu held.
func (e *entry) successRate() float64 {
	total := e.successCount + e.failureCount
	if total == 0 {
		return coldSuccessRate
	}
	return float64(e.successCount) / float64(total)
}

// score must be called with e.mu held.
func (e *entry) score() float64 {
	speed := coldSpeedFactor
	if e.hasLatency {
		speed = 1 / (e.avgLatency.Seconds() + latencyEpsilon.Seconds())
	}
	return successWeight*e.successRate() + speedWeight*speed
}
