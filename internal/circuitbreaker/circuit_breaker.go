// Package circuitbreaker implements the circuit-breaker pattern for provider
// calls. Each provider has its own CircuitBreaker instance.
//
// State transitions:
//
//	Closed → Open        when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen    on the first call after RecoveryTimeout elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
//
// Only one trial call is admitted at a time while HalfOpen. Errors rejected
// by Settings.IsExpected pass through without touching the counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed is normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen rejects requests immediately while the provider is failing.
	StateOpen
	// StateHalfOpen admits a single trial request to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when a call is rejected because the circuit
	// is open or a half-open trial is already in flight.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a call exceeds the timeout given to Call.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// Default settings applied for zero/negative values.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 1
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Settings configures a CircuitBreaker.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// IsExpected reports whether err indicates a service-health failure.
	// Nil counts every error.
	IsExpected func(err error) bool
	// OnStateChange is invoked after a transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of a breaker for observability.
type Stats struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	TotalCalls       int64         `json:"total_calls"`
	TotalSuccesses   int64         `json:"total_successes"`
	TotalFailures    int64         `json:"total_failures"`
	Rejected         int64         `json:"rejected"`
	OpenedCount      int64         `json:"opened_count"`
	OpenedAt         time.Time     `json:"opened_at,omitzero"`
	LastFailure      time.Time     `json:"last_failure,omitzero"`
	LastSuccess      time.Time     `json:"last_success,omitzero"`
}

// CircuitBreaker guards a single downstream provider.
type CircuitBreaker struct {
	name     string
	settings Settings

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	trialInFlight bool
	openedAt      time.Time
	lastFailure   time.Time
	lastSuccess   time.Time

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejected       int64
	openedCount    int64
}

// New creates a CircuitBreaker. Defaults are applied for zero/negative
// values: FailureThreshold=5, SuccessThreshold=1, RecoveryTimeout=30s.
func New(name string, s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &CircuitBreaker{name: name, settings: s, state: StateClosed}
}

// Name returns the breaker's name (the provider id).
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the effective state. An open breaker whose recovery timeout
// has elapsed reports HalfOpen; the stored state only moves on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState(cb.settings.Now())
}

// effectiveState must be called with cb.mu held.
func (cb *CircuitBreaker) effectiveState(now time.Time) State {
	if cb.state == StateOpen && cb.recovered(now) {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) recovered(now time.Time) bool {
	return now.Sub(cb.openedAt) >= cb.settings.RecoveryTimeout
}

// Permits reports whether a call made at now would be admitted, without
// changing any state.
func (cb *CircuitBreaker) Permits(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.recovered(now)
	case StateHalfOpen:
		return !cb.trialInFlight
	default:
		return true
	}
}

// Allow admits a call or returns ErrCircuitOpen. Every admitted call must be
// finished with exactly one of Done or Release.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	now := cb.settings.Now()
	var from State
	changed := false

	switch cb.state {
	case StateOpen:
		if !cb.recovered(now) {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	cb.totalCalls++
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

// Done records the outcome of an admitted call. A nil err is a success; an
// error counts as a failure if it wraps ErrTimeout or Settings.IsExpected
// accepts it.
func (cb *CircuitBreaker) Done(err error) {
	if err != nil && !errors.Is(err, ErrTimeout) && cb.settings.IsExpected != nil && !cb.settings.IsExpected(err) {
		cb.Release()
		return
	}

	cb.mu.Lock()
	now := cb.settings.Now()
	from := cb.state
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
	if err == nil {
		cb.onSuccess(now)
	} else {
		cb.onFailure(now)
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// Release finishes an admitted call without crediting it as a success or a
// failure (aborted calls, unexpected errors).
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.lastSuccess = now
	cb.totalSuccesses++
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.lastFailure = now
	cb.totalFailures++
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.trip(now)
		}
	case StateHalfOpen:
		cb.trip(now)
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.failureCount = 0
	cb.successCount = 0
	cb.trialInFlight = false
	cb.openedCount++
}

// ForceOpen trips the breaker immediately, restarting the recovery timer.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	from := cb.state
	cb.trip(cb.settings.Now())
	cb.mu.Unlock()
	if from != StateOpen {
		cb.notify(from, StateOpen)
	}
}

// Reset forces the breaker closed and clears its counters (operator override).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.trialInFlight = false
	cb.openedAt = time.Time{}
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// Stats returns a snapshot of the breaker's state and counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.name,
		State:            cb.effectiveState(cb.settings.Now()).String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.settings.FailureThreshold,
		SuccessThreshold: cb.settings.SuccessThreshold,
		RecoveryTimeout:  cb.settings.RecoveryTimeout,
		TotalCalls:       cb.totalCalls,
		TotalSuccesses:   cb.totalSuccesses,
		TotalFailures:    cb.totalFailures,
		Rejected:         cb.rejected,
		OpenedCount:      cb.openedCount,
		OpenedAt:         cb.openedAt,
		LastFailure:      cb.lastFailure,
		LastSuccess:      cb.lastSuccess,
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}

// Call runs op through the breaker. See Run.
func (cb *CircuitBreaker) Call(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	_, err := Run(ctx, cb, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

type result[T any] struct {
	val T
	err error
}

// Run executes op guarded by cb. It returns ErrCircuitOpen without calling op
// when the breaker refuses the call. A positive timeout bounds op; exceeding
// it counts as a failure and yields an error wrapping ErrTimeout. When ctx
// itself ends before the outcome is recorded the call is released uncounted,
// even if op succeeded, and an error is returned.
func Run[T any](ctx context.Context, cb *CircuitBreaker, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := op(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		switch {
		case ctx.Err() != nil:
			// The caller gave up; the outcome says nothing about the resource.
			cb.Release()
			if r.err == nil {
				return zero, ctx.Err()
			}
		case r.err == nil:
			cb.Done(nil)
		case callCtx.Err() != nil:
			cb.Done(ErrTimeout)
			return r.val, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, r.err)
		default:
			cb.Done(r.err)
		}
		return r.val, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			cb.Release()
			return zero, ctx.Err()
		}
		cb.Done(ErrTimeout)
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
