package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferro-labs/ai-relay/internal/retry"
)

// ErrNoTarget is returned by actions that have nothing to act on.
var ErrNoTarget = errors.New("recovery action has no target")

// Retry re-runs Operation under Policy.
type Retry struct {
	Operation func(ctx context.Context) error
	Policy    retry.Policy
}

// Name implements Action.
func (Retry) Name() string { return "retry" }

// Execute implements Action.
func (r Retry) Execute(ctx context.Context, _ ErrorContext) error {
	if r.Operation == nil {
		return ErrNoTarget
	}
	return retry.Do(ctx, r.Policy, r.Operation)
}

// Fallback runs a substitute function bounded by Timeout. The function is
// abandoned when the timeout passes even if it ignores its context.
type Fallback struct {
	Label   string
	Fn      func(ctx context.Context, ec ErrorContext) error
	Timeout time.Duration
}

// Name implements Action.
func (f Fallback) Name() string {
	if f.Label == "" {
		return "fallback"
	}
	return "fallback:" + f.Label
}

// Execute implements Action.
func (f Fallback) Execute(ctx context.Context, ec ErrorContext) error {
	if f.Fn == nil {
		return ErrNoTarget
	}
	if f.Timeout <= 0 {
		return f.Fn(ctx, ec)
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Fn(ctx, ec) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("fallback %s: %w", f.Name(), ctx.Err())
	}
}

// BreakerOpener force-opens the circuit breaker of a named resource.
type BreakerOpener interface {
	ForceOpen(name string) error
}

// OpenBreaker trips a breaker so callers stop sending traffic to a failing
// resource. Target defaults to the context's "provider" metadata, then to
// its Component.
type OpenBreaker struct {
	Breakers BreakerOpener
	Target   string
}

// Name implements Action.
func (OpenBreaker) Name() string { return "open_breaker" }

// Execute implements Action.
func (o OpenBreaker) Execute(_ context.Context, ec ErrorContext) error {
	target := o.Target
	if target == "" {
		target = ec.Metadata["provider"]
	}
	if target == "" {
		target = ec.Component
	}
	if o.Breakers == nil || target == "" {
		return ErrNoTarget
	}
	return o.Breakers.ForceOpen(target)
}

// Degrade switches to a reduced mode of operation.
type Degrade struct {
	Label string
	Fn    func(ctx context.Context, ec ErrorContext) error
}

// Name implements Action.
func (d Degrade) Name() string {
	if d.Label == "" {
		return "degrade"
	}
	return "degrade:" + d.Label
}

// Execute implements Action.
func (d Degrade) Execute(ctx context.Context, ec ErrorContext) error {
	if d.Fn == nil {
		return ErrNoTarget
	}
	return d.Fn(ctx, ec)
}

// Restarter resets a named component to a clean state.
type Restarter interface {
	Restart(ctx context.Context, component string) error
}

// Restart resets Component, or the context's Component when unset.
type Restart struct {
	Restarter Restarter
	Component string
}

// Name implements Action.
func (Restart) Name() string { return "restart" }

// Execute implements Action.
func (r Restart) Execute(ctx context.Context, ec ErrorContext) error {
	component := r.Component
	if component == "" {
		component = ec.Component
	}
	if r.Restarter == nil || component == "" {
		return ErrNoTarget
	}
	return r.Restarter.Restart(ctx, component)
}
