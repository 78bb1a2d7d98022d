// Package retry is the single retry-with-backoff combinator shared by the
// request executor and the error recovery service. Delays grow exponentially
// from InitialBackoff, are randomised by Jitter and capped at MaxBackoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults applied by Policy for zero values.
const (
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.5
)

// Policy configures Do. Attempts counts the first call, so Attempts=1 means
// no retry.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomisation factor in [0, 1]; each delay is drawn from
	// [d*(1-Jitter), d*(1+Jitter)]. Zero selects DefaultJitter, a negative
	// value disables jitter.
	Jitter float64
	// OnRetry, when set, is called before each wait with the error that
	// triggered the retry and the chosen delay.
	OnRetry func(err error, wait time.Duration)
}

// WithDefaults returns p with zero fields replaced by package defaults.
func (p Policy) WithDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = DefaultJitter
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter > 1:
		p.Jitter = 1
	}
	return p
}

// Permanent wraps err so that Do returns it immediately without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// used up, or ctx is done. The last error from op is returned; when ctx ends
// during a wait, ctx.Err() is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.WithDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx) //nolint:gosec

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(func() error { return op(ctx) }, b, notify)
}

// Delays returns the un-jittered delay schedule for p, useful for logging and
// tests: one entry per retry, each capped at MaxBackoff.
func Delays(p Policy) []time.Duration {
	p = p.WithDefaults()
	out := make([]time.Duration, 0, p.Attempts-1)
	d := float64(p.InitialBackoff)
	for i := 1; i < p.Attempts; i++ {
		if time.Duration(d) > p.MaxBackoff {
			d = float64(p.MaxBackoff)
		}
		out = append(out, time.Duration(d))
		d *= p.Multiplier
	}
	return out
}
