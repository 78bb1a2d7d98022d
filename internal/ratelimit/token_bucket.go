// Package ratelimit provides a simple in-memory token-bucket rate limiter.
// The relay keeps one bucket per provider that declares requests_per_second,
// so a busy caller backs off locally before the remote side starts answering
// 429.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond (no extra burst).
func New(ratePerSecond, burst float64) *Limiter {
	return newWithClock(ratePerSecond, burst, time.Now)
}

func newWithClock(ratePerSecond, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// RetryAfter returns how long until the next token is available; zero when
// one is available now.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1.0 || l.rate <= 0 {
		return 0
	}
	secs := (1.0 - l.tokens) / l.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// refill must be called with l.mu held.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.lastRefill = now
}

// Set maintains one Limiter per provider id. Membership is fixed at
// construction; ids without a limit have no entry and are always allowed.
type Set struct {
	limiters map[string]*Limiter
}

// NewSet builds limiters for every id with a positive rate. Burst is
// max(1, rate).
func NewSet(rates map[string]float64) *Set {
	return NewSetWithClock(rates, time.Now)
}

// NewSetWithClock is NewSet with an explicit clock.
func NewSetWithClock(rates map[string]float64, now func() time.Time) *Set {
	s := &Set{limiters: make(map[string]*Limiter, len(rates))}
	for id, rate := range rates {
		if rate <= 0 {
			continue
		}
		s.limiters[id] = newWithClock(rate, math.Max(1, rate), now)
	}
	return s
}

// Allow consumes a token for id. When denied it also returns how long to wait
// before the next token.
func (s *Set) Allow(id string) (bool, time.Duration) {
	if s == nil {
		return true, 0
	}
	l, ok := s.limiters[id]
	if !ok {
		return true, 0
	}
	if l.Allow() {
		return true, 0
	}
	return false, l.RetryAfter()
}

// Limited reports whether id has a client-side limit.
func (s *Set) Limited(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.limiters[id]
	return ok
}
