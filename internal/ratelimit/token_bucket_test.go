package ratelimit

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllowWithinBurst(t *testing.T) {
	l := New(10, 5)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("expected allow on request %d within burst", i+1)
		}
	}
}

func TestBlockWhenDepleted(t *testing.T) {
	l := New(10, 2)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("expected rate limit after burst exhausted")
	}
}

func TestRefillOverTime(t *testing.T) {
	c := &manualClock{t: time.Unix(0, 0)}
	l := newWithClock(1000, 1, c.Now)
	l.Allow()
	c.Advance(2 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("expected allow after refill")
	}
}

func TestRetryAfter(t *testing.T) {
	c := &manualClock{t: time.Unix(0, 0)}
	l := newWithClock(2, 1, c.Now)
	if d := l.RetryAfter(); d != 0 {
		t.Fatalf("expected 0 with a token available, got %s", d)
	}
	l.Allow()
	if d := l.RetryAfter(); d != 500*time.Millisecond {
		t.Fatalf("expected 500ms until next token, got %s", d)
	}
	c.Advance(250 * time.Millisecond)
	if d := l.RetryAfter(); d != 250*time.Millisecond {
		t.Fatalf("expected 250ms until next token, got %s", d)
	}
}

func TestSetPerProvider(t *testing.T) {
	c := &manualClock{t: time.Unix(0, 0)}
	s := NewSetWithClock(map[string]float64{"a": 1, "b": 0}, c.Now)

	if !s.Limited("a") || s.Limited("b") {
		t.Fatal("expected only a to carry a limit")
	}
	if ok, _ := s.Allow("a"); !ok {
		t.Fatal("expected first call to a allowed")
	}
	ok, wait := s.Allow("a")
	if ok {
		t.Fatal("expected second call to a denied")
	}
	if wait != time.Second {
		t.Fatalf("expected 1s wait, got %s", wait)
	}
	for i := 0; i < 10; i++ {
		if ok, _ := s.Allow("b"); !ok {
			t.Fatal("expected unlimited provider always allowed")
		}
	}
	c.Advance(time.Second)
	if ok, _ := s.Allow("a"); !ok {
		t.Fatal("expected a allowed after refill")
	}
}

func TestNilSetAllows(t *testing.T) {
	var s *Set
	if ok, _ := s.Allow("x"); !ok {
		t.Fatal("expected nil set to allow")
	}
}
