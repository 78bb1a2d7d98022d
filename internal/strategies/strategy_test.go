package strategies

import (
	"testing"
	"time"

	"github.com/ferro-labs/ai-relay/providers"
)

type scores map[string]float64

func (s scores) Score(id string) float64 { return s[id] }

type latencies map[string]time.Duration

func (l latencies) AverageLatency(id string) (time.Duration, bool) {
	d, ok := l[id]
	return d, ok
}

func candidates(ids ...string) []providers.Config {
	out := make([]providers.Config, len(ids))
	for i, id := range ids {
		out[i] = providers.Config{ID: id, Priority: i + 1}
	}
	return out
}

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestEmptyCandidates(t *testing.T) {
	all := []Strategy{
		Priority{},
		NewRoundRobin(),
		NewIntelligent(scores{}, nil),
		NewFastest(latencies{}),
	}
	for _, s := range all {
		if id, ok := s.Select(nil); ok || id != "" {
			t.Errorf("%T.Select(nil) = (%q, %v), want none", s, id, ok)
		}
	}
}

func TestPriority_SelectsFirst(t *testing.T) {
	for i := 0; i < 3; i++ {
		id, ok := Priority{}.Select(candidates("a", "b", "c"))
		if !ok || id != "a" {
			t.Fatalf("got (%q, %v), want a", id, ok)
		}
	}
}

func TestRoundRobin_VisitsEachOnce(t *testing.T) {
	rr := NewRoundRobin()
	cs := candidates("a", "b", "c")
	for round := 0; round < 3; round++ {
		seen := map[string]bool{}
		for i := 0; i < len(cs); i++ {
			id, _ := rr.Select(cs)
			if seen[id] {
				t.Fatalf("round %d: %s repeated before all were visited", round, id)
			}
			seen[id] = true
		}
	}
}

func TestRoundRobin_Order(t *testing.T) {
	rr := NewRoundRobin()
	cs := candidates("a", "b")
	want := []string{"a", "b", "a", "b"}
	for i, w := range want {
		if id, _ := rr.Select(cs); id != w {
			t.Fatalf("call %d: got %s, want %s", i, id, w)
		}
	}
}

func TestRoundRobin_SelectSkippingPassesTurnOn(t *testing.T) {
	rr := NewRoundRobin()
	cs := candidates("a", "b", "c")
	tried := map[string]bool{}
	skip := func(id string) bool { return tried[id] }

	// Each request first lands on the cursor; "a" always fails and its
	// fallback takes the next slot, so "b" and "c" keep alternating.
	var winners []string
	for i := 0; i < 6; i++ {
		for k := range tried {
			delete(tried, k)
		}
		for {
			id, ok := rr.SelectSkipping(cs, skip)
			if !ok {
				t.Fatalf("request %d: no candidate", i)
			}
			if id == "a" {
				tried[id] = true
				continue
			}
			winners = append(winners, id)
			break
		}
	}
	want := []string{"b", "c", "b", "c", "b", "c"}
	for i := range want {
		if winners[i] != want[i] {
			t.Fatalf("winners = %v, want %v", winners, want)
		}
	}

	tried["a"], tried["b"], tried["c"] = true, true, true
	if id, ok := rr.SelectSkipping(cs, skip); ok {
		t.Fatalf("all skipped: got %q", id)
	}
	if _, ok := rr.SelectSkipping(nil, nil); ok {
		t.Fatal("empty list should select none")
	}
}

func TestIntelligent_WeightedDraw(t *testing.T) {
	sc := scores{"a": 1, "b": 3}
	tests := []struct {
		r    float64
		want string
	}{
		{0.0, "a"},
		{0.24, "a"},
		{0.25, "b"},
		{0.99, "b"},
	}
	for _, tt := range tests {
		s := NewIntelligent(sc, fixedRand(tt.r))
		if id, _ := s.Select(candidates("a", "b")); id != tt.want {
			t.Errorf("rand=%v: got %s, want %s", tt.r, id, tt.want)
		}
	}
}

func TestIntelligent_ZeroWeightsUniform(t *testing.T) {
	sc := scores{}
	cs := candidates("a", "b", "c", "d")
	got := map[string]bool{}
	for _, r := range []float64{0.1, 0.3, 0.6, 0.9} {
		id, ok := NewIntelligent(sc, fixedRand(r)).Select(cs)
		if !ok {
			t.Fatal("expected a selection")
		}
		got[id] = true
	}
	if len(got) != 4 {
		t.Errorf("expected uniform draw to reach every candidate, got %v", got)
	}
}

func TestIntelligent_SkipsZeroWeight(t *testing.T) {
	s := NewIntelligent(scores{"a": 0, "b": 2}, fixedRand(0))
	if id, _ := s.Select(candidates("a", "b")); id != "b" {
		t.Errorf("got %s, want b", id)
	}
}

func TestIntelligent_RoundingFallsBackToLastWeighted(t *testing.T) {
	s := NewIntelligent(scores{"a": 1, "b": 1, "c": 0}, fixedRand(1.0))
	if id, _ := s.Select(candidates("a", "b", "c")); id != "b" {
		t.Errorf("got %s, want b", id)
	}
}

func TestFastest(t *testing.T) {
	lat := latencies{"a": 300 * time.Millisecond, "b": 100 * time.Millisecond}
	if id, _ := NewFastest(lat).Select(candidates("a", "b", "c")); id != "b" {
		t.Errorf("got %s, want b", id)
	}
}

func TestFastest_UnmeasuredRankLast(t *testing.T) {
	lat := latencies{"c": 5 * time.Second}
	if id, _ := NewFastest(lat).Select(candidates("a", "b", "c")); id != "c" {
		t.Errorf("got %s, want c (the only measured provider)", id)
	}
	if id, _ := NewFastest(latencies{}).Select(candidates("a", "b")); id != "a" {
		t.Errorf("got %s, want a when nothing is measured", id)
	}
}

func TestFastest_TieKeepsPriority(t *testing.T) {
	lat := latencies{"a": time.Second, "b": time.Second}
	if id, _ := NewFastest(lat).Select(candidates("a", "b")); id != "a" {
		t.Errorf("got %s, want a", id)
	}
}

func TestNew(t *testing.T) {
	deps := Deps{Scorer: scores{}, Latency: latencies{}}
	for _, m := range Modes {
		if _, err := New(m, deps); err != nil {
			t.Errorf("New(%s) error: %v", m, err)
		}
	}
	if _, err := New("random", deps); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := New(ModeIntelligent, Deps{}); err == nil {
		t.Error("expected error for intelligent without scorer")
	}
	if _, err := New(ModeFastest, Deps{}); err == nil {
		t.Error("expected error for fastest without latency source")
	}
	if !ModeRoundRobin.Valid() || Mode("x").Valid() {
		t.Error("Valid() wrong")
	}
}
