// Package strategies implements the selection policies used by the relay.
// A strategy picks one provider id from the currently available candidates,
// which the caller passes already sorted by ascending priority.
//
// Available strategies:
//   - Priority:    always the first candidate.
//   - RoundRobin:  cycles through the candidates with a shared cursor.
//   - Intelligent: weighted random choice using the health score.
//   - Fastest:     lowest average latency; unmeasured providers go last.
//
// Strategies never fail: with no candidates they return ("", false).
package strategies

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ferro-labs/ai-relay/providers"
)

// Mode names a strategy in configuration.
type Mode string

const (
	ModePriority    Mode = "priority"
	ModeRoundRobin  Mode = "round_robin"
	ModeIntelligent Mode = "intelligent"
	ModeFastest     Mode = "fastest"
)

// Modes lists every supported mode.
var Modes = []Mode{ModePriority, ModeRoundRobin, ModeIntelligent, ModeFastest}

// Valid reports whether m names a supported strategy.
func (m Mode) Valid() bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

// Strategy selects the next provider.
type Strategy interface {
	// Select returns the chosen provider id, or false when candidates is empty.
	Select(candidates []providers.Config) (string, bool)
}

// Rotating is implemented by strategies whose state advances with every
// pick. Within one request the caller passes the full available list and
// skips the providers it already tried, instead of shrinking the list.
type Rotating interface {
	SelectSkipping(available []providers.Config, skip func(id string) bool) (string, bool)
}

// Scorer supplies the health score used as a selection weight.
type Scorer interface {
	Score(id string) float64
}

// LatencySource supplies a provider's average latency; ok is false when no
// sample exists.
type LatencySource interface {
	AverageLatency(id string) (avg time.Duration, ok bool)
}

// Deps carries what the stateful strategies need.
type Deps struct {
	Scorer  Scorer
	Latency LatencySource
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// New builds the strategy for mode.
func New(mode Mode, deps Deps) (Strategy, error) {
	switch mode {
	case ModePriority, "":
		return Priority{}, nil
	case ModeRoundRobin:
		return NewRoundRobin(), nil
	case ModeIntelligent:
		if deps.Scorer == nil {
			return nil, fmt.Errorf("strategy %s requires a scorer", mode)
		}
		return NewIntelligent(deps.Scorer, deps.Rand), nil
	case ModeFastest:
		if deps.Latency == nil {
			return nil, fmt.Errorf("strategy %s requires a latency source", mode)
		}
		return NewFastest(deps.Latency), nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", mode)
	}
}

func defaultRand() float64 {
	return rand.Float64() //nolint:gosec
}
