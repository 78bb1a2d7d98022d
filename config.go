package relay

import (
	"time"

	"github.com/ferro-labs/ai-relay/internal/circuitbreaker"
	"github.com/ferro-labs/ai-relay/internal/recovery"
	"github.com/ferro-labs/ai-relay/internal/retry"
	"github.com/ferro-labs/ai-relay/internal/strategies"
	"github.com/ferro-labs/ai-relay/providers"
)

// Config holds the configuration for a relay Manager.
type Config struct {
	// Strategy is the default selection mode (priority, round_robin,
	// intelligent, fastest). Empty means priority.
	Strategy strategies.Mode `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// MaxAttempts caps provider attempts per Generate call. Zero means one
	// attempt per available provider.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// RateLimitCooldown is how long a provider sits out after a rate-limit
	// answer (e.g. "5m").
	RateLimitCooldown string `json:"rate_limit_cooldown,omitempty" yaml:"rate_limit_cooldown,omitempty"`
	// CircuitBreaker settings shared by every provider.
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Retry is the in-provider retry policy for transient failures.
	Retry RetryConfig `json:"retry" yaml:"retry"`
	// ErrorHistorySize bounds the recovery service's error history.
	ErrorHistorySize int `json:"error_history_size,omitempty" yaml:"error_history_size,omitempty"`
	// Providers is the declarative provider list.
	Providers []providers.Config `json:"providers" yaml:"providers"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"` // e.g. "60s"
}

// RetryConfig defines retry behavior inside a single provider attempt.
type RetryConfig struct {
	Attempts       int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	InitialBackoff string `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// Defaults for zero-valued Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultRecoveryTimeout  = 60 * time.Second
)

func (c Config) strategy() strategies.Mode {
	if c.Strategy == "" {
		return strategies.ModePriority
	}
	return c.Strategy
}

func (c Config) rateLimitCooldown() time.Duration {
	return durationOr(c.RateLimitCooldown, providers.DefaultRateLimitCooldown)
}

func (c Config) historySize() int {
	if c.ErrorHistorySize > 0 {
		return c.ErrorHistorySize
	}
	return recovery.DefaultHistorySize
}

func (c CircuitBreakerConfig) settings() circuitbreaker.Settings {
	s := circuitbreaker.Settings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		RecoveryTimeout:  durationOr(c.RecoveryTimeout, DefaultRecoveryTimeout),
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	return s
}

func (c RetryConfig) policy() retry.Policy {
	return retry.Policy{
		Attempts:       c.Attempts,
		InitialBackoff: durationOr(c.InitialBackoff, retry.DefaultInitialBackoff),
		MaxBackoff:     durationOr(c.MaxBackoff, retry.DefaultMaxBackoff),
	}.WithDefaults()
}

// durationOr parses s, returning def when s is empty, invalid or not
// positive. ValidateConfig rejects invalid values before they get here.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
