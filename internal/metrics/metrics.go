// Package metrics registers the Prometheus metrics used by the relay.
// Collectors are registered on the default registry at import time; the serve
// command mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Generate-level counters and histograms.
var (
	// RequestsTotal counts Generate calls labelled by strategy and outcome
	// ("success", "failure", "aborted").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of generate requests handled by the relay.",
		},
		[]string{"strategy", "status"},
	)

	// RequestDuration observes end-to-end Generate latency in seconds,
	// including every fallback attempt.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end generate duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"strategy", "status"},
	)

	// FallbacksTotal counts successful Generate calls that needed more than
	// one attempt.
	FallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fallbacks_total",
			Help: "Generate requests that succeeded after falling back past the first candidate.",
		},
	)
)

// Provider-level collectors.
var (
	// AttemptsTotal counts provider attempts by outcome ("success" or the
	// failure kind).
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_provider_attempts_total",
			Help: "Provider attempts by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderLatency observes successful provider call latency in seconds.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_provider_latency_seconds",
			Help:    "Latency of successful provider calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// TokensTotal counts tokens reported by providers.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens reported by providers.",
		},
		[]string{"provider"},
	)

	// CircuitBreakerState tracks per-provider circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// CircuitBreakerRejections counts calls refused by an open breaker.
	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_rejections_total",
			Help: "Calls rejected by an open or busy half-open circuit breaker.",
		},
		[]string{"provider"},
	)

	// RateLimitCooldowns counts cooldown windows entered per provider, labelled
	// by source ("remote" for 429 responses, "local" for the client bucket).
	RateLimitCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_cooldowns_total",
			Help: "Rate-limit cooldown windows entered per provider.",
		},
		[]string{"provider", "source"},
	)
)

// RecoveryActions counts error-recovery action executions.
var RecoveryActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_recovery_actions_total",
		Help: "Error recovery actions executed, by error type, action and outcome.",
	},
	[]string{"error_type", "action", "outcome"},
)
