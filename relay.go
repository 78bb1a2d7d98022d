// Package relay routes generation requests across interchangeable remote
// text-completion providers.
//
// The Manager type is the main entry point: build one with New from a
// [Config] (loadable from YAML or JSON with [LoadConfig]) and call Generate.
// Each call asks the selection strategy for a candidate among the providers
// that are enabled, outside any rate-limit cooldown and not held open by
// their circuit breaker, executes it, records the outcome in the health
// tracker, and falls back to the next candidate until one succeeds or the
// attempt budget is spent. Providers are tried one at a time; a single
// Generate call never fans out.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/ai-relay/internal/circuitbreaker"
	"github.com/ferro-labs/ai-relay/internal/health"
	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/metrics"
	"github.com/ferro-labs/ai-relay/internal/recovery"
	"github.com/ferro-labs/ai-relay/internal/strategies"
	"github.com/ferro-labs/ai-relay/providers"
)

// EventHookFunc is called asynchronously after each Generate call.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking hooks.
const (
	SubjectGenerateCompleted = "relay.generate.completed"
	SubjectGenerateFailed    = "relay.generate.failed"
)

// Error strings reported in Result.Error.
const (
	ErrMsgAllFailed   = "All providers failed"
	ErrMsgNoProviders = "No providers available"
	ErrMsgAborted     = "request aborted"
	ErrMsgClosed      = "relay is closed"
)

// ErrorTypeExhausted is the recovery error type reported when every
// candidate failed.
const ErrorTypeExhausted = "providers_exhausted"

// ErrUnknownProvider is returned by operator actions for an id that is not
// configured.
var ErrUnknownProvider = errors.New("unknown provider")

// GenerateRequest is the input to Generate. Zero values fall back to the
// Manager's configuration and then to each provider's defaults.
type GenerateRequest struct {
	Prompt       string          `json:"prompt"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Strategy     strategies.Mode `json:"strategy,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	MaxTokens    int             `json:"max_tokens,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	// Timeout overrides every provider's per-call timeout.
	Timeout time.Duration `json:"-"`
}

// AttemptError describes one failed attempt inside a Generate call.
type AttemptError struct {
	ProviderID string              `json:"provider_id"`
	Kind       providers.ErrorKind `json:"kind"`
	Message    string              `json:"message"`
	StatusCode int                 `json:"status_code,omitempty"`
}

// Result is the normalized outcome of Generate. Callers branch on Success;
// Generate never returns an error.
type Result struct {
	Success      bool   `json:"success"`
	Content      string `json:"content,omitempty"`
	ProviderID   string `json:"provider_id,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
	Model        string `json:"model,omitempty"`
	// ResponseTime is the winning provider call's latency in seconds.
	ResponseTime float64        `json:"response_time,omitempty"`
	TokensUsed   int            `json:"tokens_used,omitempty"`
	Error        string         `json:"error,omitempty"`
	Attempts     int            `json:"attempts"`
	Detail       []AttemptError `json:"detail,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	lookup     providers.CredentialLookup
	httpClient *http.Client
	now        func() time.Time
	rand       func() float64
	recovery   *recovery.Service
	hooks      []EventHookFunc
}

// WithCredentialLookup replaces os.LookupEnv as the credential source.
func WithCredentialLookup(fn providers.CredentialLookup) Option {
	return func(o *options) { o.lookup = fn }
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock overrides time.Now for health, breakers and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRand sets the [0,1) source used by the intelligent strategy.
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// WithRecovery hands exhausted requests to svc instead of a private,
// action-less service.
func WithRecovery(svc *recovery.Service) Option {
	return func(o *options) { o.recovery = svc }
}

// WithHook registers an event hook at construction time.
func WithHook(fn EventHookFunc) Option {
	return func(o *options) { o.hooks = append(o.hooks, fn) }
}

// Manager is the fallback orchestrator. It is safe for concurrent use.
type Manager struct {
	cfg        Config
	registry   *providers.Registry
	executor   *providers.Executor
	health     *health.Tracker
	breakers   *circuitbreaker.Set
	strategies map[strategies.Mode]strategies.Strategy
	recovery   *recovery.Service
	now        func() time.Time

	mu     sync.RWMutex
	hooks  []EventHookFunc
	closed bool

	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	aborted   atomic.Int64
	fallbacks atomic.Int64

	statsMu      sync.Mutex
	usage        map[string]int64
	latencyTotal time.Duration
	latencyCount int64
}

// New validates cfg and builds a Manager. Configuration problems, including
// unknown dialects and unresolvable credentials, are returned here and
// never surface from Generate.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := providers.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}
	ids := reg.IDs()

	m := &Manager{
		cfg:      cfg,
		registry: reg,
		health:   health.New(ids, health.WithClock(o.now)),
		now:      o.now,
		hooks:    o.hooks,
		usage:    make(map[string]int64, len(ids)),
		recovery: o.recovery,
	}
	if m.recovery == nil {
		m.recovery = recovery.New(recovery.WithHistorySize(cfg.historySize()), recovery.WithClock(o.now))
	}

	cbs := cfg.CircuitBreaker.settings()
	cbs.Now = o.now
	cbs.IsExpected = breakerCounts
	cbs.OnStateChange = onBreakerStateChange
	m.breakers = circuitbreaker.NewSet(ids, cbs)
	for _, id := range ids {
		metrics.CircuitBreakerState.WithLabelValues(id).Set(0)
	}

	execOpts := []providers.ExecutorOption{
		providers.WithRetryPolicy(cfg.Retry.policy()),
		providers.WithRateLimitCooldown(cfg.rateLimitCooldown()),
		providers.WithRateLimitHook(m.health.MarkRateLimited),
		providers.WithClock(o.now),
	}
	if o.lookup != nil {
		execOpts = append(execOpts, providers.WithCredentialLookup(o.lookup))
	}
	if o.httpClient != nil {
		execOpts = append(execOpts, providers.WithHTTPClient(o.httpClient))
	}
	m.executor, err = providers.NewExecutor(reg, execOpts...)
	if err != nil {
		return nil, err
	}

	deps := strategies.Deps{Scorer: m.health, Latency: m.health, Rand: o.rand}
	m.strategies = make(map[strategies.Mode]strategies.Strategy, len(strategies.Modes))
	for _, mode := range strategies.Modes {
		s, err := strategies.New(mode, deps)
		if err != nil {
			return nil, err
		}
		m.strategies[mode] = s
	}
	return m, nil
}

// breakerCounts reports whether err reflects provider health. Rate limits,
// auth failures and bad requests leave the breaker alone.
func breakerCounts(err error) bool {
	if errors.Is(err, circuitbreaker.ErrTimeout) {
		return true
	}
	return providers.KindOf(err).CountsForBreaker()
}

func onBreakerStateChange(name string, from, to circuitbreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	log := logging.Logger.With("provider", name, "from", from.String(), "to", to.String())
	if to == circuitbreaker.StateOpen {
		log.Warn("circuit breaker opened")
		return
	}
	log.Info("circuit breaker state changed")
}

// Recovery returns the error recovery service used for exhausted requests.
func (m *Manager) Recovery() *recovery.Service { return m.recovery }

// Registry returns the provider registry.
func (m *Manager) Registry() *providers.Registry { return m.registry }

// Strategy returns the configured default selection mode.
func (m *Manager) Strategy() strategies.Mode { return m.cfg.strategy() }

// AddHook registers an EventHookFunc that is called asynchronously after
// every Generate call.
func (m *Manager) AddHook(fn EventHookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Available returns the providers currently eligible for selection in
// priority order.
func (m *Manager) Available() []providers.Config {
	return m.registry.Available(m.now(), m.health, m.breakers)
}

// Generate runs the fallback loop for req.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) *Result {
	ctx = logging.EnsureTraceID(ctx)
	start := m.now()
	res := &Result{TraceID: logging.TraceIDFromContext(ctx)}

	mode := req.Strategy
	if mode == "" {
		mode = m.cfg.strategy()
	}
	log := logging.FromContext(ctx).With("strategy", string(mode))

	strat, ok := m.strategies[mode]
	if !ok {
		res.Error = fmt.Sprintf("unknown strategy mode: %q", mode)
		log.Warn("generate rejected", "error", res.Error)
		return res
	}
	if m.isClosed() {
		res.Error = ErrMsgClosed
		return res
	}
	m.requests.Add(1)

	creq := providers.NewRequest(req.Prompt, req.SystemPrompt)
	creq.MaxTokens = req.MaxTokens
	creq.Temperature = req.Temperature
	creq.Timeout = req.Timeout

	available := m.Available()
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = len(available)
	}

	tried := make(map[string]bool)
	for res.Attempts < maxAttempts {
		if ctx.Err() != nil {
			return m.finish(ctx, mode, start, m.abort(res))
		}
		if res.Attempts > 0 {
			available = m.Available()
		}
		id, ok := m.selectNext(strat, available, tried, maxAttempts)
		if !ok {
			break
		}
		cfg, _ := m.registry.Get(id)

		res.Attempts++
		resp := m.attempt(ctx, cfg, creq)
		if resp.Success {
			res.Success = true
			res.Content = resp.Content
			res.ProviderID = resp.ProviderID
			res.ProviderName = resp.ProviderName
			res.Model = resp.Model
			res.ResponseTime = resp.ResponseTime.Seconds()
			res.TokensUsed = resp.TokensUsed
			return m.finish(ctx, mode, start, res)
		}
		if resp.Error.Kind == providers.KindAborted {
			return m.finish(ctx, mode, start, m.abort(res))
		}
		tried[id] = true
		res.Detail = append(res.Detail, AttemptError{
			ProviderID: id,
			Kind:       resp.Error.Kind,
			Message:    resp.Error.Message,
			StatusCode: resp.Error.StatusCode,
		})
		log.Info("provider attempt failed, falling back",
			"provider", id,
			"attempt", res.Attempts,
			"kind", resp.Error.Kind,
		)
	}

	if res.Attempts == 0 {
		res.Error = ErrMsgNoProviders
	} else {
		res.Error = ErrMsgAllFailed
	}
	res = m.finish(ctx, mode, start, res)
	m.recover(ctx, res)
	return res
}

// selectNext picks the next candidate among the untried available providers.
// A lone available provider may be retried when the attempt budget exceeds
// the number of configured providers. Rotating strategies see the full
// available list so a fallback step advances their shared rotation.
func (m *Manager) selectNext(strat strategies.Strategy, available []providers.Config, tried map[string]bool, maxAttempts int) (string, bool) {
	candidates := untried(available, tried)
	retrySame := len(candidates) == 0 && len(available) == 1 && maxAttempts > m.registry.Len()
	if retrySame {
		candidates = available
	}
	if rot, ok := strat.(strategies.Rotating); ok {
		skip := func(id string) bool { return !retrySame && tried[id] }
		return rot.SelectSkipping(available, skip)
	}
	return strat.Select(candidates)
}

func untried(available []providers.Config, tried map[string]bool) []providers.Config {
	if len(tried) == 0 {
		return available
	}
	out := make([]providers.Config, 0, len(available))
	for _, c := range available {
		if !tried[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) abort(res *Result) *Result {
	res.Success = false
	res.Error = ErrMsgAborted
	return res
}

// attempt runs one provider call through its breaker and records the
// outcome. Aborted calls and breaker rejections leave health untouched.
func (m *Manager) attempt(ctx context.Context, cfg providers.Config, req providers.Request) providers.Response {
	cb, _ := m.breakers.Get(cfg.ID)
	budget := m.executor.Budget(cfg, req)

	resp, err := circuitbreaker.Run(ctx, cb, budget, func(ctx context.Context) (providers.Response, error) {
		r := m.executor.Execute(ctx, cfg, req)
		return r, r.Err()
	})
	resp.ProviderID = cfg.ID
	resp.ProviderName = cfg.DisplayName()
	resp.Model = cfg.Model

	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.CircuitBreakerRejections.WithLabelValues(cfg.ID).Inc()
		resp.Error = &providers.Error{Kind: providers.KindCircuitOpen, Message: "circuit breaker open"}
	case ctx.Err() != nil:
		resp.Error = &providers.Error{Kind: providers.KindAborted, Message: ErrMsgAborted}
	case errors.Is(err, circuitbreaker.ErrTimeout):
		resp.Error = &providers.Error{Kind: providers.KindTimeout, Message: fmt.Sprintf("no response within %s", budget)}
	case resp.Error == nil:
		resp.Error = &providers.Error{Kind: providers.KindNetwork, Message: err.Error()}
	}
	if resp.Error != nil {
		resp.Success = false
	}

	if resp.Success {
		m.health.RecordSuccess(cfg.ID, resp.ResponseTime)
		metrics.AttemptsTotal.WithLabelValues(cfg.ID, "success").Inc()
		metrics.ProviderLatency.WithLabelValues(cfg.ID).Observe(resp.ResponseTime.Seconds())
		metrics.TokensTotal.WithLabelValues(cfg.ID).Add(float64(resp.TokensUsed))
		return resp
	}

	kind := resp.Error.Kind
	metrics.AttemptsTotal.WithLabelValues(cfg.ID, string(kind)).Inc()
	switch kind {
	case providers.KindAborted, providers.KindCircuitOpen, providers.KindRateLimitLocal:
	case providers.KindAuth:
		m.health.RecordFailure(cfg.ID, resp.Error)
		m.health.Disable(cfg.ID, resp.Error.Message)
		logging.FromContext(ctx).Error("provider disabled after authentication failure", "provider", cfg.ID)
	default:
		m.health.RecordFailure(cfg.ID, resp.Error)
	}
	return resp
}

// finish updates counters and metrics, logs the outcome and publishes the
// event for res.
func (m *Manager) finish(ctx context.Context, mode strategies.Mode, start time.Time, res *Result) *Result {
	latency := m.now().Sub(start)
	log := logging.FromContext(ctx).With("strategy", string(mode))

	status := "failure"
	switch {
	case res.Success:
		status = "success"
		m.successes.Add(1)
		if res.Attempts > 1 {
			m.fallbacks.Add(1)
			metrics.FallbacksTotal.Inc()
		}
		m.statsMu.Lock()
		m.usage[res.ProviderID]++
		m.latencyTotal += latency
		m.latencyCount++
		m.statsMu.Unlock()
	case res.Error == ErrMsgAborted:
		status = "aborted"
		m.aborted.Add(1)
	default:
		m.failures.Add(1)
	}
	metrics.RequestsTotal.WithLabelValues(string(mode), status).Inc()
	metrics.RequestDuration.WithLabelValues(string(mode), status).Observe(latency.Seconds())

	data := map[string]interface{}{
		"trace_id":   res.TraceID,
		"strategy":   string(mode),
		"status":     status,
		"attempts":   res.Attempts,
		"latency_ms": latency.Milliseconds(),
		"timestamp":  m.now(),
	}
	if res.Success {
		log.Info("generate completed",
			"provider", res.ProviderID,
			"attempts", res.Attempts,
			"latency_ms", latency.Milliseconds(),
			"tokens", res.TokensUsed,
		)
		data["provider"] = res.ProviderID
		data["model"] = res.Model
		data["tokens_used"] = res.TokensUsed
		m.publishEvent(ctx, SubjectGenerateCompleted, data)
		return res
	}

	if status == "aborted" {
		log.Info("generate aborted", "attempts", res.Attempts)
	} else {
		log.Error("generate failed",
			"attempts", res.Attempts,
			"latency_ms", latency.Milliseconds(),
			"error", res.Error,
		)
	}
	data["error"] = res.Error
	m.publishEvent(ctx, SubjectGenerateFailed, data)
	return res
}

// recover hands an exhausted request to the recovery service.
func (m *Manager) recover(ctx context.Context, res *Result) {
	ec := recovery.NewErrorContext(ErrorTypeExhausted, "relay", "generate", errors.New(res.Error))
	ec.Severity = recovery.SeverityHigh
	ec.RetryCount = res.Attempts
	ec.CorrelationID = res.TraceID
	ec.Timestamp = m.now().UTC()
	if n := len(res.Detail); n > 0 {
		ec.Metadata = map[string]string{
			"provider": res.Detail[n-1].ProviderID,
			"kind":     string(res.Detail[n-1].Kind),
		}
	}
	m.recovery.Handle(ctx, ec)
}

// publishEvent calls all registered hooks asynchronously. Hooks receive a
// context detached from the caller's cancellation.
func (m *Manager) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	m.mu.RLock()
	hooks := make([]EventHookFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// Stats is an aggregate view of Generate traffic.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	Aborted       int64            `json:"aborted"`
	Fallbacks     int64            `json:"fallbacks"`
	ProviderUsage map[string]int64 `json:"provider_usage"`
	// AverageLatency is the mean end-to-end duration of successful Generate
	// calls, in seconds.
	AverageLatency float64                `json:"average_latency"`
	Breakers       []circuitbreaker.Stats `json:"circuit_breakers"`
}

// Stats returns aggregate totals.
func (m *Manager) Stats() Stats {
	s := Stats{
		TotalRequests: m.requests.Load(),
		Successes:     m.successes.Load(),
		Failures:      m.failures.Load(),
		Aborted:       m.aborted.Load(),
		Fallbacks:     m.fallbacks.Load(),
		Breakers:      m.breakers.Stats(),
	}
	m.statsMu.Lock()
	s.ProviderUsage = make(map[string]int64, len(m.usage))
	for id, n := range m.usage {
		s.ProviderUsage[id] = n
	}
	if m.latencyCount > 0 {
		s.AverageLatency = (m.latencyTotal / time.Duration(m.latencyCount)).Seconds()
	}
	m.statsMu.Unlock()
	return s
}

// ProviderHealth is the runtime view of one provider.
type ProviderHealth struct {
	health.Snapshot
	Name         string `json:"name"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
	CircuitState string `json:"circuit_state"`
}

// ProviderHealth returns every configured provider's state in priority
// order.
func (m *Manager) ProviderHealth() []ProviderHealth {
	all := m.registry.All()
	out := make([]ProviderHealth, 0, len(all))
	for _, c := range all {
		snap, _ := m.health.Snapshot(c.ID)
		ph := ProviderHealth{
			Snapshot: snap,
			Name:     c.DisplayName(),
			Priority: c.Priority,
			Enabled:  c.IsEnabled(),
		}
		if cb, ok := m.breakers.Get(c.ID); ok {
			ph.CircuitState = cb.State().String()
		}
		out = append(out, ph)
	}
	return out
}

// ResetProvider clears id's health record and closes its breaker. It is the
// operator override for disabled providers.
func (m *Manager) ResetProvider(id string) error {
	cb, ok := m.breakers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	m.health.Reset(id)
	cb.Reset()
	logging.Logger.Info("provider reset", "provider", id)
	return nil
}

// ForceOpen trips id's breaker. It satisfies recovery.BreakerOpener.
func (m *Manager) ForceOpen(id string) error {
	cb, ok := m.breakers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	cb.ForceOpen()
	return nil
}

// Restart resets a provider by id, or every provider when component is
// empty or "relay". It satisfies recovery.Restarter.
func (m *Manager) Restart(ctx context.Context, component string) error {
	if component != "" && component != "relay" {
		return m.ResetProvider(component)
	}
	for _, id := range m.registry.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ResetProvider(id); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting Generate calls. In-flight calls finish normally.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
