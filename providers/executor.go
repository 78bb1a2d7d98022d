package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/metrics"
	"github.com/ferro-labs/ai-relay/internal/ratelimit"
	"github.com/ferro-labs/ai-relay/internal/retry"
)

// DefaultRateLimitCooldown is how long a provider is excluded after it
// answers with a rate-limit status.
const DefaultRateLimitCooldown = 5 * time.Minute

// ErrMissingCredential is returned by NewExecutor when a provider names a
// credential that the lookup cannot resolve.
var ErrMissingCredential = errors.New("credential not found")

// CredentialLookup resolves a credential reference to its secret.
type CredentialLookup func(ref string) (string, bool)

// RateLimitHook is told when a provider must sit out for cooldown.
type RateLimitHook func(providerID string, cooldown time.Duration)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCredentialLookup replaces os.LookupEnv as the credential source.
func WithCredentialLookup(fn CredentialLookup) ExecutorOption {
	return func(e *Executor) { e.lookup = fn }
}

// WithHTTPClient sets the HTTP client used by both dialects.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.httpClient = c }
}

// WithRetryPolicy sets the in-provider retry policy for retryable failures.
// The default makes a single attempt.
func WithRetryPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithRateLimitCooldown overrides DefaultRateLimitCooldown.
func WithRateLimitCooldown(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithRateLimitHook registers the callback invoked for remote and local
// rate limits.
func WithRateLimitHook(h RateLimitHook) ExecutorOption {
	return func(e *Executor) { e.onRateLimit = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor performs canonical requests against registry providers.
type Executor struct {
	clients     map[string]dialectClient
	bases       map[string]*Base
	limiters    *ratelimit.Set
	lookup      CredentialLookup
	httpClient  *http.Client
	retry       retry.Policy
	cooldown    time.Duration
	onRateLimit RateLimitHook
	now         func() time.Time
}

// NewExecutor builds one dialect client per enabled provider in reg.
// Credentials are resolved once here.
func NewExecutor(reg *Registry, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		clients:  make(map[string]dialectClient),
		bases:    make(map[string]*Base),
		lookup:   os.LookupEnv,
		retry:    retry.Policy{Attempts: 1},
		cooldown: DefaultRateLimitCooldown,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}

	rates := make(map[string]float64)
	for _, cfg := range reg.Enabled() {
		var secret string
		if cfg.CredentialRef != "" {
			s, ok := e.lookup(cfg.CredentialRef)
			if !ok || s == "" {
				return nil, fmt.Errorf("provider %q: %w: %s", cfg.ID, ErrMissingCredential, cfg.CredentialRef)
			}
			secret = s
		}
		switch cfg.Dialect {
		case DialectChat:
			c := newChatClient(cfg, secret, e.httpClient)
			e.clients[cfg.ID], e.bases[cfg.ID] = c, &c.Base
		case DialectGenerate:
			c := newGenerateClient(cfg, secret, e.httpClient)
			e.clients[cfg.ID], e.bases[cfg.ID] = c, &c.Base
		default:
			return nil, fmt.Errorf("provider %q: %w %q", cfg.ID, ErrUnknownDialect, cfg.Dialect)
		}
		if cfg.RequestsPerSecond > 0 {
			rates[cfg.ID] = cfg.RequestsPerSecond
		}
	}
	e.limiters = ratelimit.NewSetWithClock(rates, e.now)
	return e, nil
}

// Attempts returns the configured in-provider attempt budget.
func (e *Executor) Attempts() int { return e.retry.WithDefaults().Attempts }

// Budget returns the worst-case wall time of one Execute call of req
// against cfg, counting every attempt and the longest backoff waits.
func (e *Executor) Budget(cfg Config, req Request) time.Duration {
	p := e.retry.WithDefaults()
	total := callTimeout(cfg, req) * time.Duration(p.Attempts)
	for _, d := range retry.Delays(p) {
		total += d + time.Duration(float64(d)*p.Jitter)
	}
	return total
}

// Execute performs req against cfg and returns the canonical response. It
// never returns an error: every failure, including timeouts and parent
// cancellation, is reported through Response.Error.
func (e *Executor) Execute(ctx context.Context, cfg Config, req Request) Response {
	start := e.now()
	log := logging.FromContext(ctx).With("provider", cfg.ID)
	resp := Response{ProviderID: cfg.ID, ProviderName: cfg.DisplayName(), Model: cfg.Model}

	client, ok := e.clients[cfg.ID]
	if !ok {
		resp.Error = &Error{Kind: KindBadRequest, Message: "provider not configured on this executor"}
		return resp
	}
	base := e.bases[cfg.ID]

	if ok, wait := e.limiters.Allow(cfg.ID); !ok {
		resp.Error = &Error{Kind: KindRateLimitLocal, Message: "client-side request rate exceeded", RetryAfter: wait}
		metrics.RateLimitCooldowns.WithLabelValues(cfg.ID, "local").Inc()
		e.rateLimited(cfg.ID, wait)
		log.Debug("local rate limit reached", "retry_after", wait)
		return resp
	}

	req = withProviderDefaults(cfg, req)
	timeout := callTimeout(cfg, req)

	var content string
	var tokens int
	policy := e.retry
	policy.OnRetry = func(err error, wait time.Duration) {
		log.Debug("retrying provider call", "kind", KindOf(err), "wait", wait)
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		c, t, err := client.call(callCtx, req)
		if err == nil {
			content, tokens = c, t
			return nil
		}
		perr := classify(ctx, err, timeout)
		if perr.Kind.Retryable() && ctx.Err() == nil {
			return perr
		}
		return retry.Permanent(perr)
	})
	resp.ResponseTime = e.now().Sub(start)

	if err == nil {
		resp.Success = true
		resp.Content = content
		resp.TokensUsed = tokens
		return resp
	}

	perr := classify(ctx, err, timeout)
	perr.Message = base.sanitize(perr.Message)
	resp.Error = perr

	if perr.Kind == KindRateLimited {
		cooldown := e.cooldown
		if perr.RetryAfter > cooldown {
			cooldown = perr.RetryAfter
		}
		metrics.RateLimitCooldowns.WithLabelValues(cfg.ID, "remote").Inc()
		e.rateLimited(cfg.ID, cooldown)
	}
	if perr.Kind != KindAborted {
		log.Warn("provider call failed",
			"kind", perr.Kind,
			"status", perr.StatusCode,
			"latency_ms", resp.ResponseTime.Milliseconds(),
			"error", perr.Message,
		)
	}
	return resp
}

func (e *Executor) rateLimited(id string, cooldown time.Duration) {
	if e.onRateLimit != nil {
		e.onRateLimit(id, cooldown)
	}
}

// withProviderDefaults fills max tokens and temperature from cfg where the
// request leaves them unset.
func withProviderDefaults(cfg Config, req Request) Request {
	if req.MaxTokens <= 0 {
		req.MaxTokens = cfg.maxTokens()
	}
	if req.Temperature == nil {
		t := cfg.temperature()
		req.Temperature = &t
	}
	return req
}

func callTimeout(cfg Config, req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return cfg.TimeoutDuration()
}

// classify maps a call error to an *Error. parent is the caller's context:
// its cancellation marks the call aborted rather than failed.
func classify(parent context.Context, err error, timeout time.Duration) *Error {
	if parent.Err() != nil {
		return &Error{Kind: KindAborted, Message: "request aborted"}
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("no response within %s", timeout)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindNetwork, Message: err.Error()}
}

// kindForStatus maps a non-2xx HTTP status to an ErrorKind.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindBadRequest
	default:
		return KindMalformed
	}
}

// parseRetryAfter reads a Retry-After header given in seconds. HTTP-date
// values are ignored.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
