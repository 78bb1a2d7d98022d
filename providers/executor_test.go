package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferro-labs/ai-relay/internal/retry"
)

const testSecret = "sk-test-secret-value"

func lookup(ref string) (string, bool) {
	if ref == "TEST_KEY" {
		return testSecret, true
	}
	return "", false
}

type rateLimitCall struct {
	id       string
	cooldown time.Duration
}

type hookRecorder struct {
	mu    sync.Mutex
	calls []rateLimitCall
}

func (h *hookRecorder) hook(id string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, rateLimitCall{id, d})
}

func (h *hookRecorder) get() []rateLimitCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]rateLimitCall(nil), h.calls...)
}

func chatConfig(endpoint string) Config {
	return Config{
		ID:            "chat-a",
		Name:          "Chat A",
		Dialect:       DialectChat,
		Endpoint:      endpoint + "/v1",
		Model:         "gpt-test",
		CredentialRef: "TEST_KEY",
		Priority:      1,
		Timeout:       "2s",
	}
}

func generateConfig(endpoint string) Config {
	return Config{
		ID:       "gen-a",
		Dialect:  DialectGenerate,
		Endpoint: endpoint,
		Model:    "llama-test",
		Priority: 1,
		Timeout:  "2s",
	}
}

func newExecutor(t *testing.T, c Config, opts ...ExecutorOption) *Executor {
	t.Helper()
	reg, err := NewRegistry([]Config{c})
	require.NoError(t, err)
	opts = append([]ExecutorOption{WithCredentialLookup(lookup)}, opts...)
	e, err := NewExecutor(reg, opts...)
	require.NoError(t, err)
	return e
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const chatOK = `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
"choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`

func TestExecute_ChatSuccess(t *testing.T) {
	var got map[string]any
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, chatOK)
	}))
	defer srv.Close()

	e := newExecutor(t, chatConfig(srv.URL))
	resp := e.Execute(context.Background(), chatConfig(srv.URL), NewRequest("hi", "be brief"))

	require.True(t, resp.Success, "error: %v", resp.Err())
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 10, resp.TokensUsed)
	assert.Equal(t, "chat-a", resp.ProviderID)
	assert.Equal(t, "Chat A", resp.ProviderName)
	assert.Nil(t, resp.Error)

	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer "+testSecret, auth)
	assert.Equal(t, "gpt-test", got["model"])
	assert.EqualValues(t, DefaultMaxTokens, got["max_tokens"])
	assert.InDelta(t, DefaultTemperature, got["temperature"], 1e-9)
	msgs, _ := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestExecute_GenerateSuccess(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, `{"model":"llama-test","response":"generated","done":true,"prompt_eval_count":4,"eval_count":6}`)
	}))
	defer srv.Close()

	c := generateConfig(srv.URL)
	e := newExecutor(t, c)
	req := NewRequest("write a haiku", "you are a poet")
	temp := 0.1
	req.Temperature = &temp
	req.MaxTokens = 64
	resp := e.Execute(context.Background(), c, req)

	require.True(t, resp.Success, "error: %v", resp.Err())
	assert.Equal(t, "generated", resp.Content)
	assert.Equal(t, 10, resp.TokensUsed)
	assert.Equal(t, "write a haiku", got.Prompt)
	assert.Equal(t, "you are a poet", got.System)
	assert.False(t, got.Stream)
	assert.Equal(t, 64, got.Options.NumPredict)
	require.NotNil(t, got.Options.Temperature)
	assert.InDelta(t, 0.1, *got.Options.Temperature, 1e-9)
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusNotFound, KindBadRequest},
		{http.StatusInternalServerError, KindServer},
		{http.StatusServiceUnavailable, KindServer},
		{http.StatusGatewayTimeout, KindTimeout},
	}
	for _, dialect := range []Dialect{DialectChat, DialectGenerate} {
		for _, tt := range tests {
			t.Run(string(dialect)+"/"+http.StatusText(tt.status), func(t *testing.T) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, tt.status, `{"error":{"message":"upstream said no"}}`)
				}))
				defer srv.Close()

				c := generateConfig(srv.URL)
				if dialect == DialectChat {
					c = chatConfig(srv.URL)
				}
				resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
				require.False(t, resp.Success)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.want, resp.Error.Kind)
				assert.Equal(t, tt.status, resp.Error.StatusCode)
			})
		}
	}
}

func TestExecute_RateLimitedMarksCooldown(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) > 1 {
			w.Header().Set("Retry-After", "900")
		}
		writeJSON(w, http.StatusTooManyRequests, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	c := generateConfig(srv.URL)
	e := newExecutor(t, c, WithRateLimitHook(rec.hook), WithRateLimitCooldown(5*time.Minute))

	resp := e.Execute(context.Background(), c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindRateLimited, resp.Error.Kind)
	assert.Equal(t, "slow down", resp.Error.Message)

	// A longer Retry-After than the configured cooldown wins.
	resp = e.Execute(context.Background(), c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 15*time.Minute, resp.Error.RetryAfter)

	hooks := rec.get()
	require.Len(t, hooks, 2)
	assert.Equal(t, rateLimitCall{"gen-a", 5 * time.Minute}, hooks[0])
	assert.Equal(t, rateLimitCall{"gen-a", 15 * time.Minute}, hooks[1])
}

func TestExecute_NeverLeaksSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		writeJSON(w, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided: `+key+`","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := chatConfig(srv.URL)
	resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindAuth, resp.Error.Kind)
	assert.NotContains(t, resp.Error.Message, testSecret)
	assert.NotContains(t, resp.Error.Error(), testSecret)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(b), testSecret)
}

func TestExecute_TruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, strings.Repeat("x", 10_000))
	}))
	defer srv.Close()

	c := generateConfig(srv.URL)
	resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindServer, resp.Error.Kind)
	assert.LessOrEqual(t, len(resp.Error.Message), MaxErrorMessageLen+len("...(truncated)"))
}

func TestExecute_MalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		body    string
	}{
		{"generate not json", DialectGenerate, `<html>oops</html>`},
		{"generate missing response", DialectGenerate, `{"done":true}`},
		{"chat no choices", DialectChat, `{"id":"x","object":"chat.completion","choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			}))
			defer srv.Close()

			c := generateConfig(srv.URL)
			if tt.dialect == DialectChat {
				c = chatConfig(srv.URL)
			}
			resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
			require.NotNil(t, resp.Error)
			assert.Equal(t, KindMalformed, resp.Error.Kind)
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	for _, c := range []Config{generateConfig(srv.URL), chatConfig(srv.URL)} {
		c.Timeout = "50ms"
		start := time.Now()
		resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
		require.NotNil(t, resp.Error, c.ID)
		assert.Equal(t, KindTimeout, resp.Error.Kind, c.ID)
		assert.Less(t, time.Since(start), time.Second, c.ID)
	}
}

func TestExecute_RequestTimeoutOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := generateConfig(srv.URL)
	c.Timeout = "10s"
	req := NewRequest("hi", "")
	req.Timeout = 30 * time.Millisecond
	resp := newExecutor(t, c).Execute(context.Background(), c, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindTimeout, resp.Error.Kind)
}

func TestExecute_CancelledIsAborted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := generateConfig(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	resp := newExecutor(t, c).Execute(ctx, c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindAborted, resp.Error.Kind)
}

func TestExecute_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	for _, c := range []Config{generateConfig(url), chatConfig(url)} {
		resp := newExecutor(t, c).Execute(context.Background(), c, NewRequest("hi", ""))
		require.NotNil(t, resp.Error, c.ID)
		assert.Equal(t, KindNetwork, resp.Error.Kind, c.ID)
	}
}

func TestExecute_RetriesRetryableKinds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error":"busy"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"response":"third time lucky"}`)
	}))
	defer srv.Close()

	c := generateConfig(srv.URL)
	e := newExecutor(t, c, WithRetryPolicy(retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	resp := e.Execute(context.Background(), c, NewRequest("hi", ""))
	require.True(t, resp.Success, "error: %v", resp.Err())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, e.Attempts())
}

func TestExecute_DoesNotRetryAuth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	c := generateConfig(srv.URL)
	e := newExecutor(t, c, WithRetryPolicy(retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond}))
	resp := e.Execute(context.Background(), c, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindAuth, resp.Error.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_LocalRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"response":"ok"}`)
	}))
	defer srv.Close()

	now := time.Unix(1000, 0)
	rec := &hookRecorder{}
	c := generateConfig(srv.URL)
	c.RequestsPerSecond = 1
	e := newExecutor(t, c, WithRateLimitHook(rec.hook), WithClock(func() time.Time { return now }))

	require.True(t, e.Execute(context.Background(), c, NewRequest("a", "")).Success)
	resp := e.Execute(context.Background(), c, NewRequest("b", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindRateLimitLocal, resp.Error.Kind)
	assert.Equal(t, time.Second, resp.Error.RetryAfter)
	assert.Equal(t, []rateLimitCall{{"gen-a", time.Second}}, rec.get())
}

func TestNewExecutor_MissingCredential(t *testing.T) {
	c := chatConfig("http://localhost")
	c.CredentialRef = "NOT_SET_ANYWHERE"
	reg, err := NewRegistry([]Config{c})
	require.NoError(t, err)
	_, err = NewExecutor(reg, WithCredentialLookup(lookup))
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.NotContains(t, err.Error(), testSecret)
}

func TestExecute_UnknownProvider(t *testing.T) {
	c := generateConfig("http://localhost")
	e := newExecutor(t, c)
	other := c
	other.ID = "other"
	resp := e.Execute(context.Background(), other, NewRequest("hi", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindBadRequest, resp.Error.Kind)
}

func TestExecutor_Budget(t *testing.T) {
	c := generateConfig("http://localhost")
	c.Timeout = "1s"
	e := newExecutor(t, c, WithRetryPolicy(retry.Policy{Attempts: 2, InitialBackoff: 100 * time.Millisecond, Jitter: -1}))
	assert.Equal(t, 2100*time.Millisecond, e.Budget(c, Request{}))
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindRateLimited, kindForStatus(429))
	assert.Equal(t, KindServer, kindForStatus(502))
	assert.Equal(t, KindBadRequest, kindForStatus(422))
	assert.Equal(t, KindTimeout, kindForStatus(408))
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))
	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfter(h))
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Zero(t, parseRetryAfter(h))
}
