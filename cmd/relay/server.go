package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/ferro-labs/ai-relay"
	"github.com/ferro-labs/ai-relay/internal/admin"
	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/requestlog"
	"github.com/ferro-labs/ai-relay/internal/strategies"
	"github.com/ferro-labs/ai-relay/internal/version"
)

// routerOptions carries the optional parts of the HTTP surface.
type routerOptions struct {
	Logs          requestlog.Reader
	LogAdmin      requestlog.Maintainer
	AdminToken    string
	ReadOnlyToken string
	CORSOrigins   []string
}

// generateBody is the JSON body of POST /v1/generate.
type generateBody struct {
	Prompt       string   `json:"prompt" validate:"required"`
	SystemPrompt string   `json:"system_prompt"`
	Strategy     string   `json:"strategy" validate:"omitempty,oneof=priority round_robin intelligent fastest"`
	MaxAttempts  int      `json:"max_attempts" validate:"gte=0,lte=32"`
	MaxTokens    int      `json:"max_tokens" validate:"gte=0"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Timeout      string   `json:"timeout"`
}

func (b generateBody) request() (relay.GenerateRequest, error) {
	req := relay.GenerateRequest{
		Prompt:       b.Prompt,
		SystemPrompt: b.SystemPrompt,
		Strategy:     strategies.Mode(b.Strategy),
		MaxAttempts:  b.MaxAttempts,
		MaxTokens:    b.MaxTokens,
		Temperature:  b.Temperature,
	}
	if b.Timeout != "" {
		d, err := time.ParseDuration(b.Timeout)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("invalid timeout %q: must be a positive duration", b.Timeout)
		}
		req.Timeout = d
	}
	return req, nil
}

// generateStatus maps a Result to its HTTP status. Exhausted candidates are
// an upstream failure; an empty candidate set or a dropped request means the
// relay could not serve the call at all.
func generateStatus(res *relay.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Error == relay.ErrMsgAllFailed:
		return http.StatusBadGateway
	case res.Error == relay.ErrMsgNoProviders, res.Error == relay.ErrMsgClosed:
		return http.StatusServiceUnavailable
	case res.Error == relay.ErrMsgAborted:
		return statusClientClosedRequest
	default:
		return http.StatusBadRequest
	}
}

// statusClientClosedRequest is the de facto status for requests the client
// abandoned.
const statusClientClosedRequest = 499

// newRouter builds the HTTP router.
func newRouter(m *relay.Manager, opts routerOptions) http.Handler {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(opts.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		available := len(m.Available())
		status, code := "ok", http.StatusOK
		if available == 0 {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":    status,
			"version":   version.Short(),
			"providers": m.Registry().Len(),
			"available": available,
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var body generateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			admin.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "invalid_request_error", "invalid_json")
			return
		}
		if err := validate.Struct(body); err != nil {
			admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
			return
		}
		req, err := body.request()
		if err != nil {
			admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
			return
		}

		res := m.Generate(r.Context(), req)
		writeJSON(w, generateStatus(res), res)
	})

	r.Get("/v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Stats())
	})

	r.Get("/v1/providers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": m.ProviderHealth(),
		})
	})

	if opts.AdminToken != "" || opts.ReadOnlyToken != "" {
		adminHandlers := &admin.Handlers{
			Relay:    m,
			Logs:     opts.Logs,
			LogAdmin: opts.LogAdmin,
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.AuthMiddleware(
				admin.Token{Value: opts.AdminToken, Scope: admin.ScopeAdmin},
				admin.Token{Value: opts.ReadOnlyToken, Scope: admin.ScopeReadOnly},
			))
			r.Mount("/", adminHandlers.Routes())
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
