// Package admin provides HTTP handlers for the relay operator API.
// Routes expose provider health, breaker and health overrides, recovery
// history and request log maintenance.
// All admin routes are protected by bearer-token authentication via AuthMiddleware.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/ferro-labs/ai-relay"
	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/requestlog"
)

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Relay    *relay.Manager
	Logs     requestlog.Reader
	LogAdmin requestlog.Maintainer
}

const maxLogPage = 200

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/dashboard", h.dashboard)
		r.Get("/providers", h.listProviders)
		r.Get("/recovery", h.recoveryHistory)
		r.Get("/logs", h.listLogs)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/providers/{id}/reset", h.resetProvider)
		r.Post("/providers/{id}/open", h.openProvider)
		r.Delete("/logs", h.deleteLogs)
	})

	return r
}

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	requestLogs := map[string]interface{}{
		"enabled": false,
		"total":   0,
	}
	if h.Logs != nil {
		logsResult, err := h.Logs.List(r.Context(), requestlog.Query{Limit: 1})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load dashboard summary", "server_error", "internal_error")
			return
		}
		requestLogs["enabled"] = true
		requestLogs["total"] = logsResult.Total
	}

	stats := h.Relay.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": map[string]interface{}{
			"total":     h.Relay.Registry().Len(),
			"available": len(h.Relay.Available()),
		},
		"requests": map[string]interface{}{
			"total":     stats.TotalRequests,
			"successes": stats.Successes,
			"failures":  stats.Failures,
			"aborted":   stats.Aborted,
			"fallbacks": stats.Fallbacks,
		},
		"request_logs": requestLogs,
	})
}

func (h *Handlers) listProviders(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": h.Relay.ProviderHealth(),
	})
}

func (h *Handlers) resetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Relay.ResetProvider(id); err != nil {
		writeProviderError(w, err)
		return
	}
	logging.FromContext(r.Context()).Info("provider reset by operator", "provider", id)
	writeProviderState(w, h.Relay, id)
}

func (h *Handlers) openProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Relay.ForceOpen(id); err != nil {
		writeProviderError(w, err)
		return
	}
	logging.FromContext(r.Context()).Warn("provider breaker opened by operator", "provider", id)
	writeProviderState(w, h.Relay, id)
}

func writeProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "provider_not_found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
}

func writeProviderState(w http.ResponseWriter, m *relay.Manager, id string) {
	for _, ph := range m.ProviderHealth() {
		if ph.ID == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ph)
			return
		}
	}
	writeError(w, http.StatusNotFound, "provider not found", "not_found_error", "provider_not_found")
}

func (h *Handlers) recoveryHistory(w http.ResponseWriter, _ *http.Request) {
	svc := h.Relay.Recovery()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  svc.History(),
		"stats": svc.Stats(),
	})
}

// errBadParam carries a client-facing message for a malformed query
// parameter.
type errBadParam string

func (e errBadParam) Error() string { return string(e) }

// logFilter is the parsed form of the shared /logs query parameters.
type logFilter struct {
	limit, offset int
	outcome       string
	provider      string
	since, before *time.Time
}

func parseLogFilter(r *http.Request) (logFilter, error) {
	q := r.URL.Query()
	f := logFilter{
		limit:    50,
		outcome:  q.Get("outcome"),
		provider: q.Get("provider"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, errBadParam("invalid limit: must be a positive integer")
		}
		f.limit = min(n, maxLogPage)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errBadParam("invalid offset: must be a non-negative integer")
		}
		f.offset = n
	}
	for name, dst := range map[string]**time.Time{"since": &f.since, "before": &f.before} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errBadParam("invalid " + name + ": must be RFC3339 format")
		}
		*dst = &t
	}
	return f, nil
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		writeLogsDisabled(w)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}

	result, err := h.Logs.List(r.Context(), requestlog.Query{
		Limit:      f.limit,
		Offset:     f.offset,
		Outcome:    f.outcome,
		ProviderID: f.provider,
		Since:      f.since,
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("list request logs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list request logs", "server_error", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]interface{}{
			"limit":    f.limit,
			"offset":   f.offset,
			"outcome":  f.outcome,
			"provider": f.provider,
			"since":    r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) deleteLogs(w http.ResponseWriter, r *http.Request) {
	if h.LogAdmin == nil {
		writeLogsDisabled(w)
		return
	}
	f, err := parseLogFilter(r)
	if err == nil && f.before == nil {
		err = errBadParam("before is required and must be RFC3339 format")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}

	deleted, err := h.LogAdmin.Delete(r.Context(), requestlog.MaintenanceQuery{
		Before:     f.before,
		Outcome:    f.outcome,
		ProviderID: f.provider,
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("delete request logs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete request logs", "server_error", "internal_error")
		return
	}
	logging.FromContext(r.Context()).Info("request logs deleted", "deleted", deleted, "before", f.before)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"deleted": deleted,
		"filters": map[string]interface{}{
			"before":   r.URL.Query().Get("before"),
			"outcome":  f.outcome,
			"provider": f.provider,
		},
	})
}

func writeLogsDisabled(w http.ResponseWriter) {
	writeError(w, http.StatusNotImplemented, "request log storage is not enabled", "not_implemented_error", "not_implemented")
}
