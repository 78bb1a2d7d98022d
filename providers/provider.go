// Package providers defines the canonical request/response envelope used by
// the relay, the provider configuration record and registry, and the
// Executor that translates canonical requests into one of the two supported
// wire dialects.
//
// Remote failures are never returned as Go errors from Execute. They are
// encoded in Response.Error so the caller can branch on Error.Kind.
//
// Core types: Config, Registry, Request, Response, Error, Executor.
package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one role-tagged entry of a canonical request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic generation request.
type Request struct {
	Messages []Message `json:"messages"`
	// MaxTokens and Temperature override the provider defaults when set.
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// Timeout overrides the provider's per-call timeout when positive.
	Timeout time.Duration `json:"-"`
}

// NewRequest builds a request from a user prompt and an optional system
// prompt.
func NewRequest(prompt, system string) Request {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	return Request{Messages: msgs}
}

// splitPrompt folds the messages into a single system string and a single
// prompt string for dialects that take one combined input.
func splitPrompt(msgs []Message) (system, prompt string) {
	var sys, rest []string
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m.Content)
	}
	return strings.Join(sys, "\n\n"), strings.Join(rest, "\n\n")
}

// Response is the provider-agnostic outcome of one provider call.
type Response struct {
	Success      bool          `json:"success"`
	Content      string        `json:"content,omitempty"`
	ProviderID   string        `json:"provider_id"`
	ProviderName string        `json:"provider_name,omitempty"`
	Model        string        `json:"model,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	Error        *Error        `json:"error,omitempty"`
}

// Err returns the failure as an error, or nil for a successful response.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// ErrorKind classifies a failed provider call.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindRateLimited    ErrorKind = "rate_limited"
	KindRateLimitLocal ErrorKind = "rate_limit_local"
	KindAuth           ErrorKind = "auth"
	KindMalformed      ErrorKind = "malformed_response"
	KindServer         ErrorKind = "server"
	KindBadRequest     ErrorKind = "bad_request"
	KindAborted        ErrorKind = "aborted"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindExhausted      ErrorKind = "exhausted"
)

// Retryable reports whether the same provider may be called again for the
// same request after a short wait.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}

// CountsForBreaker reports whether the failure reflects provider health and
// should move its circuit breaker. Rate limits, auth problems, caller errors
// and aborted calls do not.
func (k ErrorKind) CountsForBreaker() bool {
	switch k {
	case KindTimeout, KindNetwork, KindServer, KindMalformed:
		return true
	}
	return false
}

// Error is the failure carried by a Response.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the ErrorKind from err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
