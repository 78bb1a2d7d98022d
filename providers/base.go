package providers

import (
	"context"
	"strings"
	"unicode/utf8"
)

// MaxErrorMessageLen bounds the size of remote error bodies carried in a
// Response or written to logs.
const MaxErrorMessageLen = 512

const redacted = "[REDACTED]"

// dialectClient performs one wire call. A non-nil error is either an *Error
// built from a remote status, or a transport/decoding error that the
// Executor classifies.
type dialectClient interface {
	call(ctx context.Context, req Request) (content string, tokens int, err error)
}

// Base carries the fields shared by both dialect clients. The secret is held
// only here so that every message leaving a client can be scrubbed of it.
type Base struct {
	id      string
	model   string
	baseURL string
	secret  string
}

// sanitize removes the secret from msg and truncates it.
func (b *Base) sanitize(msg string) string {
	if b.secret != "" {
		msg = strings.ReplaceAll(msg, b.secret, redacted)
	}
	return truncate(msg, MaxErrorMessageLen)
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
