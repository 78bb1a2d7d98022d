// Package recovery maps failure types to ordered recovery actions.
//
// Handle runs the actions registered for an ErrorContext's type in order and
// stops at the first one that succeeds. Every handled context is kept in a
// bounded history, and outcomes are counted per (error type, action).
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/metrics"
)

// Severity grades a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnyType registers actions used for error types with no actions of their own.
const AnyType = "*"

// DefaultHistorySize bounds History when no size is configured.
const DefaultHistorySize = 100

// ErrorContext describes one failure. It is a value: Handle and History work
// on copies.
type ErrorContext struct {
	Type          string            `json:"type"`
	Message       string            `json:"message"`
	Severity      Severity          `json:"severity"`
	Component     string            `json:"component,omitempty"`
	Operation     string            `json:"operation,omitempty"`
	RetryCount    int               `json:"retry_count"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewErrorContext returns a context with a fresh correlation id and the
// current time. err may be nil.
func NewErrorContext(errorType, component, operation string, err error) ErrorContext {
	ec := ErrorContext{
		Type:          errorType,
		Severity:      SeverityMedium,
		Component:     component,
		Operation:     operation,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		ec.Message = err.Error()
	}
	return ec
}

func (ec ErrorContext) clone() ErrorContext {
	if ec.Metadata != nil {
		m := make(map[string]string, len(ec.Metadata))
		for k, v := range ec.Metadata {
			m[k] = v
		}
		ec.Metadata = m
	}
	return ec
}

// Action is one recovery step.
type Action interface {
	Name() string
	// Execute attempts the recovery; nil means the failure is resolved.
	Execute(ctx context.Context, ec ErrorContext) error
}

// ActionStats counts outcomes of one action for one error type.
type ActionStats struct {
	ErrorType string `json:"error_type"`
	Action    string `json:"action"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
}

type statKey struct{ errorType, action string }

// Option configures a Service.
type Option func(*Service)

// WithHistorySize bounds the retained history. Non-positive values keep the
// default.
func WithHistorySize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithClock overrides time.Now for contexts that arrive without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the error recovery service. It is safe for concurrent use.
type Service struct {
	now         func() time.Time
	historySize int

	mu      sync.RWMutex
	actions map[string][]Action

	statsMu sync.Mutex
	stats   map[statKey]*ActionStats

	historyMu sync.Mutex
	history   []ErrorContext
	next      int
	full      bool
}

// New creates an empty Service.
func New(opts ...Option) *Service {
	s := &Service{
		now:         time.Now,
		historySize: DefaultHistorySize,
		actions:     make(map[string][]Action),
		stats:       make(map[statKey]*ActionStats),
	}
	for _, o := range opts {
		o(s)
	}
	s.history = make([]ErrorContext, s.historySize)
	return s
}

// Register appends actions to errorType's list. Actions run in registration
// order.
func (s *Service) Register(errorType string, actions ...Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[errorType] = append(s.actions[errorType], actions...)
}

func (s *Service) actionsFor(errorType string) []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acts := s.actions[errorType]
	if len(acts) == 0 {
		acts = s.actions[AnyType]
	}
	out := make([]Action, len(acts))
	copy(out, acts)
	return out
}

// Handle records ec and runs its actions until one succeeds. It reports
// whether the failure was recovered.
func (s *Service) Handle(ctx context.Context, ec ErrorContext) bool {
	ec = ec.clone()
	if ec.CorrelationID == "" {
		ec.CorrelationID = uuid.NewString()
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = s.now().UTC()
	}
	if ec.Severity == "" {
		ec.Severity = SeverityMedium
	}
	s.remember(ec)

	log := logging.FromContext(ctx).With(
		"error_type", ec.Type,
		"correlation_id", ec.CorrelationID,
		"component", ec.Component,
	)

	actions := s.actionsFor(ec.Type)
	if len(actions) == 0 {
		log.Warn("no recovery actions registered", "message", ec.Message)
		return false
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			log.Warn("recovery abandoned", "error", ctx.Err())
			return false
		}
		err := a.Execute(ctx, ec.clone())
		s.record(ec.Type, a.Name(), err == nil)
		if err == nil {
			log.Info("recovery action succeeded", "action", a.Name())
			return true
		}
		log.Warn("recovery action failed", "action", a.Name(), "error", err)
	}
	log.Error("recovery exhausted", "severity", ec.Severity, "message", ec.Message)
	return false
}

func (s *Service) record(errorType, action string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	metrics.RecoveryActions.WithLabelValues(errorType, action, outcome).Inc()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	k := statKey{errorType, action}
	st, found := s.stats[k]
	if !found {
		st = &ActionStats{ErrorType: errorType, Action: action}
		s.stats[k] = st
	}
	if ok {
		st.Successes++
	} else {
		st.Failures++
	}
}

func (s *Service) remember(ec ErrorContext) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history[s.next] = ec
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
}

// History returns the retained contexts, oldest first.
func (s *Service) History() []ErrorContext {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	var out []ErrorContext
	if s.full {
		out = make([]ErrorContext, 0, len(s.history))
		out = append(out, s.history[s.next:]...)
		out = append(out, s.history[:s.next]...)
	} else {
		out = make([]ErrorContext, 0, s.next)
		out = append(out, s.history[:s.next]...)
	}
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

// Stats returns outcome counts ordered by error type, then action.
func (s *Service) Stats() []ActionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make([]ActionStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ErrorType != out[j].ErrorType {
			return out[i].ErrorType < out[j].ErrorType
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// String implements fmt.Stringer for log output.
func (ec ErrorContext) String() string {
	return fmt.Sprintf("%s[%s] %s/%s: %s", ec.Type, ec.CorrelationID, ec.Component, ec.Operation, ec.Message)
}
