package requestlog

import (
	"context"
	"time"

	relay "github.com/ferro-labs/ai-relay"
	"github.com/ferro-labs/ai-relay/internal/logging"
)

// Hook adapts w to the relay's event hook signature. Unknown subjects are
// ignored and write errors are logged, never returned to the caller.
func Hook(w Writer) relay.EventHookFunc {
	return func(ctx context.Context, subject string, data map[string]interface{}) {
		if w == nil {
			return
		}
		entry, ok := EntryFromEvent(subject, data)
		if !ok {
			return
		}
		if err := w.Write(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("request log write failed", "error", err, "trace_id", entry.TraceID)
		}
	}
}

// EntryFromEvent maps a generate event to an Entry.
func EntryFromEvent(subject string, data map[string]interface{}) (Entry, bool) {
	var e Entry
	switch subject {
	case relay.SubjectGenerateCompleted:
		e.Outcome = OutcomeSuccess
	case relay.SubjectGenerateFailed:
		e.Outcome = OutcomeFailure
		if str(data, "status") == OutcomeAborted {
			e.Outcome = OutcomeAborted
		}
	default:
		return Entry{}, false
	}
	e.TraceID = str(data, "trace_id")
	e.ProviderID = str(data, "provider")
	e.Model = str(data, "model")
	e.Strategy = str(data, "strategy")
	e.ErrorMessage = str(data, "error")
	e.Attempts = int(num(data, "attempts"))
	e.TokensUsed = int(num(data, "tokens_used"))
	e.LatencyMS = num(data, "latency_ms")
	if ts, ok := data["timestamp"].(time.Time); ok {
		e.CreatedAt = ts.UTC()
	}
	return e, true
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
