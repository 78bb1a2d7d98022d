// Package requestlog persists the outcome of each generate call to SQLite or
// Postgres so operators can inspect fallback behaviour after the fact.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Outcome values stored in Entry.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeAborted = "aborted"
)

// Entry is one persisted generate outcome.
type Entry struct {
	TraceID      string    `json:"trace_id"`
	Outcome      string    `json:"outcome"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Strategy     string    `json:"strategy,omitempty"`
	Attempts     int       `json:"attempts"`
	TokensUsed   int       `json:"tokens_used"`
	LatencyMS    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query filters List.
type Query struct {
	Limit      int
	Offset     int
	Outcome    string
	ProviderID string
	Since      *time.Time
}

// MaintenanceQuery selects entries for Delete. Before is required.
type MaintenanceQuery struct {
	Before     *time.Time
	Outcome    string
	ProviderID string
}

// Result is a page of entries plus the total matching count.
type Result struct {
	Total int     `json:"total"`
	Data  []Entry `json:"data"`
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists stored entries.
type Reader interface {
	List(ctx context.Context, q Query) (Result, error)
}

// Maintainer deletes stored entries.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns a writer for driver "sqlite" (default) or "postgres".
func Open(driver, dsn string) (*SQLWriter, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteWriter(dsn)
	case "postgres", "postgresql":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported request log driver %q", driver)
	}
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "relay-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS generate_logs (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	outcome TEXT NOT NULL,
	provider_id TEXT,
	model TEXT,
	strategy TEXT,
	attempts INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS generate_logs (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	outcome TEXT NOT NULL,
	provider_id TEXT,
	model TEXT,
	strategy TEXT,
	attempts INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (w *SQLWriter) placeholder(n int) string {
	if w.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ph := make([]string, 10)
	for i := range ph {
		ph[i] = w.placeholder(i + 1)
	}
	query := `INSERT INTO generate_logs(trace_id, outcome, provider_id, model, strategy, attempts, tokens_used, latency_ms, error_message, created_at)
	VALUES(` + strings.Join(ph, ", ") + `)`

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Outcome,
		entry.ProviderID,
		entry.Model,
		entry.Strategy,
		entry.Attempts,
		entry.TokensUsed,
		entry.LatencyMS,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

// where builds a WHERE clause from non-empty filters.
func (w *SQLWriter) where(outcome, providerID string, since, before *time.Time) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, w.placeholder(len(args))))
	}
	if outcome != "" {
		add("outcome = %s", outcome)
	}
	if providerID != "" {
		add("provider_id = %s", providerID)
	}
	if since != nil {
		add("created_at >= %s", since.UTC())
	}
	if before != nil {
		add("created_at < %s", before.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	clause, args := w.where(q.Outcome, q.ProviderID, q.Since, nil)

	var total int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM generate_logs"+clause, args...).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("count request logs: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT trace_id, outcome, provider_id, model, strategy, attempts, tokens_used, latency_ms, error_message, created_at
	FROM generate_logs%s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`, clause, w.placeholder(n+1), w.placeholder(n+2))
	rows, err := w.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Result{}, fmt.Errorf("list request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := Result{Total: total, Data: make([]Entry, 0, q.Limit)}
	for rows.Next() {
		var e Entry
		var traceID, providerID, model, strategy, errMsg sql.NullString
		if err := rows.Scan(&traceID, &e.Outcome, &providerID, &model, &strategy, &e.Attempts, &e.TokensUsed, &e.LatencyMS, &errMsg, &e.CreatedAt); err != nil {
			return Result{}, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID = traceID.String
		e.ProviderID = providerID.String
		e.Model = model.String
		e.Strategy = strategy.String
		e.ErrorMessage = errMsg.String
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("list request logs: %w", err)
	}
	return out, nil
}

// Delete removes entries older than q.Before and reports how many.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, fmt.Errorf("delete request logs: before is required")
	}
	clause, args := w.where(q.Outcome, q.ProviderID, nil, q.Before)
	res, err := w.db.ExecContext(ctx, "DELETE FROM generate_logs"+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
