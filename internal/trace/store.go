package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/loom/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id                  TEXT PRIMARY KEY,
	pipeline_id         TEXT NOT NULL,
	pipeline_name       TEXT,
	input               TEXT NOT NULL,
	output              TEXT,
	status              TEXT NOT NULL,
	error               TEXT,
	started_at          INTEGER NOT NULL,
	ended_at            INTEGER,
	duration_ms         INTEGER,
	total_input_tokens  INTEGER DEFAULT 0,
	total_output_tokens INTEGER DEFAULT 0,
	tool_calls          INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_traces_pipeline_id ON traces(pipeline_id);

CREATE TABLE IF NOT EXISTS spans (
	id            TEXT PRIMARY KEY,
	trace_id      TEXT NOT NULL,
	node_id       TEXT NOT NULL,
	node_type     TEXT NOT NULL,
	model         TEXT,
	input         TEXT,
	output        TEXT,
	status        TEXT NOT NULL,
	error         TEXT,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER,
	duration_ms   INTEGER,
	input_tokens  INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	cost_usd      REAL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);

CREATE TABLE IF NOT EXISTS tool_calls (
	id          TEXT PRIMARY KEY,
	span_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	arguments   TEXT,
	result      TEXT,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_span_id ON tool_calls(span_id);
`

// Store persists traces, spans and tool calls in SQLite. Writes are
// serialized with a mutex; SQLite handles one writer at a time and the
// engine's parallel branches all report through the same store.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore opens (or creates) the trace database at path. Use ":memory:"
// for an ephemeral store in tests.
func NewStore(path string, logger *observability.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init trace schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SetMetrics attaches query-latency instrumentation. Call before serving
// traffic; a nil receiver field means no observation.
func (s *Store) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func (s *Store) observe(operation, table string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveStoreQuery(operation, table, time.Since(start).Seconds())
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTrace writes a new trace row.
func (s *Store) InsertTrace(t *Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert", "traces", time.Now())
	_, err := s.db.Exec(
		`INSERT INTO traces (id, pipeline_id, pipeline_name, input, output, status, error,
		                     started_at, ended_at, duration_ms,
		                     total_input_tokens, total_output_tokens, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PipelineID, nullString(t.PipelineName), t.Input, nullString(t.Output),
		t.Status, nullString(t.Error), t.StartedAt, nullInt(t.EndedAt), nullInt(t.DurationMs),
		t.TotalInputTokens, t.TotalOutputTokens, t.ToolCallCount,
	)
	return err
}

// TraceTotals carries the aggregates accumulated across a finished run.
type TraceTotals struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// FinishTrace finalizes a trace row with its terminal status and aggregate
// totals. Output is set on success, error message on failure.
func (s *Store) FinishTrace(id, status, output, errMsg string, endedAt, durationMs int64, totals TraceTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("update", "traces", time.Now())
	_, err := s.db.Exec(
		`UPDATE traces SET status = ?, output = ?, error = ?, ended_at = ?, duration_ms = ?,
		                   total_input_tokens = ?, total_output_tokens = ?, tool_calls = ?
		 WHERE id = ?`,
		status, nullString(output), nullString(errMsg), endedAt, durationMs,
		totals.InputTokens, totals.OutputTokens, totals.ToolCalls, id,
	)
	return err
}

// InsertSpan writes a completed span row.
func (s *Store) InsertSpan(sp *Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert", "spans", time.Now())
	_, err := s.db.Exec(
		`INSERT INTO spans (id, trace_id, node_id, node_type, model, input, output, status, error,
		                    started_at, ended_at, duration_ms, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.TraceID, sp.NodeID, sp.NodeType, nullString(sp.Model), nullString(sp.Input),
		nullString(sp.Output), sp.Status, nullString(sp.Error),
		sp.StartedAt, nullInt(sp.EndedAt), nullInt(sp.DurationMs), sp.InputTokens, sp.OutputTokens,
		sp.EstimatedCostUSD,
	)
	return err
}

// InsertToolCall writes a completed tool call row.
func (s *Store) InsertToolCall(tc *ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert", "tool_calls", time.Now())
	_, err := s.db.Exec(
		`INSERT INTO tool_calls (id, span_id, name, arguments, result, status, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.SpanID, tc.Name, nullString(tc.Arguments), nullString(tc.Result), tc.Status,
		tc.StartedAt, nullInt(tc.EndedAt), nullInt(tc.DurationMs),
	)
	return err
}

// DefaultTraceLimit bounds trace listings when the caller names no limit.
const DefaultTraceLimit = 50

// TraceQuery filters ListTraces. Zero-value fields are unconstrained, except
// Limit: a zero limit returns no rows, so callers wanting the default pass
// DefaultTraceLimit.
type TraceQuery struct {
	PipelineID string
	Status     string
	Limit      int
	Offset     int
}

// ListTraces returns matching traces, newest first.
func (s *Store) ListTraces(ctx context.Context, q TraceQuery) ([]Trace, error) {
	defer s.observe("select", "traces", time.Now())
	if q.Limit < 0 {
		q.Limit = 0
	}
	query := `SELECT id, pipeline_id, pipeline_name, input, output, status, error,
	                 started_at, ended_at, duration_ms,
	                 total_input_tokens, total_output_tokens, tool_calls
		 FROM traces`
	var conds []string
	var args []any
	if q.PipelineID != "" {
		conds = append(conds, "pipeline_id = ?")
		args = append(args, q.PipelineID)
	}
	if q.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, q.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, *t)
	}
	return traces, rows.Err()
}

// GetTrace returns a trace with its spans and their tool calls, or
// sql.ErrNoRows when absent.
func (s *Store) GetTrace(ctx context.Context, id string) (*TraceDetail, error) {
	defer s.observe("select", "traces", time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, pipeline_name, input, output, status, error,
		        started_at, ended_at, duration_ms,
		        total_input_tokens, total_output_tokens, tool_calls
		 FROM traces WHERE id = ?`, id)
	t, err := scanTrace(row)
	if err != nil {
		return nil, err
	}
	detail := &TraceDetail{Trace: *t}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, node_id, node_type, model, input, output, status, error,
		        started_at, ended_at, duration_ms, input_tokens, output_tokens, cost_usd
		 FROM spans WHERE trace_id = ? ORDER BY started_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sp Span
		var model, input, output, errMsg sql.NullString
		var endedAt, durationMs sql.NullInt64
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.NodeID, &sp.NodeType, &model, &input, &output,
			&sp.Status, &errMsg, &sp.StartedAt, &endedAt, &durationMs,
			&sp.InputTokens, &sp.OutputTokens, &sp.EstimatedCostUSD); err != nil {
			return nil, err
		}
		sp.Model, sp.Input, sp.Output, sp.Error = model.String, input.String, output.String, errMsg.String
		sp.EndedAt, sp.DurationMs = endedAt.Int64, durationMs.Int64

		calls, err := s.toolCallsForSpan(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		detail.Spans = append(detail.Spans, SpanDetail{Span: sp, ToolCalls: calls})
	}
	return detail, rows.Err()
}

func (s *Store) toolCallsForSpan(ctx context.Context, spanID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, span_id, name, arguments, result, status, started_at, ended_at, duration_ms
		 FROM tool_calls WHERE span_id = ? ORDER BY started_at ASC`, spanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var args, result sql.NullString
		var endedAt, durationMs sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.SpanID, &tc.Name, &args, &result, &tc.Status,
			&tc.StartedAt, &endedAt, &durationMs); err != nil {
			return nil, err
		}
		tc.Arguments, tc.Result = args.String, result.String
		tc.EndedAt, tc.DurationMs = endedAt.Int64, durationMs.Int64
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// DeleteTrace removes a trace and its children. Returns sql.ErrNoRows when
// the trace does not exist.
func (s *Store) DeleteTrace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("delete", "traces", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tool_calls WHERE span_id IN (SELECT id FROM spans WHERE trace_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM spans WHERE trace_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM traces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// MetricsSummary aggregates all stored traces.
func (s *Store) MetricsSummary(ctx context.Context) (*Summary, error) {
	defer s.observe("select", "traces", time.Now())
	sum := &Summary{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM traces WHERE status != ?`,
		StatusRunning).Scan(&sum.TotalTraces, &sum.AvgLatencyMs)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM spans`).
		Scan(&sum.TotalInputTokens, &sum.TotalOutputTokens)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls`).Scan(&sum.TotalToolCalls)
	if err != nil {
		return nil, err
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*Trace, error) {
	var t Trace
	var name, output, errMsg sql.NullString
	var endedAt, durationMs sql.NullInt64
	if err := row.Scan(&t.ID, &t.PipelineID, &name, &t.Input, &output, &t.Status, &errMsg,
		&t.StartedAt, &endedAt, &durationMs,
		&t.TotalInputTokens, &t.TotalOutputTokens, &t.ToolCallCount); err != nil {
		return nil, err
	}
	t.PipelineName, t.Output, t.Error = name.String, output.String, errMsg.String
	t.EndedAt, t.DurationMs = endedAt.Int64, durationMs.Int64
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// nowMs is the store's clock, overridable in tests.
var nowMs = func() int64 {
	return time.Now().UnixMilli()
}
