// Package trace persists pipeline execution traces and derives metrics from
// them. Tracing is best-effort: store failures are logged and swallowed so
// they never fail a pipeline run.
package trace

// Trace statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Trace is one pipeline run.
type Trace struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name,omitempty"`
	Input        string `json:"input"`
	Output       string `json:"output,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at"`
	EndedAt      int64  `json:"ended_at,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`

	// Aggregates summed over the run's spans, written at finalization.
	// Invariant: equal to the coordinate-wise sums of the trace's spans.
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
	ToolCallCount     int `json:"tool_call_count"`
}

// Span is one node execution within a trace.
type Span struct {
	ID           string `json:"id"`
	TraceID      string `json:"trace_id"`
	NodeID       string `json:"node_id"`
	NodeType     string `json:"node_type"`
	Model        string `json:"model,omitempty"`
	Input        string `json:"input,omitempty"`
	Output       string `json:"output,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at"`
	EndedAt      int64  `json:"ended_at,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// EstimatedCostUSD is derived from the model's published rates; zero
	// for local models and models without pricing data.
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
}

// ToolCall is one tool invocation within a span.
type ToolCall struct {
	ID         string `json:"id"`
	SpanID     string `json:"span_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// TraceDetail is a trace with its spans and their tool calls.
type TraceDetail struct {
	Trace
	Spans []SpanDetail `json:"spans"`
}

// SpanDetail is a span with its tool calls.
type SpanDetail struct {
	Span
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Summary aggregates stored traces for the metrics endpoint.
type Summary struct {
	TotalTraces       int64   `json:"total_traces"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalToolCalls    int64   `json:"total_tool_calls"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}
