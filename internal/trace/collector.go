package trace

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
)

// Collector records the execution of one pipeline run. Implementations must
// be safe for concurrent use; parallel branches report spans concurrently.
type Collector interface {
	// TraceID identifies the run.
	TraceID() string

	// StartSpan opens a span for a node execution and returns its id.
	StartSpan(nodeID, nodeType, model, input string) string

	// EndSpan closes a span with its result. A non-nil err marks the
	// span failed.
	EndSpan(spanID, output string, inputTokens, outputTokens int, err error)

	// RecordToolCall attaches a tool invocation to a span.
	RecordToolCall(spanID, name, arguments, result string, err error, durationMs int64)

	// Success finalizes the run with its output. Only the first call to
	// Success or Error takes effect.
	Success(output string)

	// Error finalizes the run as failed.
	Error(msg string)
}

// TracingCollector persists the run to a Store. The trace row is inserted
// with status running at construction; Success or Error finalizes it exactly
// once. Store failures are logged and swallowed.
type TracingCollector struct {
	store  *Store
	logger *observability.Logger

	traceID   string
	startedAt int64
	finalized atomic.Bool

	mu         sync.Mutex
	spanStarts map[string]int64
	spanMeta   map[string]*Span
	totals     TraceTotals
}

var _ Collector = (*TracingCollector)(nil)

// NewTracingCollector opens a trace for a run.
func NewTracingCollector(store *Store, logger *observability.Logger, pipelineID, pipelineName, input string) *TracingCollector {
	c := &TracingCollector{
		store:      store,
		logger:     logger,
		traceID:    uuid.NewString(),
		startedAt:  nowMs(),
		spanStarts: map[string]int64{},
		spanMeta:   map[string]*Span{},
	}
	c.swallow(store.InsertTrace(&Trace{
		ID:           c.traceID,
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		Input:        input,
		Status:       StatusRunning,
		StartedAt:    c.startedAt,
	}))
	return c
}

// TraceID returns the run's trace id.
func (c *TracingCollector) TraceID() string {
	return c.traceID
}

// StartSpan opens a span for a node execution.
func (c *TracingCollector) StartSpan(nodeID, nodeType, model, input string) string {
	spanID := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spanStarts[spanID] = nowMs()
	c.spanMeta[spanID] = &Span{
		ID:       spanID,
		TraceID:  c.traceID,
		NodeID:   nodeID,
		NodeType: nodeType,
		Model:    model,
		Input:    input,
	}
	return spanID
}

// EndSpan writes the completed span row and folds its tokens into the
// trace totals.
func (c *TracingCollector) EndSpan(spanID, output string, inputTokens, outputTokens int, err error) {
	c.mu.Lock()
	sp, ok := c.spanMeta[spanID]
	started := c.spanStarts[spanID]
	delete(c.spanMeta, spanID)
	delete(c.spanStarts, spanID)
	if ok {
		c.totals.InputTokens += inputTokens
		c.totals.OutputTokens += outputTokens
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ended := nowMs()
	sp.StartedAt = started
	sp.EndedAt = ended
	sp.DurationMs = ended - started
	sp.Output = output
	sp.InputTokens = inputTokens
	sp.OutputTokens = outputTokens
	sp.EstimatedCostUSD = CostFor(sp.Model, inputTokens, outputTokens)
	if err != nil {
		sp.Status = StatusError
		sp.Error = err.Error()
	} else {
		sp.Status = StatusSuccess
	}
	c.swallow(c.store.InsertSpan(sp))
}

// RecordToolCall writes a tool call row under the span.
func (c *TracingCollector) RecordToolCall(spanID, name, arguments, result string, err error, durationMs int64) {
	c.mu.Lock()
	c.totals.ToolCalls++
	c.mu.Unlock()

	ended := nowMs()
	tc := &ToolCall{
		ID:         uuid.NewString(),
		SpanID:     spanID,
		Name:       name,
		Arguments:  arguments,
		Result:     result,
		Status:     StatusSuccess,
		StartedAt:  ended - durationMs,
		EndedAt:    ended,
		DurationMs: durationMs,
	}
	if err != nil {
		tc.Status = StatusError
		tc.Result = err.Error()
	}
	c.swallow(c.store.InsertToolCall(tc))
}

// Success finalizes the trace with its output and the accumulated totals.
func (c *TracingCollector) Success(output string) {
	if !c.finalized.CompareAndSwap(false, true) {
		return
	}
	ended := nowMs()
	c.swallow(c.store.FinishTrace(c.traceID, StatusSuccess, output, "", ended, ended-c.startedAt, c.snapshotTotals()))
}

// Error finalizes the trace as failed; totals gathered before the failure
// are kept.
func (c *TracingCollector) Error(msg string) {
	if !c.finalized.CompareAndSwap(false, true) {
		return
	}
	ended := nowMs()
	c.swallow(c.store.FinishTrace(c.traceID, StatusError, "", msg, ended, ended-c.startedAt, c.snapshotTotals()))
}

func (c *TracingCollector) snapshotTotals() TraceTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

func (c *TracingCollector) swallow(err error) {
	if err != nil && c.logger != nil {
		c.logger.Warn(context.Background(), "trace write failed",
			"trace_id", c.traceID, "error", err)
	}
}

// InMemoryCollector accumulates spans in memory. Used by tests and by runs
// that do not need persistence.
type InMemoryCollector struct {
	mu        sync.Mutex
	traceID   string
	spans     []Span
	toolCalls []ToolCall
	output    string
	errMsg    string
	finalized bool
}

var _ Collector = (*InMemoryCollector)(nil)

// NewInMemoryCollector creates an empty collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{traceID: uuid.NewString()}
}

func (c *InMemoryCollector) TraceID() string {
	return c.traceID
}

func (c *InMemoryCollector) StartSpan(nodeID, nodeType, model, input string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	spanID := uuid.NewString()
	c.spans = append(c.spans, Span{
		ID:        spanID,
		TraceID:   c.traceID,
		NodeID:    nodeID,
		NodeType:  nodeType,
		Model:     model,
		Input:     input,
		Status:    StatusRunning,
		StartedAt: nowMs(),
	})
	return spanID
}

func (c *InMemoryCollector) EndSpan(spanID, output string, inputTokens, outputTokens int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.spans {
		if c.spans[i].ID != spanID {
			continue
		}
		c.spans[i].Output = output
		c.spans[i].InputTokens = inputTokens
		c.spans[i].OutputTokens = outputTokens
		c.spans[i].EstimatedCostUSD = CostFor(c.spans[i].Model, inputTokens, outputTokens)
		c.spans[i].EndedAt = nowMs()
		c.spans[i].DurationMs = c.spans[i].EndedAt - c.spans[i].StartedAt
		if err != nil {
			c.spans[i].Status = StatusError
			c.spans[i].Error = err.Error()
		} else {
			c.spans[i].Status = StatusSuccess
		}
		return
	}
}

func (c *InMemoryCollector) RecordToolCall(spanID, name, arguments, result string, err error, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := StatusSuccess
	if err != nil {
		status = StatusError
		result = err.Error()
	}
	c.toolCalls = append(c.toolCalls, ToolCall{
		ID:         uuid.NewString(),
		SpanID:     spanID,
		Name:       name,
		Arguments:  arguments,
		Result:     result,
		Status:     status,
		DurationMs: durationMs,
	})
}

func (c *InMemoryCollector) Success(output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	c.output = output
}

func (c *InMemoryCollector) Error(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	c.errMsg = msg
}

// Spans returns a copy of the recorded spans.
func (c *InMemoryCollector) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Span(nil), c.spans...)
}

// ToolCalls returns a copy of the recorded tool calls.
func (c *InMemoryCollector) ToolCalls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolCall(nil), c.toolCalls...)
}

// Output returns the finalized output.
func (c *InMemoryCollector) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// ErrMsg returns the finalized error message.
func (c *InMemoryCollector) ErrMsg() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// NopCollector discards everything. Used for warmup chats and direct chat
// messages that bypass tracing.
type NopCollector struct{}

var _ Collector = NopCollector{}

func (NopCollector) TraceID() string                                        { return "" }
func (NopCollector) StartSpan(nodeID, nodeType, model, input string) string { return "" }
func (NopCollector) EndSpan(spanID, output string, inputTokens, outputTokens int, err error) {
}
func (NopCollector) RecordToolCall(spanID, name, arguments, result string, err error, durationMs int64) {
}
func (NopCollector) Success(output string) {}
func (NopCollector) Error(msg string)      {}
