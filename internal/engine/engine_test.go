package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/trace"
)

// fakeCall records one Chat invocation.
type fakeCall struct {
	entry  llm.ModelEntry
	prompt string
}

// fakeClient answers by keyword: the response for the first key found in the
// prompt wins. An empty map echoes the prompt back.
type fakeClient struct {
	mu        sync.Mutex
	calls     []fakeCall
	responses map[string]string
	failWith  error
}

func (f *fakeClient) Chat(ctx context.Context, entry llm.ModelEntry, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{entry: entry, prompt: prompt})
	f.mu.Unlock()

	if f.failWith != nil {
		return nil, f.failWith
	}

	text := prompt
	for key, resp := range f.responses {
		if strings.Contains(prompt, key) {
			text = resp
			break
		}
	}

	chunks := make(chan *llm.CompletionChunk, 2)
	chunks <- &llm.CompletionChunk{Text: text}
	chunks <- &llm.CompletionChunk{Done: true, InputTokens: 2, OutputTokens: 3}
	close(chunks)
	return chunks, nil
}

func (f *fakeClient) callsFor(t *testing.T) []fakeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func newTestEngine(client ChatClient) *Engine {
	resolver := &llm.Resolver{Catalog: llm.NewCatalog(nil)}
	return New(client, resolver, nil, nil)
}

func edge(from, to string, typ config.EdgeType) config.EdgeConfig {
	return config.EdgeConfig{From: config.EdgeEndpoint{from}, To: config.EdgeEndpoint{to}, Type: typ}
}

func TestRunLinearChain(t *testing.T) {
	client := &fakeClient{responses: map[string]string{
		"step-a": "alpha",
		"alpha":  "beta",
	}}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID: "chain",
		Nodes: []config.NodeConfig{
			{ID: "a", Type: config.NodeLLM, Prompt: "step-a"},
			{ID: "b", Type: config.NodeLLM},
		},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge("a", "b", config.EdgeDirect),
			edge("b", config.TerminalOutput, config.EdgeDirect),
		},
	}

	output, err := e.Run(context.Background(), cfg, "question", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if output != "beta" {
		t.Errorf("output = %q, want beta", output)
	}

	calls := client.callsFor(t)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[0].prompt, "question") {
		t.Errorf("node a prompt = %q, want run input", calls[0].prompt)
	}
	if calls[1].prompt != "alpha" {
		t.Errorf("node b prompt = %q, want alpha", calls[1].prompt)
	}
}

func TestRunParallelFanOutAndJoin(t *testing.T) {
	client := &fakeClient{responses: map[string]string{
		"branch-a": "alpha",
		"branch-b": "beta",
		"join":     "joined",
	}}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID: "fanout",
		Nodes: []config.NodeConfig{
			{ID: "a", Type: config.NodeWorker, Prompt: "branch-a"},
			{ID: "b", Type: config.NodeWorker, Prompt: "branch-b"},
			{ID: "c", Type: config.NodeLLM, Prompt: "join"},
		},
		Edges: []config.EdgeConfig{
			{From: config.EdgeEndpoint{config.TerminalInput}, To: config.EdgeEndpoint{"a", "b"}, Type: config.EdgeParallel},
			{From: config.EdgeEndpoint{"a", "b"}, To: config.EdgeEndpoint{"c"}, Type: config.EdgeDirect},
			edge("c", config.TerminalOutput, config.EdgeDirect),
		},
	}

	output, err := e.Run(context.Background(), cfg, "topic", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if output != "joined" {
		t.Errorf("output = %q, want joined", output)
	}

	calls := client.callsFor(t)
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}

	// Both branches see the run input, never each other's output.
	var joinPrompt string
	for _, c := range calls {
		switch {
		case strings.Contains(c.prompt, "branch-"):
			if !strings.Contains(c.prompt, "topic") || strings.Contains(c.prompt, "alpha") || strings.Contains(c.prompt, "beta") {
				t.Errorf("branch prompt = %q, want run input only", c.prompt)
			}
		case strings.Contains(c.prompt, "join"):
			joinPrompt = c.prompt
		}
	}

	// The join node receives both outputs, separator-joined, in edge order.
	if !strings.Contains(joinPrompt, "alpha"+InputSeparator+"beta") {
		t.Errorf("join prompt = %q, want alpha---beta", joinPrompt)
	}
}

func TestRunPassThroughDiamond(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID: "diamond",
		Nodes: []config.NodeConfig{
			{ID: "router", Type: config.NodeRouter},
			{ID: "left", Type: config.NodeGate},
			{ID: "right", Type: config.NodeEvaluator},
			{ID: "merge", Type: config.NodeAggregator},
		},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "router", config.EdgeDirect),
			{From: config.EdgeEndpoint{"router"}, To: config.EdgeEndpoint{"left", "right"}, Type: config.EdgeParallel},
			{From: config.EdgeEndpoint{"left", "right"}, To: config.EdgeEndpoint{"merge"}, Type: config.EdgeDirect},
			edge("merge", config.TerminalOutput, config.EdgeDirect),
		},
	}

	output, err := e.Run(context.Background(), cfg, "payload", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Pass-through nodes forward text unchanged; the merge joins two
	// identical copies.
	want := "payload" + InputSeparator + "payload"
	if output != want {
		t.Errorf("output = %q, want %q", output, want)
	}
	if calls := client.callsFor(t); len(calls) != 0 {
		t.Errorf("pass-through pipeline made %d model calls", len(calls))
	}
}

func TestRunModelResolutionPriority(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID: "models",
		Nodes: []config.NodeConfig{
			{ID: "a", Type: config.NodeLLM, Model: "anthropic-claude-haiku"},
			{ID: "b", Type: config.NodeLLM, Model: "anthropic-claude-haiku"},
			{ID: "c", Type: config.NodeLLM},
		},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge("a", "b", config.EdgeDirect),
			edge("b", "c", config.EdgeDirect),
			edge("c", config.TerminalOutput, config.EdgeDirect),
		},
	}

	_, err := e.Run(context.Background(), cfg, "in", RunOptions{
		DefaultModelID: "openai-gpt4o-mini",
		NodeModels:     map[string]string{"a": "anthropic-claude-sonnet"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := client.callsFor(t)
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	// a: override wins; b: node model; c: session default.
	if calls[0].entry.ID != "anthropic-claude-sonnet" {
		t.Errorf("node a model = %q, want override", calls[0].entry.ID)
	}
	if calls[1].entry.ID != "anthropic-claude-haiku" {
		t.Errorf("node b model = %q, want node model", calls[1].entry.ID)
	}
	if calls[2].entry.ID != "openai-gpt4o-mini" {
		t.Errorf("node c model = %q, want session default", calls[2].entry.ID)
	}
}

func TestRunUnknownOverrideFallsBack(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID:    "fallback",
		Nodes: []config.NodeConfig{{ID: "a", Type: config.NodeLLM}},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge("a", config.TerminalOutput, config.EdgeDirect),
		},
	}

	_, err := e.Run(context.Background(), cfg, "in", RunOptions{
		DefaultModelID: "anthropic-claude-haiku",
		NodeModels:     map[string]string{"a": "model-that-does-not-exist"},
	})
	if err != nil {
		t.Fatalf("Run must not fail on unknown model id: %v", err)
	}
	// A stale override resolves to the session default, not the catalog's
	// first entry.
	calls := client.callsFor(t)
	if calls[0].entry.ID != "anthropic-claude-haiku" {
		t.Errorf("model = %q, want session default", calls[0].entry.ID)
	}
}

func TestRunProviderFailureFailsRun(t *testing.T) {
	client := &fakeClient{failWith: errors.New("connection refused")}
	e := newTestEngine(client)
	collector := trace.NewInMemoryCollector()

	cfg := &config.PipelineConfig{
		ID:    "failing",
		Nodes: []config.NodeConfig{{ID: "a", Type: config.NodeLLM}},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge("a", config.TerminalOutput, config.EdgeDirect),
		},
	}

	_, err := e.Run(context.Background(), cfg, "in", RunOptions{Collector: collector})
	if err == nil {
		t.Fatal("expected run failure")
	}
	if !errors.Is(err, ErrLLM) {
		t.Errorf("error = %v, want ErrLLM", err)
	}
	if collector.ErrMsg() == "" {
		t.Error("collector must record the failure")
	}
	spans := collector.Spans()
	if len(spans) != 1 || spans[0].Status != trace.StatusError {
		t.Errorf("spans = %+v", spans)
	}
}

func TestRunWorkerFailureWrapsWorkerError(t *testing.T) {
	client := &fakeClient{failWith: errors.New("boom")}
	e := newTestEngine(client)

	cfg := &config.PipelineConfig{
		ID:    "worker-fail",
		Nodes: []config.NodeConfig{{ID: "w", Type: config.NodeWorker}},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "w", config.EdgeDirect),
			edge("w", config.TerminalOutput, config.EdgeDirect),
		},
	}

	_, err := e.Run(context.Background(), cfg, "in", RunOptions{})
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("error = %v, want ErrWorkerFailed", err)
	}
}

func TestRunNoOutputEdge(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	collector := trace.NewInMemoryCollector()

	cfg := &config.PipelineConfig{
		ID:    "sink",
		Nodes: []config.NodeConfig{{ID: "a", Type: config.NodeLLM}},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
		},
	}

	output, err := e.Run(context.Background(), cfg, "in", RunOptions{Collector: collector})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if output != "" {
		t.Errorf("output = %q, want empty", output)
	}
	if collector.ErrMsg() != "" {
		t.Errorf("collector error = %q, want success finalization", collector.ErrMsg())
	}
}

func TestRunNodeExecutesOnce(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)

	// Two edges both targeting b; it must run once.
	cfg := &config.PipelineConfig{
		ID: "dedupe",
		Nodes: []config.NodeConfig{
			{ID: "a", Type: config.NodeLLM},
			{ID: "b", Type: config.NodeLLM},
		},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge(config.TerminalInput, "b", config.EdgeDirect),
			edge("a", "b", config.EdgeDirect),
			edge("b", config.TerminalOutput, config.EdgeDirect),
		},
	}

	if _, err := e.Run(context.Background(), cfg, "in", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls := client.callsFor(t); len(calls) != 2 {
		t.Errorf("calls = %d, want 2 (each node once)", len(calls))
	}
}

func TestRunInvalidConfigRejected(t *testing.T) {
	e := newTestEngine(&fakeClient{})
	cfg := &config.PipelineConfig{ID: "bad"}
	_, err := e.Run(context.Background(), cfg, "in", RunOptions{})
	if !errors.Is(err, ErrParse) {
		t.Fatalf("error = %v, want ErrParse", err)
	}
}

func TestRunRecordsSpansWithTraceStore(t *testing.T) {
	store, err := trace.NewStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	client := &fakeClient{responses: map[string]string{"in": "answer"}}
	e := newTestEngine(client)
	collector := trace.NewTracingCollector(store, nil, "chain", "Chain", "in")

	cfg := &config.PipelineConfig{
		ID:    "chain",
		Nodes: []config.NodeConfig{{ID: "a", Type: config.NodeLLM}},
		Edges: []config.EdgeConfig{
			edge(config.TerminalInput, "a", config.EdgeDirect),
			edge("a", config.TerminalOutput, config.EdgeDirect),
		},
	}

	output, err := e.Run(context.Background(), cfg, "in", RunOptions{Collector: collector})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	detail, err := store.GetTrace(context.Background(), collector.TraceID())
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if detail.Status != trace.StatusSuccess || detail.Output != output {
		t.Errorf("trace = %+v", detail.Trace)
	}
	if len(detail.Spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(detail.Spans))
	}
	sp := detail.Spans[0]
	if sp.NodeID != "a" || sp.InputTokens != 2 || sp.OutputTokens != 3 {
		t.Errorf("span = %+v", sp.Span)
	}
	if detail.TotalInputTokens != 2 || detail.TotalOutputTokens != 3 {
		t.Errorf("trace totals = %d/%d, want span sums 2/3",
			detail.TotalInputTokens, detail.TotalOutputTokens)
	}
}
