// Package engine executes DAG-shaped pipelines: it walks the edge list from
// the input terminal, runs each node once, and selects the output from the
// nodes feeding the output terminal.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/trace"
)

// InputSeparator joins multiple upstream outputs when a node has more than
// one executed predecessor.
const InputSeparator = "\n\n---\n\n"

// ChatClient is the slice of the provider client the engine needs.
// *providers.Client satisfies it; tests substitute fakes.
type ChatClient interface {
	Chat(ctx context.Context, entry llm.ModelEntry, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error)
}

// RunOptions configures a single pipeline run.
type RunOptions struct {
	// DefaultModelID is the session's model selection, used for nodes
	// with no model of their own and no override.
	DefaultModelID string

	// NodeModels overrides model selection per node id for this run.
	NodeModels map[string]string

	// Collector records the trace; nil disables tracing.
	Collector trace.Collector

	// MaxTokens caps each node's completion; 0 uses provider defaults.
	MaxTokens int
}

// Engine runs pipeline configurations against the provider client.
type Engine struct {
	client   ChatClient
	resolver *llm.Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New creates an engine.
func New(client ChatClient, resolver *llm.Resolver, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{client: client, resolver: resolver, logger: logger, metrics: metrics}
}

// run carries the state of one pipeline execution.
type run struct {
	engine *Engine
	cfg    *config.PipelineConfig
	ec     *ExecutionContext
	opts   RunOptions

	mu       sync.Mutex
	executed map[string]bool

	steps atomic.Int64
}

func (r *run) isExecuted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executed[id]
}

func (r *run) markExecuted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed[id] = true
}

// Run executes the pipeline on the given input and returns the output: the
// last non-empty result among the nodes feeding the output terminal, or the
// empty string when no edge reaches it.
func (e *Engine) Run(ctx context.Context, cfg *config.PipelineConfig, input string, opts RunOptions) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if opts.Collector == nil {
		opts.Collector = trace.NopCollector{}
	}

	r := &run{
		engine:   e,
		cfg:      cfg,
		ec:       NewExecutionContext(input),
		opts:     opts,
		executed: map[string]bool{},
	}

	start := time.Now()
	if e.logger != nil {
		e.logger.Info(ctx, "pipeline run started",
			"pipeline_id", cfg.ID, "nodes", len(cfg.Nodes), "edges", len(cfg.Edges))
	}

	for i := range cfg.Edges {
		edge := &cfg.Edges[i]
		if !edge.From.Contains(config.TerminalInput) {
			continue
		}
		if err := r.processEdge(ctx, edge); err != nil {
			opts.Collector.Error(err.Error())
			if e.metrics != nil {
				e.metrics.RecordPipelineRun(cfg.ID, "error", time.Since(start).Seconds())
			}
			if e.logger != nil {
				e.logger.Error(ctx, "pipeline run failed",
					"pipeline_id", cfg.ID, "steps", r.steps.Load(), "error", err)
			}
			return "", err
		}
	}

	output := r.selectOutput()
	opts.Collector.Success(output)
	if e.metrics != nil {
		e.metrics.RecordPipelineRun(cfg.ID, "success", time.Since(start).Seconds())
	}
	if e.logger != nil {
		e.logger.Info(ctx, "pipeline run finished",
			"pipeline_id", cfg.ID, "steps", r.steps.Load(),
			"duration_ms", time.Since(start).Milliseconds())
	}
	return output, nil
}

// processEdge executes the edge's pending targets, then follows their
// outgoing edges. Parallel edges snapshot every target's input before any
// target runs, so siblings never observe each other's output.
func (r *run) processEdge(ctx context.Context, edge *config.EdgeConfig) error {
	if edge.Type == config.EdgeParallel {
		return r.processParallel(ctx, edge)
	}

	// direct, dynamic and conditional edges all dispatch sequentially
	for _, target := range edge.To {
		if target == config.TerminalOutput || r.isExecuted(target) {
			continue
		}
		input := r.assembleInput(target)
		output, err := r.executeNode(ctx, target, input)
		if err != nil {
			return err
		}
		r.ec.Set(target, output)
		r.markExecuted(target)
		if err := r.processDownstream(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) processParallel(ctx context.Context, edge *config.EdgeConfig) error {
	type dispatch struct {
		target string
		input  string
	}

	var pending []dispatch
	for _, target := range edge.To {
		if target == config.TerminalOutput || r.isExecuted(target) {
			continue
		}
		// snapshot sequentially before concurrent dispatch
		pending = append(pending, dispatch{target: target, input: r.assembleInput(target)})
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range pending {
		g.Go(func() error {
			output, err := r.executeNode(gctx, d.target, d.input)
			if err != nil {
				return err
			}
			r.ec.Set(d.target, output)
			r.markExecuted(d.target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, d := range pending {
		if err := r.processDownstream(ctx, d.target); err != nil {
			return err
		}
	}
	return nil
}

// processDownstream follows edges leaving the given node whose targets are
// not all executed yet.
func (r *run) processDownstream(ctx context.Context, nodeID string) error {
	for i := range r.cfg.Edges {
		edge := &r.cfg.Edges[i]
		if !edge.From.Contains(nodeID) {
			continue
		}
		if r.allTargetsDone(edge) {
			continue
		}
		if err := r.processEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) allTargetsDone(edge *config.EdgeConfig) bool {
	for _, target := range edge.To {
		if target == config.TerminalOutput {
			continue
		}
		if !r.isExecuted(target) {
			return false
		}
	}
	return true
}

// assembleInput joins the outputs of the node's executed predecessors in
// edge order. A node with no executed predecessor receives the run input.
func (r *run) assembleInput(nodeID string) string {
	var parts []string
	for i := range r.cfg.Edges {
		edge := &r.cfg.Edges[i]
		if !edge.To.Contains(nodeID) {
			continue
		}
		for _, from := range edge.From {
			if from == config.TerminalInput {
				continue
			}
			if v, ok := r.ec.Get(from); ok && v != "" {
				parts = append(parts, v)
			}
		}
	}
	if len(parts) == 0 {
		return r.ec.Input()
	}
	return strings.Join(parts, InputSeparator)
}

// executeNode runs one node: llm and worker nodes call the model, every
// other type forwards its input unchanged.
func (r *run) executeNode(ctx context.Context, nodeID, input string) (string, error) {
	node := r.cfg.Node(nodeID)
	if node == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, nodeID)
	}
	r.steps.Add(1)

	e := r.engine
	if !node.Type.InvokesModel() {
		spanID := r.opts.Collector.StartSpan(node.ID, string(node.Type), "", input)
		r.opts.Collector.EndSpan(spanID, input, 0, 0, nil)
		if e.metrics != nil {
			e.metrics.RecordNodeExecution(string(node.Type), "success")
		}
		return input, nil
	}

	entry := e.resolver.Resolve(node.ID, node.Model, r.opts.DefaultModelID, r.opts.NodeModels)
	prompt := input
	if node.Prompt != "" {
		prompt = node.Prompt + "\n\n" + input
	}

	spanID := r.opts.Collector.StartSpan(node.ID, string(node.Type), entry.Model, input)
	start := time.Now()

	req := &llm.CompletionRequest{
		Model:     entry.Model,
		Messages:  []llm.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: r.opts.MaxTokens,
	}
	chunks, err := e.client.Chat(ctx, entry, req)
	if err == nil {
		var res *llm.Result
		res, err = llm.Collect(ctx, chunks)
		if err == nil {
			r.opts.Collector.EndSpan(spanID, res.Content, res.InputTokens, res.OutputTokens, nil)
			if e.metrics != nil {
				e.metrics.RecordNodeExecution(string(node.Type), "success")
				e.metrics.RecordLLMRequest(providerLabel(entry), entry.Model, "success", time.Since(start).Seconds())
				e.metrics.RecordTokens(providerLabel(entry), entry.Model, res.InputTokens, res.OutputTokens)
			}
			return res.Content, nil
		}
	}

	wrapped := fmt.Errorf("node %s: %w: %v", node.ID, ErrLLM, err)
	if node.Type == config.NodeWorker {
		wrapped = fmt.Errorf("node %s: %w: %v", node.ID, ErrWorkerFailed, err)
	}
	r.opts.Collector.EndSpan(spanID, "", 0, 0, err)
	if e.metrics != nil {
		e.metrics.RecordNodeExecution(string(node.Type), "error")
		e.metrics.RecordLLMRequest(providerLabel(entry), entry.Model, "error", time.Since(start).Seconds())
	}
	return "", wrapped
}

// selectOutput returns the last non-empty result among the from endpoints of
// edges terminating at the output terminal, in edge order.
func (r *run) selectOutput() string {
	output := ""
	for i := range r.cfg.Edges {
		edge := &r.cfg.Edges[i]
		if !edge.To.Contains(config.TerminalOutput) {
			continue
		}
		for _, from := range edge.From {
			if v, ok := r.ec.Get(from); ok && v != "" {
				output = v
			}
		}
	}
	return output
}

func providerLabel(entry llm.ModelEntry) string {
	switch {
	case entry.IsLocal():
		return "ollama"
	case strings.HasPrefix(entry.Model, "claude-"):
		return "anthropic"
	default:
		return "openai"
	}
}
