// Package llm defines the provider abstraction and the model catalog used by
// the pipeline engine and the websocket gateway.
package llm

import "context"

// Provider is the streaming completion interface implemented by each backend.
// Complete returns a channel of chunks; the implementation spawns a goroutine
// that sends chunks and closes the channel when the stream ends.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", "ollama").
	Name() string

	// Complete sends a completion request and streams the response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is a provider-agnostic chat completion request.
type CompletionRequest struct {
	// Model is the provider-native model name (not a catalog id).
	Model string

	// System is the system prompt, if any.
	System string

	// Messages is the conversation history, oldest first.
	Messages []CompletionMessage

	// MaxTokens caps the completion length; 0 uses the provider default.
	MaxTokens int

	// Temperature controls sampling; 0 uses the provider default.
	Temperature float32

	// Verbose requests backend timing metrics where the transport
	// supports them (Ollama native only).
	Verbose bool
}

// CompletionMessage is a single message in the conversation.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChunk is a single streamed event. Text chunks arrive first; the
// final chunk has Done set and carries usage counts. A chunk with Error set
// terminates the stream.
type CompletionChunk struct {
	Text         string
	Done         bool
	Error        error
	InputTokens  int
	OutputTokens int

	// Timings is populated on the final chunk by the native Ollama
	// transport when the request asked for verbose metrics.
	Timings *OllamaTimings
}

// OllamaTimings carries Ollama's per-request performance counters,
// converted from nanoseconds to milliseconds.
type OllamaTimings struct {
	LoadDurationMs  int64
	PromptEvalMs    int64
	EvalMs          int64
	EvalCount       int
	PromptEvalCount int
	TotalDurationMs int64
}

// TokensPerSecond derives generation throughput from the eval counters.
// Returns 0 when the counters are missing.
func (t *OllamaTimings) TokensPerSecond() float64 {
	if t == nil || t.EvalMs <= 0 || t.EvalCount <= 0 {
		return 0
	}
	return float64(t.EvalCount) / (float64(t.EvalMs) / 1000.0)
}

// ModelEntry is one row of the model catalog exposed to clients.
type ModelEntry struct {
	// ID is the stable catalog identifier clients select by.
	ID string `json:"id"`

	// Name is the human-readable label.
	Name string `json:"name"`

	// Model is the provider-native model name.
	Model string `json:"model"`

	// APIBase is set for locally served models (Ollama); empty for cloud.
	APIBase string `json:"api_base,omitempty"`
}

// IsLocal reports whether the entry points at a locally served backend.
func (m ModelEntry) IsLocal() bool {
	return m.APIBase != ""
}

// Result accumulates a fully consumed stream.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Timings      *OllamaTimings
}

// Collect drains a chunk stream into a Result. It returns the first chunk
// error encountered; partial content collected before the error is kept.
// Every return path leaves the channel drained so the producer goroutine,
// which sends without watching the context, can finish and exit.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk) (*Result, error) {
	res := &Result{}
	for {
		select {
		case <-ctx.Done():
			go drain(chunks)
			return res, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return res, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				go drain(chunks)
				return res, chunk.Error
			}
			res.Content += chunk.Text
			if chunk.InputTokens > 0 {
				res.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				res.OutputTokens = chunk.OutputTokens
			}
			if chunk.Timings != nil {
				res.Timings = chunk.Timings
			}
			if chunk.Done {
				drain(chunks)
				return res, nil
			}
		}
	}
}

// drain consumes the remainder of an abandoned stream until the producer
// closes it.
func drain(chunks <-chan *CompletionChunk) {
	for range chunks {
	}
}
