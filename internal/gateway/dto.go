package gateway

import (
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/llm"
)

// WsPayload is the single inbound frame shape. Every field is optional; the
// session inspects them in a fixed priority order.
type WsPayload struct {
	UUID    string `json:"uuid,omitempty"`
	Init    bool   `json:"init,omitempty"`
	Message string `json:"message,omitempty"`

	// ModelID selects the session's model for direct chat and is the
	// default for pipeline nodes without a model of their own.
	ModelID string `json:"model_id,omitempty"`

	// PipelineID routes the message through a stored pipeline.
	PipelineID string `json:"pipeline_id,omitempty"`

	// PipelineConfig runs an ad-hoc pipeline without storing it. Takes
	// precedence over PipelineID.
	PipelineConfig *config.PipelineConfig `json:"pipeline_config,omitempty"`

	// NodeModels overrides model selection per node id for this run.
	NodeModels map[string]string `json:"node_models,omitempty"`

	// Verbose asks for backend timing metadata on the end frame. Only the
	// native Ollama transport reports timings.
	Verbose bool `json:"verbose,omitempty"`

	// WakeModelID preloads a model; UnloadModelID evicts one. Frames
	// carrying either are lifecycle commands, not chat.
	WakeModelID   string `json:"wake_model_id,omitempty"`
	UnloadModelID string `json:"unload_model_id,omitempty"`

	// History is the prior conversation for direct chat, oldest first.
	History []llm.CompletionMessage `json:"history,omitempty"`
}

// InitResponse answers the handshake frame: the model catalog, the built-in
// presets and the user's stored pipelines.
type InitResponse struct {
	Models  []llm.ModelEntry         `json:"models"`
	Presets []*config.PipelineConfig `json:"presets"`
	Configs []*config.PipelineConfig `json:"configs"`
}

// Outbound frames form an untagged union: exactly one of the three shapes is
// sent per frame, distinguished by which key is present.

type streamFrame struct {
	Text string `json:"on_chat_model_stream"`
}

type endFrame struct {
	Done     bool         `json:"on_chat_model_end"`
	Metadata *endMetadata `json:"metadata,omitempty"`
}

type endMetadata struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	ElapsedMs    int64 `json:"elapsed_ms"`

	// Ollama timing counters, present only on verbose local runs.
	LoadDurationMs *int64   `json:"load_duration_ms,omitempty"`
	PromptEvalMs   *int64   `json:"prompt_eval_ms,omitempty"`
	EvalMs         *int64   `json:"eval_ms,omitempty"`
	TokensPerSec   *float64 `json:"tokens_per_sec,omitempty"`
}

type statusFrame struct {
	ModelStatus string `json:"model_status"`
}

const (
	modelStatusLoading   = "loading"
	modelStatusReady     = "ready"
	modelStatusUnloading = "unloading"
)

// apologyMessage is streamed in place of a response when generation fails.
// The session then sends a normal end frame so clients always unblock.
const apologyMessage = "Sorry—there was an error generating the response."
