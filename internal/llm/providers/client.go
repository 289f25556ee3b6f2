package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/llm"
)

// ClientConfig wires the unified client to its backends.
type ClientConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// OpenAIBaseURL overrides the hosted OpenAI endpoint when set.
	OpenAIBaseURL string

	// OllamaBaseURL is the default native Ollama server, used for model
	// lifecycle calls when an entry carries no APIBase.
	OllamaBaseURL string

	OllamaTimeout time.Duration
}

// Client routes completion requests to the right backend for a catalog
// entry:
//
//   - model names starting with "claude-" go to Anthropic
//   - everything else goes through the OpenAI-compatible API, using the
//     entry's APIBase when set (local models) or the hosted endpoint
//   - verbose requests against a local entry use the native Ollama
//     transport, which is the only one that reports timing counters
type Client struct {
	cfg       ClientConfig
	anthropic *AnthropicProvider

	mu     sync.Mutex
	openai map[string]*OpenAIProvider // keyed by base URL ("" = hosted)
	ollama map[string]*OllamaProvider // keyed by native base URL
}

// NewClient creates the unified client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:       cfg,
		anthropic: NewAnthropicProvider(AnthropicConfig{APIKey: cfg.AnthropicAPIKey}),
		openai:    map[string]*OpenAIProvider{},
		ollama:    map[string]*OllamaProvider{},
	}
}

// Chat streams a completion for the given catalog entry. The request's Model
// field is overwritten with the entry's provider-native name.
func (c *Client) Chat(ctx context.Context, entry llm.ModelEntry, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	req.Model = entry.Model
	return c.providerFor(entry, req.Verbose).Complete(ctx, req)
}

// Warm loads a model into memory by running a throwaway one-word completion
// and draining the stream.
func (c *Client) Warm(ctx context.Context, entry llm.ModelEntry) error {
	req := &llm.CompletionRequest{
		Model:     entry.Model,
		Messages:  []llm.CompletionMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	}
	chunks, err := c.Chat(ctx, entry, req)
	if err != nil {
		return err
	}
	_, err = llm.Collect(ctx, chunks)
	return err
}

// Unload evicts a local model from the serving runtime. Cloud entries are a
// no-op; there is nothing to evict.
func (c *Client) Unload(ctx context.Context, entry llm.ModelEntry) error {
	if !entry.IsLocal() {
		return nil
	}
	base := entry.APIBase
	if base == "" {
		base = c.cfg.OllamaBaseURL
	}
	return c.ollamaFor(base).Unload(ctx, entry.Model)
}

func (c *Client) providerFor(entry llm.ModelEntry, verbose bool) llm.Provider {
	if verbose && entry.IsLocal() {
		return c.ollamaFor(entry.APIBase)
	}
	if strings.HasPrefix(entry.Model, "claude-") {
		return c.anthropic
	}
	return c.openaiFor(entry.APIBase)
}

func (c *Client) openaiFor(baseURL string) *OpenAIProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.openai[baseURL]; ok {
		return p
	}
	cfg := OpenAIConfig{APIKey: c.cfg.OpenAIAPIKey, BaseURL: c.cfg.OpenAIBaseURL}
	if baseURL != "" {
		// Local OpenAI-compatible servers ignore the key but the SDK
		// requires one.
		cfg = OpenAIConfig{APIKey: "ollama", BaseURL: baseURL}
	}
	p := NewOpenAIProvider(cfg)
	c.openai[baseURL] = p
	return p
}

func (c *Client) ollamaFor(baseURL string) *OllamaProvider {
	key := normalizeOllamaBase(baseURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.ollama[key]; ok {
		return p
	}
	p := NewOllamaProvider(OllamaConfig{BaseURL: baseURL, Timeout: c.cfg.OllamaTimeout})
	c.ollama[key] = p
	return p
}
