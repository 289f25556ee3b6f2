// Package gateway exposes the engine over HTTP and WebSocket: the session
// protocol, the pipeline and trace APIs, and model lifecycle endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/llm/providers"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/pipelines"
	"github.com/haasonsaas/loom/internal/trace"
)

// llmClient is the slice of the provider client the gateway needs.
// *providers.Client satisfies it; tests substitute fakes.
type llmClient interface {
	Chat(ctx context.Context, entry llm.ModelEntry, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error)
	Warm(ctx context.Context, entry llm.ModelEntry) error
	Unload(ctx context.Context, entry llm.ModelEntry) error
}

// Server wires the catalog, engine and stores behind the HTTP surface.
type Server struct {
	config   *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry

	catalog   *llm.Catalog
	client    llmClient
	engine    *engine.Engine
	traces    *trace.Store
	userPipes *pipelines.Store
	presets   *config.PresetRegistry

	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time
}

// New assembles a server from configuration: provider client, model catalog,
// engine, trace and pipeline stores, preset registry.
func New(cfg *config.Config, logger *observability.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry(registry)

	catalog := llm.NewCatalog(nil)
	client := providers.NewClient(providers.ClientConfig{
		AnthropicAPIKey: cfg.LLM.Anthropic.APIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.LLM.OpenAI.BaseURL,
		OllamaBaseURL:   cfg.LLM.Ollama.BaseURL,
		OllamaTimeout:   cfg.LLM.Ollama.Timeout,
	})

	traces, err := trace.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("trace store: %w", err)
	}
	traces.SetMetrics(metrics)
	userPipes, err := pipelines.NewStore(cfg.Database.Path, logger)
	if err != nil {
		_ = traces.Close() //nolint:errcheck
		return nil, fmt.Errorf("pipeline store: %w", err)
	}
	if err := userPipes.SeedExamples(context.Background(), cfg.Pipelines.ExamplesPath); err != nil && logger != nil {
		logger.Warn(context.Background(), "seeding example pipelines failed", "error", err)
	}

	resolver := &llm.Resolver{Catalog: catalog}
	return &Server{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
		catalog:   catalog,
		client:    client,
		engine:    engine.New(client, resolver, logger, metrics),
		traces:    traces,
		userPipes: userPipes,
		presets:   config.LoadPresets(cfg.Pipelines.PresetDir, logger),
		startTime: time.Now(),
	}, nil
}

// Start discovers local models and begins serving HTTP. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	s.discoverLocalModels(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(context.Background(), "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "server started",
			"addr", addr,
			"models", len(s.catalog.List()),
			"presets", s.presets.Len())
	}
	return nil
}

// Shutdown stops the HTTP server and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "http shutdown error", "error", err)
		}
		s.httpServer = nil
		s.httpListener = nil
	}
	var errs []error
	if err := s.traces.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.userPipes.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr returns the bound listen address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *Server) discoverLocalModels(ctx context.Context) {
	local, err := llm.DiscoverOllama(ctx, s.config.LLM.Ollama.BaseURL)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "ollama discovery failed",
				"base_url", s.config.LLM.Ollama.BaseURL, "error", err)
		}
		return
	}
	s.catalog.SetLocal(local)
}

// lookupPipeline resolves a pipeline id against the presets first, then the
// user store.
func (s *Server) lookupPipeline(id string) (*config.PipelineConfig, bool) {
	if cfg, ok := s.presets.Get(id); ok {
		return cfg, true
	}
	return s.userPipes.Lookup(id)
}

func (s *Server) maxTokens() int {
	return s.config.LLM.MaxTokens
}

// defaultModelID substitutes the configured default when a request names no
// model. An empty result resolves to the catalog's first entry.
func (s *Server) defaultModelID(requested string) string {
	if requested != "" {
		return requested
	}
	return s.config.LLM.DefaultModel
}
