package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/trace"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	server   *Server
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		logger: s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: h.server,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	if h.server.metrics != nil {
		h.server.metrics.SessionOpened()
	}
	session.run()
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id          string
	initialized atomic.Bool
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	close(s.send)
	_ = s.conn.Close()
	if s.server.metrics != nil {
		s.server.metrics.SessionClosed()
	}
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		if s.server.metrics != nil {
			s.server.metrics.WSMessageReceived()
		}

		var payload WsPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			if s.server.logger != nil {
				s.server.logger.Warn(s.ctx, "dropping malformed frame",
					"session_id", s.id, "error", err)
			}
			continue
		}

		// Frames arriving before init are ignored until the client
		// completes the handshake.
		if !s.initialized.Load() {
			if payload.Init {
				s.handleInit()
			}
			continue
		}

		s.dispatch(&payload)
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			if s.server.metrics != nil {
				s.server.metrics.WSMessageSent()
			}
		}
	}
}

func (s *wsSession) handleInit() {
	resp := InitResponse{
		Models:  s.server.catalog.List(),
		Presets: s.server.presets.List(),
		Configs: s.server.userPipes.Configs(),
	}
	s.enqueue(resp)
	s.initialized.Store(true)
	if s.server.logger != nil {
		s.server.logger.Info(s.ctx, "session initialized", "session_id", s.id)
	}
}

// dispatch handles one post-handshake frame. Lifecycle commands win over
// chat; a frame with no message and no command is a no-op.
func (s *wsSession) dispatch(p *WsPayload) {
	switch {
	case p.WakeModelID != "":
		s.handleWake(p.WakeModelID, p.UnloadModelID)
	case p.UnloadModelID != "":
		s.handleUnload(p.UnloadModelID)
	case strings.TrimSpace(p.Message) == "":
		return
	case p.Verbose && s.server.catalog.Get(s.server.defaultModelID(p.ModelID)).IsLocal():
		// Verbose requests against a local model bypass pipelines so the
		// end frame can carry the native timing counters.
		s.handleChat(p)
	case p.PipelineConfig != nil:
		s.runPipeline(p, p.PipelineConfig)
	case p.PipelineID != "":
		cfg, ok := s.server.lookupPipeline(p.PipelineID)
		if !ok {
			if s.server.logger != nil {
				s.server.logger.Warn(s.ctx, "unknown pipeline",
					"session_id", s.id, "pipeline_id", p.PipelineID)
			}
			s.sendFailure(0)
			return
		}
		s.runPipeline(p, cfg)
	default:
		s.handleChat(p)
	}
}

// handleWake warms a model, evicting the frame's previous model in parallel
// when the payload names one.
func (s *wsSession) handleWake(modelID, previousID string) {
	s.enqueue(statusFrame{ModelStatus: modelStatusLoading})
	entry := s.server.catalog.Get(modelID)

	var g errgroup.Group
	if previousID != "" && previousID != modelID {
		prev := s.server.catalog.Get(previousID)
		g.Go(func() error {
			return s.server.client.Unload(s.ctx, prev)
		})
	}
	g.Go(func() error {
		return s.server.client.Warm(s.ctx, entry)
	})
	if err := g.Wait(); err != nil {
		if s.server.logger != nil {
			s.server.logger.Warn(s.ctx, "model warmup failed",
				"session_id", s.id, "model", entry.Model, "error", err)
		}
		if s.server.metrics != nil {
			s.server.metrics.RecordError("gateway", "warmup")
		}
	}
	s.enqueue(statusFrame{ModelStatus: modelStatusReady})
}

func (s *wsSession) handleUnload(modelID string) {
	s.enqueue(statusFrame{ModelStatus: modelStatusUnloading})
	entry := s.server.catalog.Get(modelID)
	if err := s.server.client.Unload(s.ctx, entry); err != nil {
		if s.server.logger != nil {
			s.server.logger.Warn(s.ctx, "model unload failed",
				"session_id", s.id, "model", entry.Model, "error", err)
		}
		if s.server.metrics != nil {
			s.server.metrics.RecordError("gateway", "unload")
		}
	}
	s.enqueue(statusFrame{ModelStatus: modelStatusReady})
}

// handleChat streams a direct completion over the session. Verbose requests
// against a local model go through the native transport so the end frame can
// carry timing counters.
func (s *wsSession) handleChat(p *WsPayload) {
	entry := s.server.catalog.Get(s.server.defaultModelID(p.ModelID))
	messages := make([]llm.CompletionMessage, 0, len(p.History)+1)
	messages = append(messages, p.History...)
	messages = append(messages, llm.CompletionMessage{Role: "user", Content: p.Message})

	req := &llm.CompletionRequest{
		Model:     entry.Model,
		Messages:  messages,
		MaxTokens: s.server.maxTokens(),
		Verbose:   p.Verbose && entry.IsLocal(),
	}

	start := time.Now()
	chunks, err := s.server.client.Chat(s.ctx, entry, req)
	if err != nil {
		s.chatFailed(entry, err, start)
		return
	}

	var final *llm.CompletionChunk
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			s.chatFailed(entry, chunk.Error, start)
			return
		}
		if chunk.Text != "" {
			s.enqueue(streamFrame{Text: chunk.Text})
		}
		if chunk.Done {
			final = chunk
			break
		}
	}

	meta := &endMetadata{ElapsedMs: time.Since(start).Milliseconds()}
	if final != nil {
		meta.InputTokens = final.InputTokens
		meta.OutputTokens = final.OutputTokens
		if t := final.Timings; t != nil {
			meta.LoadDurationMs = &t.LoadDurationMs
			meta.PromptEvalMs = &t.PromptEvalMs
			meta.EvalMs = &t.EvalMs
			tps := t.TokensPerSecond()
			meta.TokensPerSec = &tps
		}
	}
	s.enqueue(endFrame{Done: true, Metadata: meta})

	if s.server.metrics != nil && final != nil {
		s.server.metrics.RecordTokens(providerLabel(entry), entry.Model, final.InputTokens, final.OutputTokens)
	}
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

func (s *wsSession) chatFailed(entry llm.ModelEntry, err error, start time.Time) {
	if s.server.logger != nil {
		s.server.logger.Error(s.ctx, "chat generation failed",
			"session_id", s.id, "model", entry.Model, "error", err)
	}
	if s.server.metrics != nil {
		s.server.metrics.RecordError("gateway", "chat")
	}
	s.sendFailure(time.Since(start).Milliseconds())
}

// runPipeline executes a pipeline and streams its final output as a single
// frame. Each run is persisted as a trace.
func (s *wsSession) runPipeline(p *WsPayload, cfg *config.PipelineConfig) {
	collector := trace.NewTracingCollector(s.server.traces, s.server.logger, cfg.ID, cfg.Name, p.Message)
	ctx := observability.AddTraceID(s.ctx, collector.TraceID())

	start := time.Now()
	output, err := s.server.engine.Run(ctx, cfg, p.Message, engine.RunOptions{
		DefaultModelID: s.server.defaultModelID(p.ModelID),
		NodeModels:     p.NodeModels,
		Collector:      collector,
		MaxTokens:      s.server.maxTokens(),
	})
	if err != nil {
		if s.server.logger != nil {
			s.server.logger.Error(ctx, "pipeline run failed",
				"session_id", s.id, "pipeline_id", cfg.ID, "error", err)
		}
		if s.server.metrics != nil {
			s.server.metrics.RecordError("gateway", "pipeline")
		}
		s.sendFailure(time.Since(start).Milliseconds())
		return
	}

	if output != "" {
		s.enqueue(streamFrame{Text: output})
	}
	s.enqueue(endFrame{Done: true, Metadata: &endMetadata{
		ElapsedMs: time.Since(start).Milliseconds(),
	}})
}

// sendFailure streams the apology text followed by a normal end frame, so
// clients waiting on an end frame always unblock.
func (s *wsSession) sendFailure(elapsedMs int64) {
	s.enqueue(streamFrame{Text: apologyMessage})
	s.enqueue(endFrame{Done: true, Metadata: &endMetadata{ElapsedMs: elapsedMs}})
}

func (s *wsSession) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}
