package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/trace"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /ws", s.newWSHandler())

	mux.HandleFunc("POST /wake", s.handleWake)
	mux.HandleFunc("POST /unload", s.handleUnload)

	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", s.handleCreatePipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.handleDeletePipeline)

	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("DELETE /api/traces/{id}", s.handleDeleteTrace)

	mux.HandleFunc("GET /api/metrics/summary", s.handleMetricsSummary)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK")) //nolint:errcheck
}

type wakeRequest struct {
	ModelID         string `json:"model_id"`
	PreviousModelID string `json:"previous_model_id,omitempty"`
}

// handleWake swaps the resident model: the previous model is evicted in
// parallel with warming the new one.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, ctx := errgroup.WithContext(r.Context())
	if req.PreviousModelID != "" && req.PreviousModelID != req.ModelID {
		prev := s.catalog.Get(req.PreviousModelID)
		g.Go(func() error {
			return s.client.Unload(ctx, prev)
		})
	}
	entry := s.catalog.Get(req.ModelID)
	g.Go(func() error {
		return s.client.Warm(ctx, entry)
	})

	if err := g.Wait(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": entry.ID})
}

type unloadRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req unloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entry := s.catalog.Get(req.ModelID)
	if err := s.client.Unload(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	records, err := s.userPipes.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validatePipelineJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := config.ParsePipeline(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.userPipes.Create(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	err := s.userPipes.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := trace.TraceQuery{
		PipelineID: params.Get("pipeline_id"),
		Status:     params.Get("status"),
		Limit:      trace.DefaultTraceLimit,
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		q.Offset = n
	}

	traces, err := s.traces.ListTraces(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if traces == nil {
		traces = []trace.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

// traceResponse is the detail envelope: the trace row, its spans, and the
// per-node aggregation derived from them.
type traceResponse struct {
	Trace   trace.Trace            `json:"trace"`
	Spans   []trace.SpanDetail     `json:"spans"`
	Metrics *trace.PipelineMetrics `json:"metrics"`
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	detail, err := s.traces.GetTrace(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, traceResponse{
		Trace:   detail.Trace,
		Spans:   detail.Spans,
		Metrics: detail.Metrics(),
	})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	err := s.traces.DeleteTrace(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.traces.MetricsSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
