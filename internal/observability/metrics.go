package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Pipeline runs and per-node executions
//   - LLM request performance, status and token consumption
//   - WebSocket session activity
//   - Trace store query latencies
type Metrics struct {
	// PipelineRunCounter counts pipeline runs.
	// Labels: pipeline_id, status (success|error)
	PipelineRunCounter *prometheus.CounterVec

	// PipelineRunDuration measures end-to-end pipeline run latency in seconds.
	// Labels: pipeline_id
	PipelineRunDuration *prometheus.HistogramVec

	// NodeExecutionCounter counts node executions.
	// Labels: node_type, status (success|error)
	NodeExecutionCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// WSMessageCounter tracks websocket frames by direction.
	// Labels: direction (inbound|outbound)
	WSMessageCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current websocket sessions.
	ActiveSessions prometheus.Gauge

	// StoreQueryDuration measures trace/pipeline store query latency.
	// Labels: operation (select|insert|update|delete), table
	StoreQueryDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (engine|provider|gateway|store), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at application startup; the metrics are served by the
// prometheus HTTP handler at /metrics.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the metrics with a caller-supplied
// registerer. Tests use this with a fresh registry to avoid duplicate
// registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PipelineRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_pipeline_runs_total",
				Help: "Total number of pipeline runs by pipeline and status",
			},
			[]string{"pipeline_id", "status"},
		),

		PipelineRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_pipeline_run_duration_seconds",
				Help:    "Duration of pipeline runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"pipeline_id"},
		),

		NodeExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_node_executions_total",
				Help: "Total number of node executions by node type and status",
			},
			[]string{"node_type", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		WSMessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_ws_messages_total",
				Help: "Total number of websocket frames by direction",
			},
			[]string{"direction"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_sessions",
				Help: "Current number of active websocket sessions",
			},
		),

		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_store_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordPipelineRun records a finished pipeline run.
func (m *Metrics) RecordPipelineRun(pipelineID, status string, seconds float64) {
	m.PipelineRunCounter.WithLabelValues(pipelineID, status).Inc()
	m.PipelineRunDuration.WithLabelValues(pipelineID).Observe(seconds)
}

// RecordNodeExecution records a single node execution.
func (m *Metrics) RecordNodeExecution(nodeType, status string) {
	m.NodeExecutionCounter.WithLabelValues(nodeType, status).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(provider, model string, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// WSMessageReceived increments the inbound websocket frame counter.
func (m *Metrics) WSMessageReceived() {
	m.WSMessageCounter.WithLabelValues("inbound").Inc()
}

// WSMessageSent increments the outbound websocket frame counter.
func (m *Metrics) WSMessageSent() {
	m.WSMessageCounter.WithLabelValues("outbound").Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// ObserveStoreQuery records the latency of one store query.
func (m *Metrics) ObserveStoreQuery(operation, table string, seconds float64) {
	m.StoreQueryDuration.WithLabelValues(operation, table).Observe(seconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
