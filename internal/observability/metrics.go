package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process metrics surface.
//
// It tracks:
//   - Turns started and finished per outcome
//   - Model request counts and latency by provider and model
//   - Tool execution counts and latency
//   - Compression rounds and permission outcomes
//   - HTTP request counts and latency
type Metrics struct {
	// TurnCounter counts agent turns by outcome.
	// Labels: outcome (answer|error|stopped)
	TurnCounter *prometheus.CounterVec

	// LLMRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model request latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CompressionRounds counts boundary advances of the context
	// compressor.
	CompressionRounds prometheus.Counter

	// PermissionOutcomes counts resolved permission requests.
	// Labels: outcome (approved|denied|timeout)
	PermissionOutcomes *prometheus.CounterVec

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns prometheus.Gauge

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics. Pass nil to register
// with the default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CompressionRounds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "anvil_compression_rounds_total",
				Help: "Total number of successful context compression rounds",
			},
		),

		PermissionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_permission_outcomes_total",
				Help: "Total number of resolved permission requests by outcome",
			},
			[]string{"outcome"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "anvil_active_turns",
				Help: "Number of agent turns currently in flight",
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// TurnStarted marks a turn as in flight.
func (m *Metrics) TurnStarted() {
	m.ActiveTurns.Inc()
}

// TurnFinished records a completed turn and its outcome.
func (m *Metrics) TurnFinished(outcome string) {
	m.ActiveTurns.Dec()
	m.TurnCounter.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records one model request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCompressionRound records one successful boundary advance.
func (m *Metrics) RecordCompressionRound() {
	m.CompressionRounds.Inc()
}

// RecordPermissionOutcome records a resolved permission request.
func (m *Metrics) RecordPermissionOutcome(outcome string) {
	m.PermissionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
