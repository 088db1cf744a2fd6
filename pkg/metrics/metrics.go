// Package metrics provides Prometheus instrumentation for Quarry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for Quarry.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	RateLimitDenials  *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec
	SearchCandidates  *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	SessionsActive    prometheus.Gauge
	LastUsedDropTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all Quarry metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_requests_total",
				Help: "Total JSON-RPC requests by method and status code.",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quarry_request_duration_seconds",
				Help:    "JSON-RPC request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_tool_calls_total",
				Help: "Total tool executions by tool name and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quarry_tool_call_duration_seconds",
				Help:    "Tool execution latency distribution.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_rate_limit_denials_total",
				Help: "Requests denied by the rate limiter, by window.",
			},
			[]string{"window"},
		),
		UpstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_upstream_retries_total",
				Help: "Retries against upstream services (embedding, rerank).",
			},
			[]string{"upstream"},
		),
		SearchCandidates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quarry_search_candidates",
				Help:    "Candidate counts per search, by pipeline stage.",
				Buckets: []float64{0, 5, 10, 25, 50, 100, 200, 400},
			},
			[]string{"stage"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quarry_active_requests",
				Help: "Number of requests currently being processed.",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quarry_sessions_active",
				Help: "Number of live MCP sessions.",
			},
		),
		LastUsedDropTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quarry_last_used_drops_total",
				Help: "Last-used updates dropped because the queue was full.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.RateLimitDenials,
		m.UpstreamRetries,
		m.SearchCandidates,
		m.ActiveRequests,
		m.SessionsActive,
		m.LastUsedDropTotal,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed JSON-RPC request.
func (m *Metrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(tool, outcome string, duration time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSearchStage records candidate counts at a pipeline stage.
func (m *Metrics) RecordSearchStage(stage string, count int) {
	m.SearchCandidates.WithLabelValues(stage).Observe(float64(count))
}

// RecordUpstreamRetry records one retry against an upstream service.
func (m *Metrics) RecordUpstreamRetry(upstream string) {
	m.UpstreamRetries.WithLabelValues(upstream).Inc()
}

// RecordRateLimitDenial records a denial by window type.
func (m *Metrics) RecordRateLimitDenial(window string) {
	m.RateLimitDenials.WithLabelValues(window).Inc()
}
