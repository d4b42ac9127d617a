// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine records into. A nil *Metrics is
// valid and records nothing, so tests and tools can skip registration.
type Metrics struct {
	registry *prometheus.Registry

	NodeDuration  *prometheus.HistogramVec
	BuildRetries  prometheus.Counter
	ExecRetries   prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	LLMTokens     *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
	TaskOutcomes  *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askviz",
			Name:      "graph_node_duration_seconds",
			Help:      "Wall-clock duration of each agent graph node.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"node"}),
		BuildRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "build_retries_total",
			Help:      "Query build attempts beyond the first.",
		}),
		ExecRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "execution_retries_total",
			Help:      "Execution rounds beyond the first.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "query_cache_hits_total",
			Help:      "VDS query results served from the fingerprint cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "query_cache_misses_total",
			Help:      "VDS query executions that went upstream.",
		}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "askviz",
			Name:      "active_streams",
			Help:      "SSE streams currently open.",
		}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askviz",
			Name:      "orchestrator_tasks_total",
			Help:      "Orchestrator task outcomes.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.NodeDuration, m.BuildRetries, m.ExecRetries,
		m.CacheHits, m.CacheMisses, m.LLMTokens,
		m.ActiveStreams, m.TaskOutcomes,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveNode records one node execution. Nil-safe.
func (m *Metrics) ObserveNode(node string, seconds float64) {
	if m == nil {
		return
	}
	m.NodeDuration.WithLabelValues(node).Observe(seconds)
}

// RecordTokens adds prompt and completion token counts. Nil-safe.
func (m *Metrics) RecordTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues("prompt").Add(float64(prompt))
	m.LLMTokens.WithLabelValues("completion").Add(float64(completion))
}

// RecordBuildRetry counts a repeated build attempt. Nil-safe.
func (m *Metrics) RecordBuildRetry() {
	if m == nil {
		return
	}
	m.BuildRetries.Inc()
}

// RecordExecRetry counts a repeated execution round. Nil-safe.
func (m *Metrics) RecordExecRetry() {
	if m == nil {
		return
	}
	m.ExecRetries.Inc()
}

// RecordCache counts a cache lookup outcome. Nil-safe.
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// StreamStarted and StreamEnded track the active stream gauge. Nil-safe.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge. Nil-safe.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordTask counts one orchestrator task outcome. Nil-safe.
func (m *Metrics) RecordTask(status string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(status).Inc()
}
