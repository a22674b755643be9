package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	StreamsTotal    *prometheus.CounterVec
	StreamDuration  *prometheus.HistogramVec
	EventsPublished *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "millrace_streams_total",
			Help: "Streaming turns processed, by model and terminal status.",
		}, []string{"model", "status"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "millrace_stream_duration_seconds",
			Help:    "Wall-clock duration of a streaming turn.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "millrace_events_published_total",
			Help: "Events appended to the session event log, by type.",
		}, []string{"type"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "millrace_tokens_total",
			Help: "Tokens consumed, by model and kind (input, output, cache_read, cache_write).",
		}, []string{"model", "kind"}),
	}
	reg.MustRegister(m.StreamsTotal, m.StreamDuration, m.EventsPublished, m.TokensTotal)
	return m
}

// ObserveStream records one finished streaming turn.
func (m *Metrics) ObserveStream(model, status string, seconds float64) {
	m.StreamsTotal.WithLabelValues(model, status).Inc()
	m.StreamDuration.WithLabelValues(model).Observe(seconds)
}

// ObserveTokens records token usage for a completed step.
func (m *Metrics) ObserveTokens(model string, input, output, cacheRead, cacheWrite int64) {
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(output))
	if cacheRead > 0 {
		m.TokensTotal.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		m.TokensTotal.WithLabelValues(model, "cache_write").Add(float64(cacheWrite))
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
