// Package telemetry provides observability primitives for the Porter relay.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	KeysAvailable    *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
	LogsDropped      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "porter",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "porter",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "porter",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "porter",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "porter",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "porter",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		KeysAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "porter",
			Name:      "keys_available",
			Help:      "Number of usable keys per provider.",
		}, []string{"provider"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "porter",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
		}, []string{"provider"}),

		LogsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "porter",
			Name:      "request_logs_dropped_total",
			Help:      "Request log entries dropped due to a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.TokensProcessed,
		m.KeysAvailable,
		m.BreakerState,
		m.LogsDropped,
	)

	return m
}

// ObserveUpstream records one upstream call outcome.
func (m *Metrics) ObserveUpstream(provider, model string, status int, latency time.Duration) {
	if latency > 0 {
		m.UpstreamDuration.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
	if status >= 400 {
		m.UpstreamErrors.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	}
}

// ObserveTokens records token throughput for a model.
func (m *Metrics) ObserveTokens(model string, prompt, completion int) {
	if prompt > 0 {
		m.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensProcessed.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// SetBreakerState exports a provider's breaker state as a numeric gauge.
func (m *Metrics) SetBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}
