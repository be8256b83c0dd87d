// Package telemetry provides observability primitives for the guardian.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the guardian.
// RequestsTotal/RequestDuration are lifecycle-level (labeled by outcome and
// provider); HTTPRequestsTotal/HTTPRequestDuration are transport-level
// (labeled by method, route pattern, and status).
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	ProviderDuration    *prometheus.HistogramVec
	ProviderErrors      *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	RateLimitRejects    *prometheus.CounterVec
	QualityScore        prometheus.Histogram
	AlertsTotal         *prometheus.CounterVec
	TokensProcessed     *prometheus.CounterVec
	CostTotal           *prometheus.CounterVec
	UsageQueueLength    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "requests_total",
			Help:      "Total guarded requests by outcome.",
		}, []string{"outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "guardian",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end guarded request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route, and status.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "guardian",
			Name:                            "http_request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "guardian",
			Name:                            "provider_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "provider_errors_total",
			Help:      "Total upstream provider errors by kind.",
		}, []string{"provider", "kind"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
		}, []string{"provider"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "ratelimit_rejects_total",
			Help:      "Total admission rejections by limit type.",
		}, []string{"type"}),

		QualityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guardian",
			Name:      "quality_score",
			Help:      "Distribution of assessed response quality scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "alerts_total",
			Help:      "Total monitoring alerts by category and severity.",
		}, []string{"category", "severity"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "model"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "cost_usd_total",
			Help:      "Total accumulated provider cost in USD.",
		}, []string{"provider", "model"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ProviderDuration,
		m.ProviderErrors,
		m.BreakerState,
		m.RateLimitRejects,
		m.QualityScore,
		m.AlertsTotal,
		m.TokensProcessed,
		m.CostTotal,
		m.UsageQueueLength,
	)

	return m
}

// AlertRaised counts one raised alert. Satisfies the alert recorder's
// counter interface.
func (m *Metrics) AlertRaised(category, severity string) {
	m.AlertsTotal.WithLabelValues(category, severity).Inc()
}
