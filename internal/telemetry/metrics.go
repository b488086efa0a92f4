// Package telemetry provides observability primitives for the Prism proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrors      *prometheus.CounterVec
	FallbacksTotal      *prometheus.CounterVec
	CredentialRefreshes *prometheus.CounterVec
	ConversionWarnings  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "prism",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "prism",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "fallbacks_total",
			Help:      "Total fallback transitions to a secondary selector.",
		}, []string{"provider"}),

		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "credential_refreshes_total",
			Help:      "Total OAuth token refresh attempts.",
		}, []string{"identity", "result"}),

		ConversionWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "conversion_warnings_total",
			Help:      "Total non-fatal format conversion warnings.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FallbacksTotal,
		m.CredentialRefreshes,
		m.ConversionWarnings,
	)

	return m
}
