package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus collector set behind /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	SessionCredits   *prometheus.GaugeVec
	UserCreditsUsed  *prometheus.GaugeVec
	BytesTransferred *prometheus.CounterVec
	Concurrent       prometheus.Gauge
}

// NewMetrics builds and registers the collector set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surfgate_requests_total",
			Help: "Completed gateway requests by route, mode and status.",
		}, []string{"route", "mode", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surfgate_request_duration_seconds",
			Help:    "Gateway request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surfgate_upstream_errors_total",
			Help: "Upstream transport failures by target kind.",
		}, []string{"kind"}),
		SessionCredits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surfgate_session_credits_remaining",
			Help: "Credits remaining per pool session.",
		}, []string{"session"}),
		UserCreditsUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surfgate_user_credits_used",
			Help: "Credits consumed per user.",
		}, []string{"user"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surfgate_bytes_total",
			Help: "Bytes moved through the gateway by direction.",
		}, []string{"direction"}),
		Concurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surfgate_concurrent_requests",
			Help: "Requests currently in flight.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamErrors,
		m.SessionCredits,
		m.UserCreditsUsed,
		m.BytesTransferred,
		m.Concurrent,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
