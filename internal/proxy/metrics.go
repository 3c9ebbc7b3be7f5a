package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for proxied traffic and token refreshes.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	UpstreamErrors *prometheus.CounterVec
	StreamChunks   *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
}

// NewMetrics creates the proxy collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vertex_proxy_requests_total",
			Help: "Total number of proxied requests by route, relay mode and status code",
		}, []string{"route", "mode", "code"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vertex_proxy_request_duration_seconds",
			Help:    "Time from receiving a request to finishing its relay",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"route", "mode"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vertex_proxy_upstream_errors_total",
			Help: "Total number of failed forwards by route and failure kind",
		}, []string{"route", "kind"}),
		StreamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vertex_proxy_stream_chunks_total",
			Help: "Total number of stream lines relayed to callers",
		}, []string{"route"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vertex_proxy_token_refreshes_total",
			Help: "Total number of access token refreshes by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveTokenRefresh matches the credentials.CacheOptions OnRefresh hook.
func (m *Metrics) ObserveTokenRefresh(err error, _ time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func modeLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}
