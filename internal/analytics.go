package internal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	paniniRESTRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panini_rest_requests_total",
			Help: "Panini REST requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	paniniRESTRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panini_rest_request_duration_seconds",
			Help:    "Panini REST round trip duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	paniniRESTRateLimits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panini_rest_ratelimits_total",
			Help: "Panini REST rate limit waits",
		},
		[]string{"route", "global"},
	)

	paniniRESTBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "panini_rest_buckets",
			Help: "Number of live rate limit buckets",
		},
	)

	paniniGatewayStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "panini_gateway_status",
			Help: "Current gateway connection status",
		},
	)

	paniniGatewayLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "panini_gateway_latency",
			Help: "Panini Gateway heartbeat latency in milliseconds",
		},
	)

	paniniGatewayReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "panini_gateway_reconnects_total",
			Help: "Panini Gateway reconnect attempts",
		},
	)

	paniniVoiceJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panini_voice_joins_total",
			Help: "Panini voice join attempts by result",
		},
		[]string{"result"},
	)
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers all collectors with the default registerer.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(paniniRESTRequests)
		prometheus.MustRegister(paniniRESTRequestDuration)
		prometheus.MustRegister(paniniRESTRateLimits)
		prometheus.MustRegister(paniniRESTBuckets)
		prometheus.MustRegister(paniniGatewayStatus)
		prometheus.MustRegister(paniniGatewayLatency)
		prometheus.MustRegister(paniniGatewayReconnects)
		prometheus.MustRegister(paniniVoiceJoins)
	})
}
