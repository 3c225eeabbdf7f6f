package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP Metrics
//
// These metrics track API endpoint performance and rate limiting.

var (
	// HTTPRequestDuration tracks HTTP request processing time.
	// Labels: method, route, status
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stitch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestsTotal counts HTTP requests by endpoint and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RateLimitedRequests counts requests denied by a token bucket.
	// Labels: bucket (general, upload, monitoring)
	RateLimitedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_rate_limited_requests_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"bucket"},
	)

	// ActiveWebSocketConnections tracks open progress-feed connections.
	ActiveWebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_websocket_connections",
			Help: "Number of active websocket progress connections",
		},
	)
)
