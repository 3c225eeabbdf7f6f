package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reaper Metrics

var (
	// ReapedSessionsTotal counts sessions reclaimed by the reaper.
	// Labels: reason (stale, retention)
	ReapedSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_reaped_sessions_total",
			Help: "Total sessions reclaimed by the reaper",
		},
		[]string{"reason"},
	)

	// ReaperRunDuration tracks how long each reaper pass takes.
	ReaperRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_reaper_run_duration_seconds",
			Help:    "Reaper pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)
