package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload Session Metrics
//
// These metrics track upload sessions from init to a terminal state.

var (
	// SessionsTotal counts session outcomes.
	// Labels: status (completed, failed, aborted)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_sessions_total",
			Help: "Total number of upload sessions by terminal status",
		},
		[]string{"status"},
	)

	// ActiveSessions tracks sessions in a non-terminal state.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_active_sessions",
			Help: "Number of sessions currently accepting chunks",
		},
	)

	// SessionDuration tracks time from first chunk to completion.
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_session_duration_seconds",
			Help:    "Upload session duration from first chunk to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
	)

	// FinalObjectSize tracks the size of assembled objects in bytes.
	FinalObjectSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_final_object_size_bytes",
			Help:    "Assembled final object size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~16GB
		},
	)

	// AssemblyDuration tracks the time spent concatenating chunks.
	AssemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_assembly_duration_seconds",
			Help:    "Final object assembly duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)
)
