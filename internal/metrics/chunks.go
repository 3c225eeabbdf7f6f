package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chunk Write Metrics
//
// These metrics track individual chunk writes through the validate ->
// admit -> persist pipeline. Use them to tune chunk size and the
// scheduler caps.

var (
	// ChunkWriteDuration tracks the time to persist individual chunks.
	ChunkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_chunk_write_duration_seconds",
			Help:    "Individual chunk write duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// ChunkWritesTotal counts chunk write outcomes.
	// Labels: status (accepted, duplicate, rejected, error)
	ChunkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_chunk_writes_total",
			Help: "Total number of chunk writes by outcome",
		},
		[]string{"status"},
	)

	// ChunkBytesTotal counts payload bytes durably written.
	ChunkBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stitch_chunk_bytes_total",
			Help: "Total chunk payload bytes durably written",
		},
	)

	// ValidationRejectsTotal counts validator rejections by layer.
	// Labels: layer (structural, mime, magic)
	ValidationRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_validation_rejects_total",
			Help: "Total validator rejections by layer",
		},
		[]string{"layer"},
	)
)

// RecordChunkAccepted records a newly persisted chunk of n bytes.
func RecordChunkAccepted(n int64) {
	ChunkWritesTotal.WithLabelValues("accepted").Inc()
	ChunkBytesTotal.Add(float64(n))
}

// RecordChunkDuplicate records an idempotent re-acknowledgement.
func RecordChunkDuplicate() {
	ChunkWritesTotal.WithLabelValues("duplicate").Inc()
}

// RecordChunkError records a failed chunk write.
func RecordChunkError() {
	ChunkWritesTotal.WithLabelValues("error").Inc()
}
