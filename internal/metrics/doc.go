// Package metrics provides Prometheus metrics for the upload coordinator.
//
// The metrics are organized into logical modules:
//
//   - uploads.go: session lifecycle and final-object outcomes
//   - chunks.go: per-chunk write performance and outcomes
//   - scheduler.go: admission gate pressure and rejections
//   - reaper.go: background reclamation activity
//   - http.go: HTTP request performance and rate limiting
//
// All metrics are registered via promauto and exposed on /metrics.
package metrics
