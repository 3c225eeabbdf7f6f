package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler Metrics
//
// These metrics expose admission gate pressure. Sustained queue depth or
// overload rejections mean the global cap is saturated.

var (
	// SchedulerInFlight tracks admitted chunk writes currently running.
	SchedulerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_scheduler_in_flight_writes",
			Help: "Number of chunk writes currently admitted",
		},
	)

	// SchedulerQueueDepth tracks requests waiting for admission.
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_scheduler_queue_depth",
			Help: "Number of chunk writes queued for admission",
		},
	)

	// SchedulerRejectsTotal counts admissions denied.
	// Labels: reason (overloaded, timeout)
	SchedulerRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_scheduler_rejects_total",
			Help: "Total admission rejections by reason",
		},
		[]string{"reason"},
	)
)
