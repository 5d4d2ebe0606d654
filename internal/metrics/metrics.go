// Package metrics exposes the scan orchestration core's Prometheus
// instrumentation, following the teacher's promauto registration style.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scanorch_queue_depth",
		Help: "Pending job count per library and kind.",
	}, []string{"library", "kind"})

	DequeueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanorch_dequeue_latency_seconds",
		Help:    "Time from enqueue to dequeue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	SchedulerReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanorch_scheduler_reservations_total",
		Help: "Scheduler reservation outcomes.",
	}, []string{"library", "outcome"})

	BudgetWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanorch_budget_wait_seconds",
		Help:    "Time spent waiting to acquire a workload-class budget token.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanorch_bus_drop_total",
		Help: "Total number of broadcast bus message drops (backpressure).",
	}, []string{"stream", "reason"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanorch_dispatch_duration_seconds",
		Help:    "Dispatcher execution time per job kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	AggregatorPhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanorch_aggregator_phase_transitions_total",
		Help: "Scan run phase transitions.",
	}, []string{"to"})
)

// ObserveDequeueLatency records the wait between enqueue and dequeue.
func ObserveDequeueLatency(kind string, d time.Duration) {
	DequeueLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// IncBusDrop records a dropped bus message for the given stream/reason.
func IncBusDrop(stream, reason string) {
	if stream == "" {
		stream = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDropsTotal.WithLabelValues(stream, reason).Inc()
}
