// Package metrics exposes the orchestrator's Prometheus metrics:
// package-level collectors registered once at init, served on the
// bridge's mux.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_workers_total",
			Help: "Total number of known worker instances by status",
		},
		[]string{"status"},
	)

	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_spawns_total",
			Help: "Total number of spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_spawn_duration_seconds",
			Help:    "Time from acquire() call to worker readiness",
			Buckets: prometheus.DefBuckets,
		},
	)

	InFlightSpawnsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_inflight_spawns_deduped_total",
			Help: "Total number of concurrent acquire() calls joined to an in-flight spawn instead of starting a new one",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_total",
			Help: "Total number of jobs created, by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_job_duration_seconds",
			Help:    "Job duration from creation to completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	BridgeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_bridge_requests_total",
			Help: "Total bridge HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	BridgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_bridge_request_duration_seconds",
			Help:    "Bridge HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ProfileLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_profile_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a profile lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeviceRegistryPruneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_device_registry_prune_seconds",
			Help:    "Duration of the device registry's best-effort prune pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		SpawnsTotal,
		SpawnDuration,
		InFlightSpawnsDeduped,
		JobsTotal,
		JobDuration,
		BridgeRequestsTotal,
		BridgeRequestDuration,
		ProfileLockWaitDuration,
		DeviceRegistryPruneDuration,
	)
}

// Handler returns the Prometheus HTTP exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for observation into a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a vector histogram
// for the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
