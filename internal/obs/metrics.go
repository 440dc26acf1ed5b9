// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgucard_jobs_inserted_total",
		Help: "Total number of jobs inserted by producers",
	})
	JobsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sgucard_jobs_skipped_total",
		Help: "Total number of producer de-duplication skips, by reason",
	}, []string{"reason"})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgucard_jobs_claimed_total",
		Help: "Total number of jobs claimed by the dispatcher",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgucard_jobs_completed_total",
		Help: "Total number of jobs that reached status=success",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgucard_jobs_failed_total",
		Help: "Total number of jobs that reached status=error",
	})
	JobsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgucard_jobs_purged_total",
		Help: "Total number of stale processing rows recycled to pending",
	})
	DispatchCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sgucard_dispatch_cycle_duration_seconds",
		Help:    "Wall time of one dispatcher loop iteration",
		Buckets: prometheus.DefBuckets,
	})
	VerifyCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sgucard_verify_call_duration_seconds",
		Help:    "Duration of the worker's HTTP call to a backend's verify endpoint",
		Buckets: prometheus.DefBuckets,
	})
	BackendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sgucard_backend_healthy",
		Help: "1 if the backend's last liveness probe passed, else 0",
	}, []string{"backend"})
	BackendBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sgucard_backend_busy",
		Help: "1 if the backend currently has a worker dispatched to it, else 0",
	}, []string{"backend"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sgucard_circuit_breaker_state",
		Help: "Per-backend verify-call circuit breaker state: 0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sgucard_circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		JobsInserted, JobsSkipped, JobsClaimed, JobsCompleted, JobsFailed, JobsPurged,
		DispatchCycleDuration, VerifyCallDuration,
		BackendHealthy, BackendBusy, CircuitBreakerState, CircuitBreakerTrips,
	)
}
