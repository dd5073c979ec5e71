// Package metrics exposes the scheduler's Prometheus instrumentation: tick
// duration, guard rejection counts by guard name, claims, spawns by
// blueprint, and job failures by job name — the per-tick, per-guard,
// per-job granularity the operational surface pages on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the scheduler registers. Built once at
// process start and passed by reference through the tick.
type Metrics struct {
	TickDuration     prometheus.Histogram
	GuardRejections  *prometheus.CounterVec
	Claims           prometheus.Counter
	Spawns           *prometheus.CounterVec
	JobFailures      *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "guard_rejections_total",
			Help:      "Count of guard-chain rejections, by guard name.",
		}, []string{"guard"}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "claims_total",
			Help:      "Count of successful task claims.",
		}),
		Spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "spawns_total",
			Help:      "Count of worker spawns, by blueprint.",
		}, []string{"blueprint"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "job_failures_total",
			Help:      "Count of housekeeping job failures, by job name.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octopoid",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each housekeeping job run, by job name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	reg.MustRegister(m.TickDuration, m.GuardRejections, m.Claims, m.Spawns, m.JobFailures, m.JobDuration)
	return m
}

// ObserveTick records d against the tick duration histogram.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// RecordGuardRejection increments the rejection counter for guardName.
func (m *Metrics) RecordGuardRejection(guardName string) {
	m.GuardRejections.WithLabelValues(guardName).Inc()
}

// RecordClaim increments the claims counter.
func (m *Metrics) RecordClaim() {
	m.Claims.Inc()
}

// RecordSpawn increments the spawns counter for blueprintName.
func (m *Metrics) RecordSpawn(blueprintName string) {
	m.Spawns.WithLabelValues(blueprintName).Inc()
}

// RecordJobFailure increments the job-failure counter for jobName.
func (m *Metrics) RecordJobFailure(jobName string) {
	m.JobFailures.WithLabelValues(jobName).Inc()
}

// ObserveJobDuration records d against jobName's duration histogram.
func (m *Metrics) ObserveJobDuration(jobName string, d time.Duration) {
	m.JobDuration.WithLabelValues(jobName).Observe(d.Seconds())
}
