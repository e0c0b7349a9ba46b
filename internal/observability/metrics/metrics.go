// Package metrics defines the Prometheus collectors exported by devpoll.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for JobRunsTotal.
const (
	OutcomeSuccess    = "success"
	OutcomeNoop       = "noop"
	OutcomeReschedule = "reschedule"
	OutcomeAborted    = "aborted"
	OutcomeFailure    = "failure"
	OutcomeConstruct  = "construct_error"
)

var (
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devpoll_jobs_running",
			Help: "Number of job handlers currently executing, by job",
		},
		[]string{"job"},
	)

	JobsQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devpoll_jobs_queued",
			Help: "Number of device schedules waiting for an admission slot, by job",
		},
		[]string{"job"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devpoll_job_runs_total",
			Help: "Total number of finished job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devpoll_job_duration_seconds",
			Help:    "Job handler runtime in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"job"},
	)

	ScheduledDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devpoll_scheduled_devices",
			Help: "Number of devices with an active schedule, by job",
		},
		[]string{"job"},
	)

	InventoryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devpoll_inventory_reloads_total",
			Help: "Device inventory reconciliations by job and result",
		},
		[]string{"job", "result"},
	)

	LongestRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devpoll_longest_running_job_seconds",
			Help: "Runtime of the longest currently running job at the last diagnostics report",
		},
	)

	IdleSchedules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devpoll_idle_schedules",
			Help: "Scheduled device jobs not currently running, at the last diagnostics report",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ScheduledDevices)
	prometheus.MustRegister(InventoryReloads)
	prometheus.MustRegister(LongestRunning)
	prometheus.MustRegister(IdleSchedules)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records one finished run.
func ObserveRun(job, outcome string, elapsed time.Duration) {
	JobRunsTotal.WithLabelValues(job, outcome).Inc()
	if outcome != OutcomeConstruct {
		JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}
