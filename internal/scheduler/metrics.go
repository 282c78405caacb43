package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_job_runs_total",
			Help: "Batch job invocations by job name",
		},
		[]string{"job"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verification_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_job_records_total",
			Help: "Records handled by batch jobs, by outcome",
		},
		[]string{"job", "outcome"},
	)

	escalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verification_force_escalations_total",
			Help: "Records force-escalated to human review after the hard ceiling",
		},
	)

	expirationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verification_expirations_total",
			Help: "Active records expired by the daily job",
		},
	)

	remindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_reminders_sent_total",
			Help: "Expiry reminders sent, by window",
		},
		[]string{"window"},
	)
)
