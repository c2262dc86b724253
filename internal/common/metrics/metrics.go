// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of notification records created",
		},
		[]string{"type"},
	)

	NotificationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_resolved_total",
			Help: "Total number of notifications that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Total number of delivery attempts by channel and outcome",
		},
		[]string{"type", "outcome", "error_code"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Duration of a single channel send in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retries_scheduled_total",
			Help: "Total number of retries scheduled, by retry number",
		},
		[]string{"type", "retry"},
	)

	RetryScheduleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retry_schedule_failures_total",
			Help: "Total number of retries that could not be scheduled",
		},
		[]string{"error_code"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_publish_failures_total",
			Help: "Total number of job publishes that failed",
		},
		[]string{"source"},
	)

	NotificationsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_recovered_total",
			Help: "Total number of stale pending notifications re-enqueued by the sweeper",
		},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of broker deliveries settled by the worker",
		},
		[]string{"queue", "disposition"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"queue"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of jobs currently being processed",
		},
		[]string{"queue"},
	)
)
