// Package metrics provides Prometheus metrics for the task scheduler and the interaction pipeline.
package metrics

import (
	"time"

	"github.com/nadmax/overseer/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type", "source"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_tasks_failed_total",
			Help: "Total number of tasks that failed terminally",
		},
		[]string{"type", "error_class"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_tasks_retried_total",
			Help: "Total number of task retries scheduled",
		},
		[]string{"type"},
	)
	TasksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_tasks_recovered_total",
			Help: "Total number of orphaned running tasks reconciled at startup",
		},
	)
	TasksInQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overseer_tasks_in_queue",
			Help: "Current number of tasks by status and type",
		},
		[]string{"status", "type"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"type", "status"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_task_wait_time_seconds",
			Help:    "Time tasks spend pending before their first dispatch",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"type"},
	)
	QueueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_queue_backlog",
			Help: "Current number of pending tasks",
		},
	)
	InteractionsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_interactions_detected_total",
			Help: "Interactions seen by the detector by outcome",
		},
		[]string{"outcome"},
	)
	InteractionsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_interactions_resolved_total",
			Help: "Interactions resolved by type, route and final status",
		},
		[]string{"type", "route", "status"},
	)
	InteractionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_interactions_pending",
			Help: "Current number of pending interactions",
		},
	)
	EscalationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_escalation_decisions_total",
			Help: "Escalation router decisions by action",
		},
		[]string{"action"},
	)
	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_classifier_calls_total",
			Help: "Classifier calls by task type and outcome",
		},
		[]string{"type", "outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	WorkerLeaseHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_worker_lease_held",
			Help: "1 while this process holds the single-worker lease",
		},
	)
)

func RecordTaskEnqueued(taskType task.TaskType, source string) {
	TasksEnqueued.WithLabelValues(string(taskType), source).Inc()
}

func RecordTaskCompleted(taskType task.TaskType, duration time.Duration) {
	TasksCompleted.WithLabelValues(string(taskType)).Inc()
	TaskDuration.WithLabelValues(string(taskType), string(task.CompletedStatus)).Observe(duration.Seconds())
}

func RecordTaskFailed(taskType task.TaskType, errorClass string, duration time.Duration) {
	TasksFailed.WithLabelValues(string(taskType), errorClass).Inc()
	TaskDuration.WithLabelValues(string(taskType), string(task.FailedStatus)).Observe(duration.Seconds())
}

func RecordTaskRetried(taskType task.TaskType) {
	TasksRetried.WithLabelValues(string(taskType)).Inc()
}

func RecordTasksRecovered(count int) {
	TasksRecovered.Add(float64(count))
}

func RecordTaskWaitTime(taskType task.TaskType, waitTime time.Duration) {
	TaskWaitTime.WithLabelValues(string(taskType)).Observe(waitTime.Seconds())
}

func UpdateTaskGauges(tasksByStatus map[task.TaskStatus]map[string]int) {
	TasksInQueue.Reset()
	for status, typeMap := range tasksByStatus {
		for taskType, count := range typeMap {
			TasksInQueue.WithLabelValues(string(status), taskType).Set(float64(count))
		}
	}
}

func UpdateQueueBacklog(pending int) {
	QueueBacklog.Set(float64(pending))
}

func RecordInteractionsDetected(enqueued, duplicate, invalid int) {
	InteractionsDetected.WithLabelValues("enqueued").Add(float64(enqueued))
	InteractionsDetected.WithLabelValues("duplicate").Add(float64(duplicate))
	InteractionsDetected.WithLabelValues("invalid").Add(float64(invalid))
}

func RecordInteractionResolved(kind, route, status string) {
	InteractionsResolved.WithLabelValues(kind, route, status).Inc()
}

func UpdateInteractionsPending(count int) {
	InteractionsPending.Set(float64(count))
}

func RecordEscalationDecision(action string) {
	EscalationDecisions.WithLabelValues(action).Inc()
}

func RecordClassifierCall(taskType, outcome string) {
	ClassifierCalls.WithLabelValues(taskType, outcome).Inc()
}

func SetWorkerLeaseHeld(held bool) {
	if held {
		WorkerLeaseHeld.Set(1)
		return
	}
	WorkerLeaseHeld.Set(0)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
