// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_published_total",
		Help: "Total number of messages published to the bus",
	})
	MessagesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_processed_total",
		Help: "Total number of subscriber invocations that succeeded",
	})
	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_failed_total",
		Help: "Total number of subscriber invocations that failed",
	})
	MessagesFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_filtered_total",
		Help: "Total number of subscriptions skipped by filters",
	})
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_submitted_total",
		Help: "Total number of tasks submitted",
	})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_completed_total",
		Help: "Total number of tasks that completed successfully",
	})
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_failed_total",
		Help: "Total number of tasks that failed terminally",
	})
	TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_retried_total",
		Help: "Total number of task retry attempts",
	})
	TasksDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_dead_letter_total",
		Help: "Total number of tasks routed to the dead letter sink",
	})
	TasksCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_tasks_cancelled_total",
		Help: "Total number of tasks cancelled",
	})
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_task_duration_seconds",
		Help:    "Histogram of task execution durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_queue_length",
		Help: "Current length of fabric queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_circuit_breaker_state",
		Help: "0 Closed, 1 Open, 2 HalfOpen",
	}, []string{"key"})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_circuit_breaker_trips_total",
		Help: "Count of transitions to the Open state",
	})
	WorkerIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_worker_idle",
		Help: "Number of idle workers blocked on dequeue",
	})
	Adaptations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_backpressure_adaptations_total",
		Help: "Total number of backpressure adaptations",
	})
	DegradationLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_degradation_level",
		Help: "0 Normal, 1 Limited, 2 Minimal, 3 Emergency",
	}, []string{"service"})
	SchedulerFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_scheduler_fires_total",
		Help: "Total number of schedule fires",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesPublished, MessagesProcessed, MessagesFailed, MessagesFiltered,
		TasksSubmitted, TasksCompleted, TasksFailed, TasksRetried,
		TasksDeadLettered, TasksCancelled, TaskDuration,
		QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		WorkerIdle, Adaptations, DegradationLevel, SchedulerFires,
	)
}
