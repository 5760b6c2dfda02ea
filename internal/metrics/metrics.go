// Package metrics exposes Prometheus instrumentation for the compression
// pipeline and its HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaprep_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaprep_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaprep_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Task queue metrics
var (
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaprep_tasks_enqueued_total",
			Help: "Total number of tasks accepted by the queue",
		},
	)

	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaprep_tasks_completed_total",
			Help: "Total number of tasks that completed and delivered a result",
		},
	)

	TasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaprep_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
	)

	TasksCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaprep_tasks_cancelled_total",
			Help: "Total number of tasks abandoned before processing",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mediaprep_task_duration_seconds",
			Help:    "End-to-end task processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaprep_queue_depth",
			Help: "Number of tasks waiting in the queue",
		},
	)
)

// Media item metrics
var (
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaprep_items_processed_total",
			Help: "Total number of media items successfully compressed",
		},
		[]string{"kind"},
	)

	ItemsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaprep_items_dropped_total",
			Help: "Total number of media items dropped from their task",
		},
		[]string{"kind"},
	)

	ItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaprep_item_duration_seconds",
			Help:    "Per-item compression duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaprep_uploads_total",
			Help: "Total number of artifact uploads",
		},
		[]string{"status"},
	)
)

// Callback metrics
var (
	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaprep_callbacks_total",
			Help: "Total number of completion callback deliveries",
		},
		[]string{"status"},
	)
)
