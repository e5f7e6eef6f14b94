// Package metrics provides Prometheus metrics for the sync engine and daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal tracks finished drains by terminal status
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of sync runs by terminal status",
		},
		[]string{"tenant_id", "status"},
	)

	// SyncRunDuration tracks drain duration in seconds
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vetsync",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"tenant_id"},
	)

	// SyncInProgress is 1 while a drain is running
	SyncInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vetsync",
			Subsystem: "engine",
			Name:      "in_progress",
			Help:      "Whether a sync run is currently active",
		},
	)

	// OperationsProcessed tracks queued operations by outcome
	OperationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "queue",
			Name:      "operations_processed_total",
			Help:      "Total number of queued operations processed by outcome",
		},
		[]string{"entity_type", "operation", "outcome"},
	)

	// QueueDepth tracks queue size per status after each run
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vetsync",
			Subsystem: "queue",
			Name:      "operations",
			Help:      "Number of queued operations by status",
		},
		[]string{"tenant_id", "status"},
	)

	// ConflictsDetected tracks conflicts raised by the engine
	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "conflicts",
			Name:      "detected_total",
			Help:      "Total number of sync conflicts detected",
		},
		[]string{"tenant_id", "entity_type"},
	)

	// ConflictsResolved tracks applied resolutions
	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "conflicts",
			Name:      "resolved_total",
			Help:      "Total number of conflicts resolved by strategy",
		},
		[]string{"resolution"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vetsync",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// RateLimitWaitTime tracks time spent waiting for the outbound limiter
	RateLimitWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vetsync",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the outbound rate limiter in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
	)
)

// RecordSyncRun records a finished sync run
func RecordSyncRun(tenantID, status string, durationSeconds float64) {
	SyncRunsTotal.WithLabelValues(tenantID, status).Inc()
	SyncRunDuration.WithLabelValues(tenantID).Observe(durationSeconds)
}

// RecordOperation records the outcome of one queued operation
func RecordOperation(entityType, operation, outcome string) {
	OperationsProcessed.WithLabelValues(entityType, operation, outcome).Inc()
}

// RecordConflict records a detected conflict
func RecordConflict(tenantID, entityType string) {
	ConflictsDetected.WithLabelValues(tenantID, entityType).Inc()
}

// RecordResolution records an applied conflict resolution
func RecordResolution(resolution string) {
	ConflictsResolved.WithLabelValues(resolution).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordRateLimitWait records time spent waiting for the limiter
func RecordRateLimitWait(durationSeconds float64) {
	RateLimitWaitTime.Observe(durationSeconds)
}

// SetQueueDepth publishes the queue size for one status
func SetQueueDepth(tenantID, status string, n int) {
	QueueDepth.WithLabelValues(tenantID, status).Set(float64(n))
}

// SetSyncInProgress toggles the in-progress gauge
func SetSyncInProgress(active bool) {
	if active {
		SyncInProgress.Set(1)
		return
	}
	SyncInProgress.Set(0)
}
