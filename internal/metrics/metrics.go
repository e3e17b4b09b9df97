// Package metrics defines Prometheus metrics for bleepcore.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// Engine operation metrics.
var (
	// OperationsTotal counts engine operations by name and outcome
	// ("success" or the S3 error code).
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepcore_operations_total",
			Help: "Engine operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// OperationDuration observes engine operation latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepcore_operation_duration_seconds",
			Help:    "Engine operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepcore_bytes_written_total",
			Help: "Total payload bytes written to the content store",
		},
	)

	BytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepcore_bytes_read_total",
			Help: "Total payload bytes served from the content store",
		},
	)

	BucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepcore_buckets_total",
			Help: "Total buckets",
		},
	)

	MultipartUploadsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepcore_multipart_uploads_active",
			Help: "Multipart uploads created and not yet completed or aborted",
		},
	)
)

// Lifecycle metrics.
var (
	LifecycleSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepcore_lifecycle_sweeps_total",
			Help: "Per-bucket lifecycle sweeps by outcome",
		},
		[]string{"status"},
	)

	// LifecycleActionsTotal counts applied rule actions (expire, expire_noncurrent,
	// expire_delete_marker, transition, transition_noncurrent, abort_upload).
	LifecycleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepcore_lifecycle_actions_total",
			Help: "Lifecycle actions applied",
		},
		[]string{"action"},
	)
)

// Ops HTTP surface metrics.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepcore_http_requests_total",
			Help: "Operations HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepcore_http_request_duration_seconds",
			Help:    "Operations HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register registers all collectors with the default registry. It is safe to
// call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OperationsTotal,
			OperationDuration,
			BytesWrittenTotal,
			BytesReadTotal,
			BucketsTotal,
			MultipartUploadsActive,
			LifecycleSweepsTotal,
			LifecycleActionsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
		// Pre-create a series so /metrics shows the family before any traffic.
		OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// ObserveOperation records the outcome and latency of an engine operation.
// code is "" on success.
func ObserveOperation(op string, start time.Time, code string) {
	status := "success"
	if code != "" {
		status = code
	}
	OperationsTotal.WithLabelValues(op, status).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// NormalizePath maps ops request paths to low-cardinality label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/admin/buckets/") {
		rest := strings.TrimPrefix(path, "/admin/buckets/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/admin/buckets/{bucket}" + rest[i:]
		}
		return "/admin/buckets/{bucket}"
	}
	if strings.HasPrefix(path, "/admin/") {
		return path
	}
	return "/other"
}
