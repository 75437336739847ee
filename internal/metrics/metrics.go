// Package metrics provides the Prometheus metrics for the sandbox
// substrate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP façade metrics (health/version/metrics/execute entrypoint).
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_http_requests_total",
			Help: "Total number of HTTP requests handled by the façade",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Container lifecycle metrics.
	ContainersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workspace_active_containers",
			Help: "Number of currently active sandbox containers",
		},
		[]string{"backend"},
	)

	ContainerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_container_operations_total",
			Help: "Total number of container lifecycle operations",
		},
		[]string{"backend", "operation", "status"},
	)

	ContainerStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_container_startup_seconds",
			Help:    "Time to create and reach a ready sandbox container",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend"},
	)

	ContainerCrashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_container_crashes_total",
			Help: "Total number of sandbox containers that crashed mid-execution",
		},
		[]string{"backend"},
	)

	// Image metrics.
	ImageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_image_downloads_total",
			Help: "Total number of sandbox image downloads",
		},
		[]string{"status"},
	)

	ImageDownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_image_download_duration_seconds",
			Help:    "Time to download sandbox images",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{},
	)

	// Execution outcome metrics.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_requests_total",
			Help: "Total number of execute requests, by outcome",
		},
		[]string{"outcome"}, // success | error | timeout
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_request_duration_seconds",
			Help:    "Time for a sandbox to finish handling an execute request",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{},
	)

	// Egress proxy metrics.
	ProxyBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_proxy_blocked_total",
			Help: "Total number of egress requests blocked by the domain allowlist",
		},
		[]string{"sandbox"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_proxy_request_duration_seconds",
			Help:    "Egress proxy forward request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Warm pool metrics.
	WarmPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workspace_warm_pool_size",
			Help: "Current number of idle sandboxes sitting in the warm pool",
		},
		[]string{},
	)

	WarmPoolRefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_warm_pool_refills_total",
			Help: "Total number of sandboxes created to replenish the warm pool",
		},
		[]string{"status"},
	)

	// Garbage collection metrics.
	GCCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_gc_cycles_total",
			Help: "Total number of garbage collection cycles run",
		},
		[]string{},
	)

	GCDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_gc_destroyed_total",
			Help: "Total number of sandboxes destroyed by garbage collection, by reason",
		},
		[]string{"reason"}, // inactive_ttl | absolute_ttl | draining | orphan
	)
)
