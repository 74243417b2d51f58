// Package metrics registers the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	workflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sirpi_workflow_runs_total",
			Help: "Total number of artifact-generation workflows by final status",
		},
		[]string{"status"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sirpi_workflow_stage_duration_seconds",
			Help:    "Workflow stage duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "status"},
	)

	// Deployment metrics
	deploymentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sirpi_deployment_operations_total",
			Help: "Total number of deployment operations",
		},
		[]string{"operation", "status"},
	)

	deploymentOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sirpi_deployment_operation_duration_seconds",
			Help:    "Deployment operation duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"operation"},
	)

	// Sandbox metrics
	sandboxSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sirpi_sandbox_sessions_active",
			Help: "Number of sandbox sessions currently held",
		},
	)

	sandboxCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sirpi_sandbox_commands_total",
			Help: "Total number of sandbox commands by outcome",
		},
		[]string{"outcome"},
	)

	// Log stream metrics
	logStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sirpi_log_streams_active",
			Help: "Number of connected log stream consumers",
		},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sirpi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sirpi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordWorkflow counts a finished workflow.
func RecordWorkflow(status string) {
	workflowRunsTotal.WithLabelValues(status).Inc()
}

// RecordStage observes a flushed workflow stage.
func RecordStage(stage, status string, d time.Duration) {
	stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// RecordDeployment counts and times a deployment operation.
func RecordDeployment(operation, status string, d time.Duration) {
	deploymentOperationsTotal.WithLabelValues(operation, status).Inc()
	deploymentOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SandboxAcquired and SandboxReleased track held sessions.
func SandboxAcquired() { sandboxSessionsActive.Inc() }

func SandboxReleased() { sandboxSessionsActive.Dec() }

// RecordSandboxCommand counts a command by outcome: ok, nonzero, timeout, error.
func RecordSandboxCommand(outcome string) {
	sandboxCommandsTotal.WithLabelValues(outcome).Inc()
}

// StreamOpened and StreamClosed track connected stream consumers.
func StreamOpened() { logStreamsActive.Inc() }

func StreamClosed() { logStreamsActive.Dec() }

// RecordHTTPRequest counts and times an HTTP request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
