// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

// Analysis loop
var (
	AnalysisRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_rounds",
			Help:    "Model invocations consumed per analysis run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	AnalysisArtifacts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_artifacts",
			Help:    "Charts produced per analysis run",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		},
	)

	// outcome: accepted, accepted_short, failed
	AnalysisRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_runs_total",
			Help: "Analysis runs by outcome",
		},
		[]string{"outcome"},
	)

	// status: success, error, rejected, failed
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_tool_calls_total",
			Help: "Dispatched tool calls by result status",
		},
		[]string{"status"},
	)

	SandboxSetupSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_sandbox_setup_seconds",
			Help:    "Time to open a sandbox",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// outcome: used, empty, skipped, failed
	ContextFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_context_fetches_total",
			Help: "External context fetch attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Ingestion
var WebhookMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_messages_total",
		Help: "Inbound WhatsApp messages by routed type",
	},
	[]string{"type"},
)
