// Package metrics provides Prometheus metrics for tunekit.
// Counters, gauges and histograms for optimization, validation, training
// jobs, the progress stream, resources and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Optimizer ──────────────────────────────────────────────────────────────

// OptimizeRequests tracks resolved configurations by mode (standard, production).
var OptimizeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "optimize_total",
	Help:      "Total configuration optimizations.",
}, []string{"mode"})

// ResolvedBatchSize tracks the per-device batch size chosen.
var ResolvedBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tunekit",
	Name:      "resolved_batch_size",
	Help:      "Per-device batch size chosen by the optimizer.",
	Buckets:   []float64{1, 2, 4, 8, 16, 32},
})

// EstimatedTrainingSeconds tracks time estimates handed out.
var EstimatedTrainingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tunekit",
	Name:      "estimated_training_seconds",
	Help:      "Estimated training duration in seconds.",
	Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
})

// ─── Datasets ───────────────────────────────────────────────────────────────

// DatasetValidations tracks validation results by format and verdict.
var DatasetValidations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "dataset_validations_total",
	Help:      "Total dataset validations by format and result.",
}, []string{"format", "valid"})

// DatasetWarnings tracks quality warnings raised.
var DatasetWarnings = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "dataset_warnings_total",
	Help:      "Total dataset quality warnings.",
})

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsSubmitted tracks submitted training jobs by engine.
var JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "jobs_submitted_total",
	Help:      "Total training jobs submitted.",
}, []string{"engine"})

// JobsFinished tracks finished jobs by stream outcome.
var JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "jobs_finished_total",
	Help:      "Total finished training jobs by outcome.",
}, []string{"outcome"})

// JobsActive tracks currently running jobs.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tunekit",
	Name:      "jobs_active",
	Help:      "Number of currently running training jobs.",
})

// JobDuration tracks wall time of finished jobs.
var JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tunekit",
	Name:      "job_duration_seconds",
	Help:      "Training job wall time in seconds.",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
})

// EngineBreakerTrips tracks how often the engine circuit breaker opened.
var EngineBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "engine_breaker_trips_total",
	Help:      "Total times the training engine circuit breaker opened.",
})

// ─── Progress Stream ────────────────────────────────────────────────────────

// ProgressEvents tracks events received from engines by type.
var ProgressEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "progress_events_total",
	Help:      "Total progress events by type.",
}, []string{"type"})

// TrainingLoss tracks the latest reported loss per job.
var TrainingLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tunekit",
	Name:      "training_loss",
	Help:      "Latest training loss reported per job.",
}, []string{"job"})

// TrainingIssues tracks loss-curve issues detected by kind.
var TrainingIssues = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "training_issues_total",
	Help:      "Total loss-curve issues detected by kind.",
}, []string{"kind"})

// ─── Resources ──────────────────────────────────────────────────────────────

// AvailableMemory tracks available memory at the last snapshot.
var AvailableMemory = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tunekit",
	Name:      "available_memory_bytes",
	Help:      "Available memory at the last resource snapshot.",
})

// CPUCount tracks logical CPUs at the last snapshot.
var CPUCount = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tunekit",
	Name:      "cpu_count",
	Help:      "Logical CPUs at the last resource snapshot.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tunekit",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// ─── API ────────────────────────────────────────────────────────────────────

// APIRequests tracks HTTP requests by route and status class.
var APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "api_requests_total",
	Help:      "Total API requests by route and status.",
}, []string{"route", "status"})

// APIRateLimited tracks requests rejected by the limiter.
var APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tunekit",
	Name:      "api_rate_limited_total",
	Help:      "Total API requests rejected by the rate limiter.",
})
