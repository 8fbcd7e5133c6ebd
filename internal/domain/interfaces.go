package domain

import (
	"context"
	"io"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ResourceProfiler reports the host state a run is sized against.
type ResourceProfiler interface {
	// Snapshot captures current CPU and memory. Never cached.
	Snapshot() ResourceSnapshot
}

// TrainingRequest is what a training engine receives for one run.
type TrainingRequest struct {
	Action      string         `json:"action"` // always "train_model"
	JobID       string         `json:"job_id"`
	DatasetPath string         `json:"dataset_path"`
	OutputDir   string         `json:"output_dir"`
	Config      ResolvedConfig `json:"config"`
}

// TrainingEngine abstracts the external process that trains a model.
// Implemented by infra/engine.SubprocessEngine and infra/engine.SimulatedEngine.
type TrainingEngine interface {
	// Name identifies the engine in logs and job records.
	Name() string

	// Start launches a run. The returned run streams progress events,
	// one JSON object per line.
	Start(ctx context.Context, req TrainingRequest) (TrainingRun, error)
}

// TrainingRun is a single executing engine run.
type TrainingRun interface {
	// Events is the line-delimited progress stream. It reaches EOF when
	// the engine closes its output.
	Events() io.Reader

	// Kill terminates the run immediately.
	Kill() error

	// Wait blocks until the engine exits and returns its exit error.
	Wait() error

	// Diagnostics returns whatever the engine wrote outside the stream.
	Diagnostics() string
}

// JobStore abstracts persistent job storage.
// Implemented by infra/sqlite.DB.
type JobStore interface {
	SaveJob(job Job) error
	GetJob(id string) (*Job, error)
	ListJobs(limit int) ([]Job, error)
	AppendMetric(jobID string, s MetricSample) error
	JobMetrics(jobID string) ([]MetricSample, error)
	AppendEvent(jobID string, seq int, ev ProgressEvent) error
	JobEvents(jobID string) ([]ProgressEvent, error)
}
