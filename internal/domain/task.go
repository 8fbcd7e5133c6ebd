// Package domain holds the core types shared by every layer: raw and
// resolved configs, dataset reports, progress events, training jobs and the
// interfaces infrastructure implements.
package domain

import "time"

// A Job is one supervised training run:
// validate → optimize → estimate → train → complete.

// JobStatus tracks job lifecycle.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobValidating JobStatus = "VALIDATING"
	JobOptimizing JobStatus = "OPTIMIZING"
	JobTraining   JobStatus = "TRAINING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Job is a supervised training run and everything decided about it.
type Job struct {
	ID            string                `json:"id"`
	Status        JobStatus             `json:"status"`
	Engine        string                `json:"engine"`
	DatasetPath   string                `json:"dataset_path"`
	DatasetSize   int                   `json:"dataset_size"`
	RawConfig     RawConfig             `json:"raw_config,omitempty"`
	Config        *ResolvedConfig       `json:"config,omitempty"`
	Estimate      *TimeEstimate         `json:"estimate,omitempty"`
	Report        *DatasetQualityReport `json:"report,omitempty"`
	Progress      float64               `json:"progress"`
	Message       string                `json:"message,omitempty"`
	Summary       *TrainingSummary      `json:"summary,omitempty"`
	Issues        []TrainingIssue       `json:"issues,omitempty"`
	ModelPath     string                `json:"model_path,omitempty"`
	FinalLoss     *float64              `json:"final_loss,omitempty"`
	EpochsTrained int                   `json:"epochs_trained,omitempty"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     time.Time             `json:"started_at,omitempty"`
	CompletedAt   time.Time             `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

// Duration returns training wall time (0 if not started).
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	end := j.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(j.StartedAt)
}
