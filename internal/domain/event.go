package domain

import "fmt"

// EventType discriminates progress events on the wire.
type EventType string

const (
	EventStatus     EventType = "status"
	EventProgress   EventType = "training_progress"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"

	// EventProtocolError is synthesized by a consumer for a line it could
	// not accept. It is never terminal.
	EventProtocolError EventType = "protocol_error"
)

// Phase progress values for the training lifecycle.
const (
	ProgressInitialize float64 = 10
	ProgressLoadModel  float64 = 20
	ProgressLoadData   float64 = 30
	ProgressTokenize   float64 = 40
	ProgressTrainSpan  float64 = 50 // epochs occupy 40..90
	ProgressSave       float64 = 95
	ProgressComplete   float64 = 100
)

// EpochProgress returns the progress value after epoch of total.
func EpochProgress(epoch, total int) float64 {
	if total <= 0 {
		return ProgressTokenize
	}
	if epoch > total {
		epoch = total
	}
	if epoch < 0 {
		epoch = 0
	}
	return ProgressTokenize + float64(epoch)/float64(total)*ProgressTrainSpan
}

// ProgressEvent is one line of the training progress stream.
type ProgressEvent struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"job_id,omitempty"`
	Progress      float64   `json:"progress,omitempty"`
	Message       string    `json:"message,omitempty"`
	Epoch         int       `json:"epoch,omitempty"`
	TotalEpochs   int       `json:"total_epochs,omitempty"`
	Step          int       `json:"step,omitempty"`
	Loss          *float64  `json:"loss,omitempty"`
	LearningRate  float64   `json:"learning_rate,omitempty"`
	Success       *bool     `json:"success,omitempty"`
	ModelPath     string    `json:"model_path,omitempty"`
	FinalLoss     *float64  `json:"final_loss,omitempty"`
	EpochsTrained int       `json:"epochs_trained,omitempty"`
	Error         string    `json:"error,omitempty"`
	Traceback     string    `json:"traceback,omitempty"`
	Raw           string    `json:"raw,omitempty"` // offending line, protocol_error only
	Timestamp     float64   `json:"timestamp,omitempty"`
}

// IsTerminal reports whether the event ends a run.
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventCompletion || e.Type == EventError
}

// Succeeded reports whether the event is an explicit successful completion.
func (e ProgressEvent) Succeeded() bool {
	return e.Type == EventCompletion && e.Success != nil && *e.Success
}

// Validate checks that the event is one a producer may emit.
func (e ProgressEvent) Validate() error {
	switch e.Type {
	case EventStatus, EventProgress, EventCompletion, EventError:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("%w: progress %g outside 0..100", ErrMalformedEvent, e.Progress)
	}
	return nil
}

// Float returns a pointer to v, for optional event fields.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for optional event fields.
func Bool(v bool) *bool { return &v }
