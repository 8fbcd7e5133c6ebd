// Package progress implements the training progress stream.
//
// The stream is line-delimited JSON: one ProgressEvent per line, written and
// flushed as a unit. A run moves through fixed setup phases, then per-epoch
// training, then a save phase, and ends with exactly one terminal event:
//
//	status 10 → status 20 → status 30 → status 40
//	  → training_progress 40..90 (one per epoch)
//	  → status 95
//	  → completion 100 (success) | error (failure)
//
// Reporter is the producer side; Consumer is the supervising side and turns
// the stream into an Outcome.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Phases ─────────────────────────────────────────────────────────────────

// Phase is a fixed setup or teardown step of a run.
type Phase int

const (
	PhaseInitialize Phase = iota
	PhaseLoadModel
	PhaseLoadData
	PhaseTokenize
	PhaseSave
)

// Progress returns the progress value the phase reports.
func (p Phase) Progress() float64 {
	switch p {
	case PhaseInitialize:
		return domain.ProgressInitialize
	case PhaseLoadModel:
		return domain.ProgressLoadModel
	case PhaseLoadData:
		return domain.ProgressLoadData
	case PhaseTokenize:
		return domain.ProgressTokenize
	case PhaseSave:
		return domain.ProgressSave
	default:
		return 0
	}
}

// String returns the phase's status message.
func (p Phase) String() string {
	switch p {
	case PhaseInitialize:
		return "Initializing training..."
	case PhaseLoadModel:
		return "Loading base model..."
	case PhaseLoadData:
		return "Loading dataset..."
	case PhaseTokenize:
		return "Tokenizing dataset..."
	case PhaseSave:
		return "Saving model..."
	default:
		return "UNKNOWN"
	}
}

// ─── Reporter ───────────────────────────────────────────────────────────────

type errFlusher interface{ Flush() error }
type flusher interface{ Flush() }

// Reporter writes progress events to w. Safe for concurrent use; events are
// written in call order.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	jobID  string
	last   float64
	closed bool

	// Injectable clock for testing.
	now func() time.Time
}

// NewReporter creates a reporter that stamps every event with jobID.
func NewReporter(w io.Writer, jobID string) *Reporter {
	return &Reporter{w: w, jobID: jobID, now: time.Now}
}

// Emit writes one event. Progress never goes backwards: a lower value is
// raised to the last one written. Nothing may follow the terminal event.
func (r *Reporter) Emit(ev domain.ProgressEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrStreamClosed
	}
	if ev.JobID == "" {
		ev.JobID = r.jobID
	}
	if ev.Succeeded() && ev.Progress == 0 {
		ev.Progress = domain.ProgressComplete
	}
	if ev.Progress < r.last {
		ev.Progress = r.last
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(r.now().UnixNano()) / 1e9
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	line = append(line, '\n')
	if _, err := r.w.Write(line); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	switch f := r.w.(type) {
	case errFlusher:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s event: %w", ev.Type, err)
		}
	case flusher:
		f.Flush()
	}

	r.last = ev.Progress
	if ev.IsTerminal() {
		r.closed = true
	}
	return nil
}

// Closed reports whether the terminal event has been written.
func (r *Reporter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Status emits a status event.
func (r *Reporter) Status(progress float64, message string) error {
	return r.Emit(domain.ProgressEvent{
		Type:     domain.EventStatus,
		Progress: progress,
		Message:  message,
	})
}

// Phase emits the status event for a fixed phase.
func (r *Reporter) Phase(p Phase) error {
	return r.Status(p.Progress(), p.String())
}

// Epoch emits a training_progress event for a finished epoch (1-based).
func (r *Reporter) Epoch(epoch, total, step int, loss, learningRate float64) error {
	return r.Emit(domain.ProgressEvent{
		Type:         domain.EventProgress,
		Progress:     domain.EpochProgress(epoch, total),
		Message:      fmt.Sprintf("Epoch %d/%d complete", epoch, total),
		Epoch:        epoch,
		TotalEpochs:  total,
		Step:         step,
		Loss:         domain.Float(loss),
		LearningRate: learningRate,
	})
}

// Complete emits the successful terminal event.
func (r *Reporter) Complete(modelPath string, finalLoss float64, epochs int) error {
	return r.Emit(domain.ProgressEvent{
		Type:          domain.EventCompletion,
		Progress:      domain.ProgressComplete,
		Message:       "Training completed successfully",
		Success:       domain.Bool(true),
		ModelPath:     modelPath,
		FinalLoss:     domain.Float(finalLoss),
		EpochsTrained: epochs,
	})
}

// Fail emits the failure terminal event.
func (r *Reporter) Fail(err error, traceback string) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return r.Emit(domain.ProgressEvent{
		Type:      domain.EventError,
		Success:   domain.Bool(false),
		Message:   "Training failed",
		Error:     msg,
		Traceback: traceback,
	})
}
