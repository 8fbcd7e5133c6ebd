package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/progress"
)

// ─── Simulated Engine (no trainer required) ─────────────────────────────────

// SimulatedConfig shapes a simulated run. The zero value is a fast,
// successful run.
type SimulatedConfig struct {
	StepDelay     time.Duration // pause between steps (default: none)
	StepsPerEpoch int           // training_progress events per epoch (default: 4)
	InitialLoss   float64       // loss at step 0 (default: 2.5)
	Decay         float64       // per-step loss multiplier (default: 0.93)

	FailAtEpoch  int  // emit an error event when this epoch starts (0 = never)
	OmitTerminal bool // end the stream without a terminal event
	StallAtEpoch int  // stop writing when this epoch starts, until killed (0 = never)
}

// DefaultSimulatedConfig returns the simulation defaults.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		StepsPerEpoch: 4,
		InitialLoss:   2.5,
		Decay:         0.93,
	}
}

// SimulatedEngine produces a well-formed progress stream over an in-memory
// pipe. It exercises the full supervision path without a trainer.
type SimulatedEngine struct {
	config SimulatedConfig
}

// NewSimulatedEngine creates a simulated engine.
func NewSimulatedEngine(cfg SimulatedConfig) *SimulatedEngine {
	return &SimulatedEngine{config: cfg}
}

// Name identifies the engine.
func (e *SimulatedEngine) Name() string { return "simulated" }

// Start runs the simulation in a goroutine feeding the returned run.
func (e *SimulatedEngine) Start(ctx context.Context, req domain.TrainingRequest) (domain.TrainingRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	run := &simulatedRun{
		events: pr,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		err := Simulate(runCtx, pw, req, e.config)
		run.mu.Lock()
		run.err = err
		run.mu.Unlock()
		pw.CloseWithError(err)
	}()
	return run, nil
}

type simulatedRun struct {
	events *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (r *simulatedRun) Events() io.Reader { return r.events }

// Kill stops the simulation and unblocks any pending write.
func (r *simulatedRun) Kill() error {
	r.cancel()
	r.events.CloseWithError(context.Canceled)
	return nil
}

func (r *simulatedRun) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *simulatedRun) Diagnostics() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

// ─── Simulation ─────────────────────────────────────────────────────────────

// Simulate writes the progress stream of a training run for req to w:
// the setup phases, StepsPerEpoch progress events per epoch with a decaying
// loss, the save phase and the terminal event. It is also the body of the
// engine-sim command, which speaks the subprocess contract.
func Simulate(ctx context.Context, w io.Writer, req domain.TrainingRequest, cfg SimulatedConfig) error {
	defaults := DefaultSimulatedConfig()
	if cfg.StepsPerEpoch <= 0 {
		cfg.StepsPerEpoch = defaults.StepsPerEpoch
	}
	if cfg.InitialLoss <= 0 {
		cfg.InitialLoss = defaults.InitialLoss
	}
	if cfg.Decay <= 0 {
		cfg.Decay = defaults.Decay
	}

	rep := progress.NewReporter(w, req.JobID)
	epochs := max(1, req.Config.MaxEpochs)

	pause := func() error {
		if cfg.StepDelay <= 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.StepDelay):
			return nil
		}
	}
	stall := func() error {
		<-ctx.Done()
		return ctx.Err()
	}

	for _, ph := range []progress.Phase{progress.PhaseInitialize, progress.PhaseLoadModel} {
		if err := rep.Phase(ph); err != nil {
			return err
		}
		if err := pause(); err != nil {
			return err
		}
	}

	if req.DatasetPath != "" {
		if _, err := os.Stat(req.DatasetPath); err != nil {
			failure := fmt.Errorf("dataset not found: %s", req.DatasetPath)
			if werr := rep.Fail(failure, ""); werr != nil {
				return werr
			}
			return nil
		}
	}

	for _, ph := range []progress.Phase{progress.PhaseLoadData, progress.PhaseTokenize} {
		if err := rep.Phase(ph); err != nil {
			return err
		}
		if err := pause(); err != nil {
			return err
		}
	}

	lr := req.Config.LearningRate
	loss := cfg.InitialLoss
	step := 0
	for epoch := 1; epoch <= epochs; epoch++ {
		if epoch == cfg.StallAtEpoch {
			return stall()
		}
		if epoch == cfg.FailAtEpoch {
			failure := fmt.Errorf("simulated failure in epoch %d", epoch)
			return rep.Fail(failure, fmt.Sprintf("Traceback (simulated):\n  epoch %d step %d", epoch, step))
		}
		for s := 1; s <= cfg.StepsPerEpoch; s++ {
			step++
			loss *= cfg.Decay
			done := float64(epoch-1) + float64(s)/float64(cfg.StepsPerEpoch)
			err := rep.Emit(domain.ProgressEvent{
				Type:         domain.EventProgress,
				Progress:     domain.ProgressTokenize + done/float64(epochs)*domain.ProgressTrainSpan,
				Message:      fmt.Sprintf("Epoch %d/%d", epoch, epochs),
				Epoch:        epoch,
				TotalEpochs:  epochs,
				Step:         step,
				Loss:         domain.Float(round4(loss)),
				LearningRate: lr,
			})
			if err != nil {
				return err
			}
			if err := pause(); err != nil {
				return err
			}
		}
	}

	if err := rep.Phase(progress.PhaseSave); err != nil {
		return err
	}
	if cfg.OmitTerminal {
		return nil
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("models", req.JobID)
	}
	return rep.Complete(outputDir, round4(loss), epochs)
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// IsKilled reports whether a run error came from Kill or cancellation.
func IsKilled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
