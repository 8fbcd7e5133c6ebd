// Package engine provides training engine adapters.
// This file implements the REAL engine: an external trainer (typically a
// Python script driving transformers) run as a subprocess.
//
// Contract:
//
//	stdin   one JSON TrainingRequest, then closed
//	stdout  the progress stream, one JSON event per line
//	stderr  free-form logs, kept as a bounded tail for diagnostics
//
// The process must end its stdout with exactly one terminal event. Anything
// else is classified by the supervising progress.Consumer.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Subprocess Engine ──────────────────────────────────────────────────────

const (
	// stderrTailBytes bounds the captured engine stderr.
	stderrTailBytes = 8192

	// diagnosticLines is how many stderr lines Diagnostics returns.
	diagnosticLines = 10

	// waitDelay bounds Wait when orphaned children hold the pipes open.
	waitDelay = 5 * time.Second
)

// SubprocessConfig describes how to launch the external trainer.
type SubprocessConfig struct {
	Command string   // executable name or path, e.g. "tunekit-train" or "python3"
	Args    []string // extra arguments, e.g. ["-u", "train.py"]
	Env     []string // extra KEY=VALUE pairs
	Dir     string   // working directory (default: inherit)
	Home    string   // TUNEKIT_HOME; <home>/bin is searched before PATH
}

// SubprocessEngine launches one trainer process per run.
type SubprocessEngine struct {
	path   string
	config SubprocessConfig
	logger *slog.Logger
}

// NewSubprocessEngine resolves the trainer executable. It returns
// ErrEngineUnavailable with install guidance when nothing is found.
func NewSubprocessEngine(cfg SubprocessConfig, logger *slog.Logger) (*SubprocessEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := FindEngine(cfg.Command, cfg.Home)
	if err != nil {
		return nil, err
	}
	return &SubprocessEngine{
		path:   path,
		config: cfg,
		logger: logger.With("component", "engine", "engine", "subprocess"),
	}, nil
}

// FindEngine searches <home>/bin, then PATH, for command.
func FindEngine(command, home string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("%w: no engine command configured", domain.ErrEngineUnavailable)
	}

	// Explicit paths are used as-is.
	if strings.ContainsRune(command, filepath.Separator) || strings.ContainsRune(command, '/') {
		if info, err := os.Stat(command); err == nil && !info.IsDir() {
			return command, nil
		}
		return "", fmt.Errorf("%w: %s does not exist", domain.ErrEngineUnavailable, command)
	}

	exe := command
	if runtime.GOOS == "windows" && filepath.Ext(exe) == "" {
		exe += ".exe"
	}

	// 1. Check TUNEKIT_HOME/bin/
	if home != "" {
		binPath := filepath.Join(home, "bin", exe)
		if info, err := os.Stat(binPath); err == nil && !info.IsDir() {
			return binPath, nil
		}
	}

	// 2. Check PATH
	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}

	return "", fmt.Errorf(`%w: %q not found

tunekit drives an external trainer that reads one JSON request on stdin and
writes progress events to stdout.

Either:
  1. Place the trainer in %s
  2. Put it on your PATH
  3. Set engine.command in config.toml (or TUNEKIT_ENGINE_COMMAND)

To try the flow without a trainer, use --engine simulated.`,
		domain.ErrEngineUnavailable, command, filepath.Join(home, "bin"))
}

// Name identifies the engine.
func (e *SubprocessEngine) Name() string { return "subprocess" }

// Path returns the resolved executable.
func (e *SubprocessEngine) Path() string { return e.path }

// Start launches the trainer for req. Cancelling ctx kills the process.
func (e *SubprocessEngine) Start(ctx context.Context, req domain.TrainingRequest) (domain.TrainingRun, error) {
	if req.Action == "" {
		req.Action = TrainAction
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode training request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.path, e.config.Args...)
	cmd.Dir = e.config.Dir
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Env = append(cmd.Env,
		"TUNEKIT_JOB_ID="+req.JobID,
		"PYTHONUNBUFFERED=1", // line-at-a-time stdout from Python trainers
	)

	// Capture stderr in a ring buffer for diagnostics
	stderrBuf := &limitedBuffer{max: stderrTailBytes}
	cmd.Stderr = stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// Own process group so Kill reaches the trainer's workers too
	configureProcess(cmd)
	cmd.Cancel = func() error { return killProcess(cmd) }
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", domain.ErrEngineUnavailable, e.path, err)
	}
	e.logger.Info("engine started", "job_id", req.JobID, "pid", cmd.Process.Pid, "path", e.path)

	// The trainer may not read stdin before writing; never block Start on it.
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(append(payload, '\n')); err != nil {
			e.logger.Warn("write training request", "job_id", req.JobID, "error", err)
		}
	}()

	return &subprocessRun{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderrBuf,
		logger: e.logger.With("job_id", req.JobID),
	}, nil
}

// ─── Subprocess Run ─────────────────────────────────────────────────────────

type subprocessRun struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

func (r *subprocessRun) Events() io.Reader { return r.stdout }

// Kill terminates the trainer and its process group.
func (r *subprocessRun) Kill() error {
	if r.cmd.Process == nil {
		return nil
	}
	r.logger.Warn("killing engine", "pid", r.cmd.Process.Pid)
	err := killProcess(r.cmd)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reaps the process. Call it after the event stream is drained.
func (r *subprocessRun) Wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = r.cmd.Wait()
		if r.waitErr != nil {
			r.logger.Debug("engine exited", "error", r.waitErr)
		}
	})
	return r.waitErr
}

// Diagnostics returns the last lines the trainer wrote to stderr.
func (r *subprocessRun) Diagnostics() string {
	stderr := strings.TrimSpace(r.stderr.String())
	if stderr == "" {
		return ""
	}
	lines := strings.Split(stderr, "\n")
	if len(lines) > diagnosticLines {
		lines = lines[len(lines)-diagnosticLines:]
	}
	return strings.Join(lines, "\n")
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
// Used to capture trainer stderr without unbounded memory usage.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	// Trim to keep only the last `max` bytes
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		tail := make([]byte, b.max)
		copy(tail, data[len(data)-b.max:])
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
