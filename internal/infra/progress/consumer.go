package progress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Outcome ────────────────────────────────────────────────────────────────

// Outcome classifies how a run's stream ended.
type Outcome int

const (
	OutcomeSucceeded  Outcome = iota // completion with success=true
	OutcomeFailed                    // error event, or completion without success
	OutcomeIncomplete                // stream ended with no terminal event
	OutcomeStalled                   // no event within the stall timeout
	OutcomeCancelled                 // supervisor gave up
)

// String returns the outcome label.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "SUCCEEDED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeIncomplete:
		return "INCOMPLETE"
	case OutcomeStalled:
		return "STALLED"
	case OutcomeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result summarizes a consumed stream.
type Result struct {
	Outcome        Outcome
	Terminal       *domain.ProgressEvent // nil unless a terminal event arrived
	Events         int                   // accepted events, terminal included
	ProtocolErrors int
	LastProgress   float64
	Err            error // why the run failed; nil on success
}

// Succeeded reports whether the run finished successfully. Every other
// outcome is a failure.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeSucceeded }

// ─── Consumer ───────────────────────────────────────────────────────────────

const (
	// DefaultStallTimeout is how long a run may go silent.
	DefaultStallTimeout = 10 * time.Minute

	// terminalDrain bounds how long the stream is read after the terminal
	// event while waiting for the producer to close it.
	terminalDrain = 2 * time.Second

	// maxRawBytes caps the offending line copied into a protocol_error.
	maxRawBytes = 512
)

// Consumer reads a progress stream on behalf of the supervisor.
type Consumer struct {
	StallTimeout time.Duration // 0 disables the stall check
	MaxLineBytes int           // 0 means 1 MiB
	Logger       *slog.Logger
}

type lineMsg struct {
	line []byte
	err  error // set on the final message; io.EOF for a clean end
}

// Consume reads events from r until the stream ends, stalls or ctx is done,
// passing every accepted event and every synthesized protocol_error to
// handle in stream order. On STALLED or CANCELLED the caller must stop the
// producer; r may still be blocked in a read.
func (c Consumer) Consume(ctx context.Context, r io.Reader, handle func(domain.ProgressEvent)) Result {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if handle == nil {
		handle = func(domain.ProgressEvent) {}
	}
	maxLine := c.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 1024 * 1024
	}

	lines := make(chan lineMsg)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- lineMsg{line: line}:
			case <-done:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		select {
		case lines <- lineMsg{err: err}:
		case <-done:
		}
	}()

	var stall <-chan time.Time
	var timer *time.Timer
	wait := c.StallTimeout
	arm := func() {
		if wait <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(wait)
			stall = timer.C
			return
		}
		timer.Reset(wait)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm()

	var res Result
	protocolError := func(raw []byte, err error) {
		res.ProtocolErrors++
		if len(raw) > maxRawBytes {
			raw = raw[:maxRawBytes]
		}
		logger.Warn("progress protocol error", "error", err)
		handle(domain.ProgressEvent{
			Type:     domain.EventProtocolError,
			Progress: res.LastProgress,
			Error:    err.Error(),
			Raw:      string(raw),
		})
	}

	for {
		select {
		case <-ctx.Done():
			if res.Terminal != nil {
				return finish(res)
			}
			res.Outcome = OutcomeCancelled
			res.Err = ctx.Err()
			return res

		case <-stall:
			if res.Terminal != nil {
				return finish(res)
			}
			res.Outcome = OutcomeStalled
			res.Err = fmt.Errorf("%w: no event for %v", domain.ErrEngineStalled, c.StallTimeout)
			return res

		case msg := <-lines:
			if msg.err != nil {
				if res.Terminal != nil {
					return finish(res)
				}
				// A killed engine closes its output; report why it was killed.
				if ctx.Err() != nil {
					res.Outcome = OutcomeCancelled
					res.Err = ctx.Err()
					return res
				}
				res.Outcome = OutcomeIncomplete
				if errors.Is(msg.err, io.EOF) {
					res.Err = domain.ErrRunIncomplete
				} else {
					res.Err = fmt.Errorf("%w: %w", domain.ErrRunIncomplete, msg.err)
				}
				return res
			}

			arm()
			line := bytes.TrimSpace(msg.line)
			if len(line) == 0 {
				continue
			}

			var ev domain.ProgressEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				protocolError(line, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
				continue
			}
			if err := ev.Validate(); err != nil {
				protocolError(line, err)
				continue
			}
			if res.Terminal != nil {
				protocolError(line, fmt.Errorf("%w: %s event after terminal event", domain.ErrStreamClosed, ev.Type))
				continue
			}

			if ev.Succeeded() && ev.Progress == 0 {
				ev.Progress = domain.ProgressComplete
			}
			switch {
			case ev.Progress == 0:
				ev.Progress = res.LastProgress
			case ev.Progress < res.LastProgress:
				protocolError(line, fmt.Errorf("%w: progress went from %g to %g",
					domain.ErrMalformedEvent, res.LastProgress, ev.Progress))
				ev.Progress = res.LastProgress
			}
			res.LastProgress = ev.Progress
			res.Events++
			if ev.IsTerminal() {
				terminal := ev
				res.Terminal = &terminal
				if wait <= 0 || wait > terminalDrain {
					wait = terminalDrain
				}
				arm()
			}
			handle(ev)
		}
	}
}

// finish classifies a stream that delivered its terminal event.
func finish(res Result) Result {
	if res.Terminal.Succeeded() {
		res.Outcome = OutcomeSucceeded
		res.Err = nil
		return res
	}
	res.Outcome = OutcomeFailed
	msg := res.Terminal.Error
	if msg == "" {
		msg = res.Terminal.Message
	}
	if msg == "" {
		msg = "training reported failure"
	}
	res.Err = errors.New(msg)
	return res
}
