package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Configuration errors
	ErrInvalidConfig      = errors.New("invalid training configuration")
	ErrInvalidDatasetSize = errors.New("dataset size must be a non-negative integer")

	// Dataset errors
	ErrDatasetRejected = errors.New("dataset failed quality validation")

	// Monitor errors
	ErrMonitorIdle = errors.New("training monitor is not active")

	// Progress protocol errors
	ErrStreamClosed     = errors.New("progress stream already terminated")
	ErrMalformedEvent   = errors.New("malformed progress event")
	ErrUnknownEventType = errors.New("unknown progress event type")

	// Engine errors
	ErrEngineUnavailable = errors.New("training engine unavailable")
	ErrEngineStalled     = errors.New("training engine stopped reporting progress")
	ErrRunIncomplete     = errors.New("training run ended without a terminal event")

	// Job errors
	ErrJobNotFound = errors.New("training job not found")
	ErrJobExists   = errors.New("training job already exists")
	ErrJobTerminal = errors.New("training job already finished")
	ErrTooManyJobs = errors.New("maximum concurrent training jobs reached")

	// Dispatch errors
	ErrMissingAction = errors.New("request is missing an action")
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingParam  = errors.New("request is missing a required parameter")
)
