package engine

import (
	"fmt"
	"log/slog"

	"github.com/tutu-network/tunekit/internal/domain"
)

// TrainAction is the action name carried by every training request.
const TrainAction = "train_model"

// Engine kinds accepted by New.
const (
	KindSubprocess = "subprocess"
	KindSimulated  = "simulated"
)

// Config selects and configures a training engine.
type Config struct {
	Kind       string // "subprocess" (default) or "simulated"
	Subprocess SubprocessConfig
	Simulated  SimulatedConfig
}

// New builds the engine named by cfg.Kind.
func New(cfg Config, logger *slog.Logger) (domain.TrainingEngine, error) {
	switch cfg.Kind {
	case "", KindSubprocess:
		return NewSubprocessEngine(cfg.Subprocess, logger)
	case KindSimulated:
		return NewSimulatedEngine(cfg.Simulated), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine kind %q", domain.ErrEngineUnavailable, cfg.Kind)
	}
}
