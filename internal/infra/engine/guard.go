package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/breaker"
)

// GuardedEngine puts a circuit breaker in front of an engine. Failed starts
// and runs that exit with an error count against the breaker; while it is
// open, Start fails fast with ErrEngineUnavailable.
type GuardedEngine struct {
	inner   domain.TrainingEngine
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewGuardedEngine wraps inner with b.
func NewGuardedEngine(inner domain.TrainingEngine, b *breaker.Breaker, logger *slog.Logger) *GuardedEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedEngine{
		inner:   inner,
		breaker: b,
		logger:  logger.With("component", "engine_guard"),
	}
}

// Name returns the wrapped engine's name.
func (g *GuardedEngine) Name() string { return g.inner.Name() }

// Inner returns the wrapped engine.
func (g *GuardedEngine) Inner() domain.TrainingEngine { return g.inner }

// Breaker returns the breaker guarding the engine.
func (g *GuardedEngine) Breaker() *breaker.Breaker { return g.breaker }

// Start launches a run unless the breaker is open.
func (g *GuardedEngine) Start(ctx context.Context, req domain.TrainingRequest) (domain.TrainingRun, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	run, err := g.inner.Start(ctx, req)
	if err != nil {
		g.breaker.Failure()
		g.logger.Warn("engine failed to start", "job", req.JobID, "error", err,
			"breaker", g.breaker.State())
		return nil, err
	}
	return &guardedRun{TrainingRun: run, guard: g, ctx: ctx, jobID: req.JobID}, nil
}

type guardedRun struct {
	domain.TrainingRun
	guard *GuardedEngine
	ctx   context.Context
	jobID string
	once  sync.Once
}

// Wait records the run's exit with the breaker. A run stopped because its
// job was cancelled does not count.
func (r *guardedRun) Wait() error {
	err := r.TrainingRun.Wait()
	r.once.Do(func() {
		switch {
		case err == nil:
			r.guard.breaker.Success()
		case r.ctx.Err() != nil:
		default:
			r.guard.breaker.Failure()
			r.guard.logger.Warn("engine run failed", "job", r.jobID, "error", err,
				"breaker", r.guard.breaker.State())
		}
	})
	return err
}
