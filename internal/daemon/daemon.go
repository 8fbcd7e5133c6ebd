package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tutu-network/tunekit/internal/api"
	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/health"
	"github.com/tutu-network/tunekit/internal/infra/breaker"
	"github.com/tutu-network/tunekit/internal/infra/dataset"
	"github.com/tutu-network/tunekit/internal/infra/engine"
	"github.com/tutu-network/tunekit/internal/infra/finetune"
	"github.com/tutu-network/tunekit/internal/infra/optimizer"
	"github.com/tutu-network/tunekit/internal/infra/resource"
	"github.com/tutu-network/tunekit/internal/infra/sqlite"
)

// ─── Core ───────────────────────────────────────────────────────────────────

// Core holds the stateless components every command needs. Building it
// touches neither the database nor the training engine.
type Core struct {
	Config       Config
	Capabilities domain.Capabilities
	Profiler     domain.ResourceProfiler
	Memory       health.MemoryReporter // nil when memory is overridden
	Optimizer    *optimizer.Optimizer
	Validator    *dataset.Validator
	Logger       *slog.Logger
}

// NewCore builds the optimizer, validator and profiler for cfg.
func NewCore(cfg Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	core := &Core{
		Config:       cfg,
		Capabilities: DetectCapabilities(cfg),
		Logger:       logger,
	}

	if override := cfg.MemoryOverride(); override > 0 {
		core.Profiler = resource.NewStaticProfiler(runtime.NumCPU(), override)
	} else {
		host := resource.NewHostProfiler(logger)
		core.Profiler = host
		core.Memory = host
	}

	optCfg := optimizer.DefaultConfig()
	if cfg.Optimizer.DefaultModel != "" {
		optCfg.DefaultModel = domain.ModelFamily(cfg.Optimizer.DefaultModel)
	}
	if cfg.Optimizer.LearningRate > 0 {
		optCfg.BaseLearningRate = cfg.Optimizer.LearningRate
	}
	if cfg.Optimizer.DefaultEpochs > 0 {
		optCfg.DefaultEpochs = cfg.Optimizer.DefaultEpochs
	}
	core.Optimizer = optimizer.New(optCfg, core.Profiler, logger)

	dsCfg := dataset.DefaultConfig()
	if cfg.Jobs.MaxDatasetSize != "" {
		dsCfg.MaxFileBytes = cfg.MaxDatasetBytes()
	}
	core.Validator = dataset.NewValidator(dsCfg, core.Capabilities, logger)
	return core
}

// NewDispatcher returns a dispatcher over the core components only. Training
// and health actions report that no coordinator is configured.
func (c *Core) NewDispatcher(version string) *app.Dispatcher {
	return app.NewDispatcher(app.Services{
		Optimizer:    c.Optimizer,
		Validator:    c.Validator,
		Profiler:     c.Profiler,
		Memory:       c.Memory,
		Capabilities: c.Capabilities,
		Version:      version,
	}, c.Logger)
}

// NewEngine builds the configured training engine. Kind "auto" falls back to
// the simulated engine when no trainer is installed.
func (c *Core) NewEngine() (domain.TrainingEngine, error) {
	cfg := c.Config
	engCfg := engine.Config{
		Kind: cfg.Engine.Kind,
		Subprocess: engine.SubprocessConfig{
			Command: cfg.Engine.Command,
			Args:    cfg.Engine.Args,
			Env:     cfg.Engine.Env,
			Dir:     cfg.Engine.Dir,
			Home:    Home(),
		},
		Simulated: engine.DefaultSimulatedConfig(),
	}
	engCfg.Simulated.StepDelay = cfg.SimulatedStepDelay()

	if engCfg.Kind != engineKindAuto && engCfg.Kind != "" {
		return engine.New(engCfg, c.Logger)
	}

	engCfg.Kind = engine.KindSubprocess
	eng, err := engine.New(engCfg, c.Logger)
	if errors.Is(err, domain.ErrEngineUnavailable) {
		c.Logger.Warn("training engine not found, using simulated engine (no real training)",
			"command", cfg.Engine.Command)
		return engine.NewSimulatedEngine(engCfg.Simulated), nil
	}
	return eng, err
}

// ─── Daemon ─────────────────────────────────────────────────────────────────

// Daemon is the long-running tunekit runtime. It wires together all services.
type Daemon struct {
	*Core
	Version    string
	DB         *sqlite.DB
	Engine     domain.TrainingEngine
	Breaker    *breaker.Breaker
	Jobs       *finetune.Coordinator
	Health     *health.Checker
	Dispatcher *app.Dispatcher
	Server     *api.Server
	cancel     context.CancelFunc
}

// New loads configuration and creates a Daemon with all services wired.
func New(version string, logger *slog.Logger) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, version, logger)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, version string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	home := Home()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	core := NewCore(cfg, logger)

	db, err := sqlite.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := recoverStore(db, cfg, version, logger); err != nil {
		db.Close()
		return nil, err
	}

	eng, err := core.NewEngine()
	if err != nil {
		db.Close()
		return nil, err
	}
	var enginePath string
	if sub, ok := eng.(*engine.SubprocessEngine); ok {
		enginePath = sub.Path()
	}
	guard := breaker.New("training_engine", breaker.Config{
		Threshold: cfg.Engine.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown(),
	})
	eng = engine.NewGuardedEngine(eng, guard, logger)

	jobsCfg := finetune.CoordinatorConfig{
		MaxConcurrentJobs:     cfg.Jobs.MaxConcurrent,
		StallTimeout:          cfg.StallTimeout(),
		OutputRoot:            cfg.OutputDir(),
		RejectInvalidDatasets: cfg.Jobs.RejectInvalidDatasets,
	}
	jobs := finetune.NewCoordinator(jobsCfg, eng, core.Optimizer, core.Validator, db, logger)

	deps := health.Deps{
		DB:         db,
		Memory:     core.Memory,
		DataDir:    home,
		ModelsDir:  cfg.OutputDir(),
		EnginePath: enginePath,
		EngineGate: guard,
	}
	checker := health.NewChecker(health.DefaultConfig(), deps, logger)

	dispatcher := app.NewDispatcher(app.Services{
		Optimizer:    core.Optimizer,
		Validator:    core.Validator,
		Profiler:     core.Profiler,
		Memory:       core.Memory,
		Jobs:         jobs,
		Health:       checker,
		Capabilities: core.Capabilities,
		Version:      version,
	}, logger)

	srv := api.NewServer(api.Config{
		CORSOrigins:    cfg.API.CORSOrigins,
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		RequestTimeout: cfg.RequestTimeout(),
		EnableMetrics:  cfg.Telemetry.Prometheus,
	}, dispatcher, jobs, logger)

	return &Daemon{
		Core:       core,
		Version:    version,
		DB:         db,
		Engine:     eng,
		Breaker:    guard,
		Jobs:       jobs,
		Health:     checker,
		Dispatcher: dispatcher,
		Server:     srv,
	}, nil
}

// recoverStore fails jobs a previous process left running, prunes old
// finished jobs and records the running version.
func recoverStore(db *sqlite.DB, cfg Config, version string, logger *slog.Logger) error {
	now := time.Now()
	n, err := db.MarkInterrupted(now)
	if err != nil {
		return fmt.Errorf("mark interrupted jobs: %w", err)
	}
	if n > 0 {
		logger.Warn("marked interrupted jobs as failed", "count", n)
	}

	if retention := cfg.Retention(); retention > 0 {
		pruned, err := db.PruneJobs(now.Add(-retention))
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		if pruned > 0 {
			logger.Info("pruned finished jobs", "count", pruned, "retention", retention)
		}
	}

	if prev, err := db.GetNodeInfo("version"); err == nil && prev != "" && prev != version {
		logger.Info("version changed", "from", prev, "to", version)
	}
	return db.SetNodeInfo("version", version)
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Health checker (always runs)
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams last as long as a job
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			d.Logger.Info("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Logger.Info("tunekit serving",
		"addr", "http://"+addr,
		"engine", d.Engine.Name(),
		"metrics", d.Config.Telemetry.Prometheus)

	err := httpServer.ListenAndServe()
	d.Close()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close cancels running jobs and releases all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Jobs != nil {
		d.Jobs.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
		d.DB = nil
	}
}
