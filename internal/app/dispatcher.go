package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/health"
	"github.com/tutu-network/tunekit/internal/infra/finetune"
	"github.com/tutu-network/tunekit/internal/infra/optimizer"
)

// ─── Actions ────────────────────────────────────────────────────────────────
// Every entry point (CLI, HTTP, stdin) speaks the same tagged request:
// a JSON object with a required "action" and action-specific fields.

const (
	ActionOptimize      = "optimize"
	ActionValidate      = "validate"
	ActionEstimate      = "estimate"
	ActionTrain         = "train"
	ActionTrainModel    = "train_model"
	ActionHealthCheck   = "health_check"
	ActionGetSystemInfo = "get_system_info"
)

// Actions lists every action Do accepts.
var Actions = []string{
	ActionOptimize, ActionValidate, ActionEstimate,
	ActionTrain, ActionTrainModel, ActionHealthCheck, ActionGetSystemInfo,
}

// Request is a tagged action request.
type Request struct {
	Action      string           `json:"action"`
	Config      domain.RawConfig `json:"config,omitempty"`
	DatasetSize *int             `json:"dataset_size,omitempty"`
	DatasetPath string           `json:"dataset_path,omitempty"`
	Production  bool             `json:"production,omitempty"`
}

// Response is the action result envelope. Failures carry the action name
// and an error message and no result.
type Response struct {
	Success bool   `json:"success"`
	Action  string `json:"action,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds the structured error payload for action.
func Failure(action string, err error) Response {
	return Response{Success: false, Action: action, Error: err.Error()}
}

// ─── Services ───────────────────────────────────────────────────────────────

// JobSubmitter starts supervised training jobs. Implemented by
// finetune.Coordinator.
type JobSubmitter interface {
	Submit(req finetune.JobRequest) (*domain.Job, error)
	EngineName() string
}

// HealthProber runs health checks on demand. Implemented by health.Checker.
type HealthProber interface {
	RunOnce(ctx context.Context) []health.Status
}

// Services are the components actions call into. Optimizer, Validator and
// Profiler are required; the rest are optional.
type Services struct {
	Optimizer    finetune.ConfigOptimizer
	Validator    finetune.DatasetValidator
	Profiler     domain.ResourceProfiler
	Memory       health.MemoryReporter
	Jobs         JobSubmitter
	Health       HealthProber
	Capabilities domain.Capabilities
	Version      string
}

// SystemInfo is the get_system_info result.
type SystemInfo struct {
	Version      string                  `json:"version"`
	OS           string                  `json:"os"`
	Arch         string                  `json:"arch"`
	GoVersion    string                  `json:"go_version"`
	Engine       string                  `json:"engine,omitempty"`
	Resources    domain.ResourceSnapshot `json:"resources"`
	Memory       *domain.MemoryUsage     `json:"memory,omitempty"`
	Capabilities domain.Capabilities     `json:"capabilities"`
	Status       string                  `json:"status"`
}

// HealthReport is the health_check result.
type HealthReport struct {
	Healthy   bool            `json:"healthy"`
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Dispatcher routes tagged requests to the core components.
type Dispatcher struct {
	svc    Services
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over svc.
func NewDispatcher(svc Services, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{svc: svc, logger: logger.With("component", "dispatcher")}
}

// Handle decodes a raw JSON request and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Failure("", fmt.Errorf("invalid JSON input: %w", err))
	}
	return d.Do(ctx, req)
}

// Do runs one action. It never panics on bad input; every failure becomes
// a Response with Success false.
func (d *Dispatcher) Do(ctx context.Context, req Request) Response {
	result, err := d.Run(ctx, req)
	if err != nil {
		d.logger.Warn("action failed", "action", req.Action, "error", err)
		return Failure(req.Action, err)
	}
	return Response{Success: true, Action: req.Action, Result: result}
}

// Run executes one action and returns its typed result.
func (d *Dispatcher) Run(ctx context.Context, req Request) (any, error) {
	switch req.Action {
	case "":
		return nil, domain.ErrMissingAction
	case ActionOptimize:
		return d.Optimize(req)
	case ActionValidate:
		return d.Validate(req.DatasetPath)
	case ActionEstimate:
		return d.Estimate(req)
	case ActionTrain, ActionTrainModel:
		return d.Train(req)
	case ActionHealthCheck:
		return d.Health(ctx), nil
	case ActionGetSystemInfo:
		return d.SystemInfo(), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAction, req.Action)
	}
}

// ─── Typed Operations ───────────────────────────────────────────────────────

// Optimize resolves req.Config for req.DatasetSize samples.
func (d *Dispatcher) Optimize(req Request) (domain.ResolvedConfig, error) {
	if req.DatasetSize == nil {
		return domain.ResolvedConfig{}, fmt.Errorf("%w: dataset_size", domain.ErrMissingParam)
	}
	raw := req.Config
	if raw == nil {
		raw = domain.RawConfig{}
	}
	if req.Production {
		return d.svc.Optimizer.OptimizeForProduction(raw, *req.DatasetSize)
	}
	return d.svc.Optimizer.Optimize(raw, *req.DatasetSize)
}

// Validate inspects the dataset at path. An unreadable or unusable dataset
// is a report with Valid false, not an error.
func (d *Dispatcher) Validate(path string) (domain.DatasetQualityReport, error) {
	if path == "" {
		return domain.DatasetQualityReport{}, fmt.Errorf("%w: dataset_path", domain.ErrMissingParam)
	}
	return d.svc.Validator.Validate(path), nil
}

// Estimate projects run time for req.DatasetSize samples under req.Config.
func (d *Dispatcher) Estimate(req Request) (domain.TimeEstimate, error) {
	if req.DatasetSize == nil {
		return domain.TimeEstimate{}, fmt.Errorf("%w: dataset_size", domain.ErrMissingParam)
	}
	return optimizer.Estimate(*req.DatasetSize, optimizer.InputFromRaw(req.Config)), nil
}

// Train submits a supervised training job.
func (d *Dispatcher) Train(req Request) (*domain.Job, error) {
	if d.svc.Jobs == nil {
		return nil, fmt.Errorf("%w: no job coordinator configured", domain.ErrEngineUnavailable)
	}
	if req.DatasetPath == "" {
		return nil, fmt.Errorf("%w: dataset_path", domain.ErrMissingParam)
	}
	jr := finetune.JobRequest{
		DatasetPath: req.DatasetPath,
		Config:      req.Config,
		Production:  req.Production,
	}
	if req.DatasetSize != nil {
		jr.DatasetSize = *req.DatasetSize
	}
	return d.svc.Jobs.Submit(jr)
}

// Health runs every health check now.
func (d *Dispatcher) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Status: "healthy", CheckedAt: time.Now()}
	if d.svc.Health == nil {
		return report
	}
	report.Checks = d.svc.Health.RunOnce(ctx)
	for _, s := range report.Checks {
		if !s.Healthy {
			report.Healthy = false
			report.Status = "unhealthy"
			break
		}
	}
	return report
}

// SystemInfo describes this host and what it can run.
func (d *Dispatcher) SystemInfo() SystemInfo {
	info := SystemInfo{
		Version:      d.svc.Version,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		Capabilities: d.svc.Capabilities,
		Status:       "ready",
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if d.svc.Jobs != nil {
		info.Engine = d.svc.Jobs.EngineName()
	}
	if d.svc.Profiler != nil {
		info.Resources = d.svc.Profiler.Snapshot()
	}
	if d.svc.Memory != nil {
		if mem, err := d.svc.Memory.MemoryUsage(); err == nil {
			info.Memory = &mem
		} else {
			d.logger.Debug("memory usage unavailable", "error", err)
		}
	}
	return info
}

// IsInputError reports whether err was caused by the request itself.
func IsInputError(err error) bool {
	return errors.Is(err, domain.ErrMissingAction) || errors.Is(err, domain.ErrUnknownAction) ||
		errors.Is(err, domain.ErrMissingParam) || errors.Is(err, domain.ErrInvalidConfig) ||
		errors.Is(err, domain.ErrInvalidDatasetSize)
}
