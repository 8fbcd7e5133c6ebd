package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/health"
	"github.com/tutu-network/tunekit/internal/infra/dataset"
	"github.com/tutu-network/tunekit/internal/infra/finetune"
	"github.com/tutu-network/tunekit/internal/infra/optimizer"
	"github.com/tutu-network/tunekit/internal/infra/resource"
)

type fakeJobs struct {
	submitted []finetune.JobRequest
	err       error
}

func (f *fakeJobs) Submit(req finetune.JobRequest) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, req)
	return &domain.Job{ID: "job-1", Status: domain.JobPending, DatasetPath: req.DatasetPath, CreatedAt: time.Now()}, nil
}

func (f *fakeJobs) EngineName() string { return "simulated" }

type fakeHealth struct{ statuses []health.Status }

func (f fakeHealth) RunOnce(context.Context) []health.Status { return f.statuses }

type fakeMemory struct{}

func (fakeMemory) MemoryUsage() (domain.MemoryUsage, error) {
	return domain.MemoryUsage{TotalBytes: 16 * domain.GiB, AvailableBytes: 8 * domain.GiB}, nil
}

func newTestDispatcher(t *testing.T, jobs JobSubmitter, hp HealthProber) *Dispatcher {
	t.Helper()
	profiler := resource.NewStaticProfiler(8, 16*domain.GiB)
	return NewDispatcher(Services{
		Optimizer:    optimizer.New(optimizer.DefaultConfig(), profiler, nil),
		Validator:    dataset.NewValidator(dataset.DefaultConfig(), domain.Capabilities{PDFAvailable: true}, nil),
		Profiler:     profiler,
		Memory:       fakeMemory{},
		Jobs:         jobs,
		Health:       hp,
		Capabilities: domain.Capabilities{PDFAvailable: true},
		Version:      "1.2.3",
	}, nil)
}

func intp(n int) *int { return &n }

// ─── Dispatch ───────────────────────────────────────────────────────────────

func TestDispatcher_Errors(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	tests := []struct {
		name   string
		raw    string
		action string
		want   error
	}{
		{"missing action", `{}`, "", domain.ErrMissingAction},
		{"unknown action", `{"action": "explode"}`, "explode", domain.ErrUnknownAction},
		{"optimize without size", `{"action": "optimize", "config": {}}`, "optimize", domain.ErrMissingParam},
		{"estimate without size", `{"action": "estimate"}`, "estimate", domain.ErrMissingParam},
		{"validate without path", `{"action": "validate"}`, "validate", domain.ErrMissingParam},
		{"train without coordinator", `{"action": "train", "dataset_path": "x.txt"}`, "train", domain.ErrEngineUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Handle(context.Background(), []byte(tt.raw))
			if resp.Success {
				t.Fatalf("Success = true, want false")
			}
			if resp.Action != tt.action {
				t.Errorf("Action = %q, want %q", resp.Action, tt.action)
			}
			if resp.Error == "" || !strings.Contains(resp.Error, tt.want.Error()) {
				t.Errorf("Error = %q, want it to mention %q", resp.Error, tt.want)
			}
			if _, err := d.Run(context.Background(), mustRequest(t, tt.raw)); !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func mustRequest(t *testing.T, raw string) Request {
	t.Helper()
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return req
}

func TestDispatcher_InvalidJSON(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	resp := d.Handle(context.Background(), []byte(`{"action":`))
	if resp.Success || !strings.Contains(resp.Error, "invalid JSON") {
		t.Errorf("resp = %+v, want invalid JSON failure", resp)
	}
}

func TestFailure_Payload(t *testing.T) {
	data, err := json.Marshal(Failure("optimize", domain.ErrInvalidConfig))
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var m map[string]any
	json.Unmarshal(data, &m) //nolint:errcheck
	if m["success"] != false || m["action"] != "optimize" || m["error"] != domain.ErrInvalidConfig.Error() {
		t.Errorf("payload = %s", data)
	}
	if _, ok := m["result"]; ok {
		t.Error("failure payload should not carry a result")
	}
}

// ─── Operations ─────────────────────────────────────────────────────────────

func TestDispatcher_Optimize(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	resp := d.Do(context.Background(), Request{
		Action:      ActionOptimize,
		Config:      domain.RawConfig{"model_type": "distilbert", "seed": 7.0},
		DatasetSize: intp(50),
	})
	if !resp.Success {
		t.Fatalf("Do() failed: %s", resp.Error)
	}
	cfg := resp.Result.(domain.ResolvedConfig)
	if cfg.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4 for 50 samples", cfg.BatchSize)
	}
	if cfg.Passthrough["seed"] != 7.0 {
		t.Errorf("Passthrough[seed] = %v, want 7", cfg.Passthrough["seed"])
	}
}

func TestDispatcher_OptimizeProduction(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	cfg, err := d.Optimize(Request{DatasetSize: intp(5000), Production: true})
	if err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 32 || cfg.GradientAccumulationSteps < 1 {
		t.Errorf("cfg = %+v, out of bounds", cfg)
	}
}

func TestDispatcher_Estimate(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	est, err := d.Estimate(Request{
		DatasetSize: intp(1000),
		Config:      domain.RawConfig{"max_epochs": 3, "batch_size": 8},
	})
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}
	want := (1000 * 3 * 0.1 * (1 - 0.3*8.0/32)) * 1.2
	if math.Abs(est.EstimatedSeconds-want) > 1e-9 {
		t.Errorf("EstimatedSeconds = %v, want %v", est.EstimatedSeconds, want)
	}
}

func TestDispatcher_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.txt")
	os.WriteFile(path, []byte("a|b\nc|d\ne|f\ng|h\ni|j\n"), 0o644) //nolint:errcheck

	d := newTestDispatcher(t, nil, nil)
	resp := d.Do(context.Background(), Request{Action: ActionValidate, DatasetPath: path})
	if !resp.Success {
		t.Fatalf("Do() failed: %s", resp.Error)
	}
	report := resp.Result.(domain.DatasetQualityReport)
	if report.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", report.SampleCount)
	}

	missing, err := d.Validate(filepath.Join(t.TempDir(), "missing.csv"))
	if err != nil {
		t.Fatalf("Validate(missing) error: %v", err)
	}
	if missing.Valid {
		t.Error("missing dataset should be reported invalid, not errored")
	}
}

func TestDispatcher_Train(t *testing.T) {
	jobs := &fakeJobs{}
	d := newTestDispatcher(t, jobs, nil)

	for _, action := range []string{ActionTrain, ActionTrainModel} {
		resp := d.Do(context.Background(), Request{
			Action:      action,
			DatasetPath: "/data/train.jsonl",
			DatasetSize: intp(300),
			Config:      domain.RawConfig{"max_epochs": 1},
		})
		if !resp.Success {
			t.Fatalf("%s failed: %s", action, resp.Error)
		}
	}
	if len(jobs.submitted) != 2 {
		t.Fatalf("submitted = %d, want 2", len(jobs.submitted))
	}
	if jobs.submitted[0].DatasetSize != 300 || jobs.submitted[0].DatasetPath != "/data/train.jsonl" {
		t.Errorf("submitted[0] = %+v", jobs.submitted[0])
	}

	jobs.err = domain.ErrTooManyJobs
	resp := d.Do(context.Background(), Request{Action: ActionTrain, DatasetPath: "/data/train.jsonl"})
	if resp.Success || !strings.Contains(resp.Error, domain.ErrTooManyJobs.Error()) {
		t.Errorf("resp = %+v, want too-many-jobs failure", resp)
	}
}

func TestDispatcher_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		prober  HealthProber
		healthy bool
	}{
		{"no checker", nil, true},
		{"all pass", fakeHealth{[]health.Status{{Name: "database", Healthy: true}}}, true},
		{"one fails", fakeHealth{[]health.Status{{Name: "database", Healthy: true}, {Name: "memory", Error: "low"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, nil, tt.prober)
			report := d.Health(context.Background())
			if report.Healthy != tt.healthy {
				t.Errorf("Healthy = %v, want %v", report.Healthy, tt.healthy)
			}
		})
	}
}

func TestDispatcher_SystemInfo(t *testing.T) {
	d := newTestDispatcher(t, &fakeJobs{}, nil)
	resp := d.Do(context.Background(), Request{Action: ActionGetSystemInfo})
	if !resp.Success {
		t.Fatalf("Do() failed: %s", resp.Error)
	}
	info := resp.Result.(SystemInfo)
	if info.Version != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", info.Version)
	}
	if info.Resources.CPUCount != 8 {
		t.Errorf("CPUCount = %d, want 8", info.Resources.CPUCount)
	}
	if info.Memory == nil || info.Memory.AvailableBytes != 8*domain.GiB {
		t.Errorf("Memory = %+v, want 8 GiB available", info.Memory)
	}
	if info.Engine != "simulated" || !info.Capabilities.PDFAvailable {
		t.Errorf("info = %+v", info)
	}
}

func TestIsInputError(t *testing.T) {
	if !IsInputError(domain.ErrMissingParam) || !IsInputError(domain.ErrUnknownAction) {
		t.Error("request errors should be input errors")
	}
	if IsInputError(domain.ErrEngineUnavailable) {
		t.Error("engine errors are not input errors")
	}
}
