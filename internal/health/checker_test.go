package health

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeMemory struct {
	available uint64
	err       error
}

func (f fakeMemory) MemoryUsage() (domain.MemoryUsage, error) {
	return domain.MemoryUsage{AvailableBytes: f.available, TotalBytes: 2 * f.available}, f.err
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		DB:        newTestDB(t),
		Memory:    fakeMemory{available: 8 * domain.GiB},
		DataDir:   t.TempDir(),
		ModelsDir: t.TempDir(),
	}
}

func statusByName(t *testing.T, statuses []Status, name string) Status {
	t.Helper()
	for _, s := range statuses {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found in statuses", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(DefaultConfig(), testDeps(t), nil)
	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	// database, directories, disk_space, memory
	if len(c.checks) != 4 {
		t.Errorf("checks = %d, want 4", len(c.checks))
	}
}

func TestNewChecker_SkipsMissingDeps(t *testing.T) {
	c := NewChecker(DefaultConfig(), Deps{}, nil)
	if len(c.checks) != 1 {
		t.Errorf("checks = %d, want only directories", len(c.checks))
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFreeDiskBytes = 1
	c := NewChecker(cfg, testDeps(t), nil)
	statuses := c.RunOnce(context.Background())

	if len(statuses) != 4 {
		t.Fatalf("RunOnce() = %d statuses, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(DefaultConfig(), testDeps(t), nil)

	// Before any run, there are no statuses, so IsHealthy is vacuously true
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_DirectoriesRecover(t *testing.T) {
	deps := testDeps(t)
	deps.ModelsDir = filepath.Join(t.TempDir(), "models", "nested")

	c := NewChecker(DefaultConfig(), deps, nil)
	s := statusByName(t, c.RunOnce(context.Background()), "directories")
	if !s.Healthy || !s.Recovered {
		t.Errorf("directories = %+v, want recovered", s)
	}
	if info, err := os.Stat(deps.ModelsDir); err != nil || !info.IsDir() {
		t.Errorf("models dir not created: %v", err)
	}
}

func TestChecker_DirectoriesFileNotDir(t *testing.T) {
	deps := testDeps(t)
	deps.ModelsDir = filepath.Join(t.TempDir(), "models")
	os.WriteFile(deps.ModelsDir, []byte("not a dir"), 0644) //nolint:errcheck

	c := NewChecker(DefaultConfig(), deps, nil)
	s := statusByName(t, c.RunOnce(context.Background()), "directories")
	if s.Healthy {
		t.Error("directories should fail when a path is a file")
	}
}

func TestChecker_DiskSpaceThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFreeDiskBytes = 1 << 62
	c := NewChecker(cfg, testDeps(t), nil)

	s := statusByName(t, c.RunOnce(context.Background()), "disk_space")
	if s.Healthy {
		t.Error("disk_space should fail with an impossible threshold")
	}
}

func TestChecker_MemoryHeadroom(t *testing.T) {
	tests := []struct {
		name    string
		mem     fakeMemory
		healthy bool
	}{
		{"plenty", fakeMemory{available: 8 * domain.GiB}, true},
		{"low", fakeMemory{available: 256 << 20}, false},
		{"probe error", fakeMemory{err: errors.New("no /proc")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(t)
			deps.Memory = tt.mem
			c := NewChecker(DefaultConfig(), deps, nil)
			s := statusByName(t, c.RunOnce(context.Background()), "memory")
			if s.Healthy != tt.healthy {
				t.Errorf("memory Healthy = %v, want %v (%s)", s.Healthy, tt.healthy, s.Error)
			}
		})
	}
}

func TestChecker_TrainingEngine(t *testing.T) {
	deps := testDeps(t)
	deps.EnginePath = filepath.Join(t.TempDir(), "tunekit-train")

	c := NewChecker(DefaultConfig(), deps, nil)
	s := statusByName(t, c.RunOnce(context.Background()), "training_engine")
	if s.Healthy {
		t.Error("training_engine should fail when the binary is missing")
	}

	os.WriteFile(deps.EnginePath, []byte("#!/bin/sh\n"), 0o755) //nolint:errcheck
	s = statusByName(t, c.RunOnce(context.Background()), "training_engine")
	if !s.Healthy {
		t.Errorf("training_engine = %+v, want healthy", s)
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	c := &Checker{
		logger: slog.Default(),
		checks: []Check{
			{
				Name: "always_pass",
				CheckFn: func(ctx context.Context) error {
					return nil
				},
			},
		},
	}

	statuses := c.RunOnce(context.Background())
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("always_pass check should be healthy")
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := &Checker{
		logger: slog.Default(),
		checks: []Check{
			{
				Name: "always_fail",
				CheckFn: func(ctx context.Context) error {
					return os.ErrPermission
				},
				RecoverFn: func(ctx context.Context) error {
					recovered = true
					return nil
				},
			},
		},
	}

	statuses := c.RunOnce(context.Background())
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("error message should be populated")
	}
	if !recovered {
		t.Error("RecoverFn was not attempted")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() = true with a failing check")
	}
}

func TestChecker_StatusesCopy(t *testing.T) {
	c := NewChecker(DefaultConfig(), testDeps(t), nil)
	c.RunOnce(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()

	if len(s1) > 0 {
		s1[0].Name = "mutated"
		if s2[0].Name == "mutated" {
			t.Error("Statuses() should return a copy, not a reference")
		}
	}
}

func TestExistingAncestor(t *testing.T) {
	dir := t.TempDir()
	if got := existingAncestor(filepath.Join(dir, "a", "b")); got != dir {
		t.Errorf("existingAncestor() = %q, want %q", got, dir)
	}
}
