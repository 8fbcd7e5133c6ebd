// Package health provides periodic health checks with auto-recovery.
// Checks cover the job store, working directories, disk, memory headroom
// and the training engine binary.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config sets check thresholds.
type Config struct {
	Interval           time.Duration
	MinFreeDiskBytes   uint64 // below this, disk_space is unhealthy
	MinAvailableMemory uint64 // below this, memory is unhealthy
}

// DefaultConfig returns a 60-second interval, 500 MB of disk and 1 GiB of
// memory headroom.
func DefaultConfig() Config {
	return Config{
		Interval:           60 * time.Second,
		MinFreeDiskBytes:   500 * 1000 * 1000,
		MinAvailableMemory: domain.GiB,
	}
}

// Pinger is satisfied by the job store.
type Pinger interface {
	Ping() error
}

// MemoryReporter is satisfied by resource.HostProfiler.
type MemoryReporter interface {
	MemoryUsage() (domain.MemoryUsage, error)
}

// Gate is satisfied by breaker.Breaker.
type Gate interface {
	Allow() error
}

// Deps are the components the checks probe. Nil fields skip their check.
type Deps struct {
	DB         Pinger
	Memory     MemoryReporter
	DataDir    string
	ModelsDir  string
	EnginePath string // subprocess trainer; empty for the simulated engine
	EngineGate Gate   // circuit breaker in front of the engine
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	logger   *slog.Logger
}

// NewChecker creates a health checker for deps.
func NewChecker(cfg Config, deps Deps, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}

	var checks []Check
	if deps.DB != nil {
		checks = append(checks, Check{
			Name: "database",
			CheckFn: func(ctx context.Context) error {
				return deps.DB.Ping()
			},
		})
	}

	dirs := []string{deps.DataDir, deps.ModelsDir}
	checks = append(checks, Check{
		Name: "directories",
		CheckFn: func(ctx context.Context) error {
			return checkDirs(dirs)
		},
		RecoverFn: func(ctx context.Context) error {
			for _, d := range dirs {
				if d == "" {
					continue
				}
				if err := os.MkdirAll(d, 0o755); err != nil {
					return err
				}
			}
			return nil
		},
	})

	if deps.ModelsDir != "" {
		checks = append(checks, Check{
			Name: "disk_space",
			CheckFn: func(ctx context.Context) error {
				return checkDiskSpace(ctx, deps.ModelsDir, cfg.MinFreeDiskBytes)
			},
		})
	}

	if deps.Memory != nil {
		checks = append(checks, Check{
			Name: "memory",
			CheckFn: func(ctx context.Context) error {
				return checkMemory(deps.Memory, cfg.MinAvailableMemory)
			},
		})
	}

	if deps.EnginePath != "" {
		checks = append(checks, Check{
			Name: "training_engine",
			CheckFn: func(ctx context.Context) error {
				return checkExecutable(deps.EnginePath)
			},
		})
	}

	if deps.EngineGate != nil {
		checks = append(checks, Check{
			Name: "engine_breaker",
			CheckFn: func(ctx context.Context) error {
				return deps.EngineGate.Allow()
			},
		})
	}

	return &Checker{
		checks:   checks,
		interval: cfg.Interval,
		logger:   logger.With("component", "health"),
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check now, attempting recovery on failures, and
// returns the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
			Healthy:   true,
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.logger.Warn("recovery failed", "check", check.Name, "error", rerr)
				} else if check.CheckFn(ctx) == nil {
					s.Healthy = true
					s.Recovered = true
					s.Error = ""
				}
			}
		}
		if s.Healthy {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		} else {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
			c.logger.Warn("health check failed", "check", check.Name, "error", s.Error)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()

	result := make([]Status, len(statuses))
	copy(result, statuses)
	return result
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDirs(dirs []string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		info, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("check dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", d)
		}
	}
	return nil
}

func checkDiskSpace(ctx context.Context, dir string, minBytes uint64) error {
	usage, err := disk.UsageWithContext(ctx, existingAncestor(dir))
	if err != nil {
		return fmt.Errorf("check disk: %w", err)
	}
	if usage.Free < minBytes {
		return fmt.Errorf("only %s free under %s (need %s)",
			humanize.Bytes(usage.Free), dir, humanize.Bytes(minBytes))
	}
	return nil
}

func checkMemory(m MemoryReporter, minBytes uint64) error {
	usage, err := m.MemoryUsage()
	if err != nil {
		return fmt.Errorf("check memory: %w", err)
	}
	if usage.AvailableBytes < minBytes {
		return fmt.Errorf("only %s memory available (need %s); runs will use the minimum batch size",
			humanize.IBytes(usage.AvailableBytes), humanize.IBytes(minBytes))
	}
	return nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s is missing", domain.ErrEngineUnavailable, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrEngineUnavailable, path)
	}
	return nil
}

// existingAncestor returns dir or its closest parent that exists.
func existingAncestor(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
