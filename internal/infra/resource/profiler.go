// Package resource profiles the training host.
// It reports CPU count and available memory, and derives the largest batch
// size the host can hold for a given model family.
package resource

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/metrics"
)

// ─── Host Profiler ──────────────────────────────────────────────────────────

// HostProfiler reads live host resources. Every call to Snapshot probes
// again; nothing is cached.
type HostProfiler struct {
	logger *slog.Logger

	// Injectable probes for testing.
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	cgroupMemory  func() (limit, usage uint64, ok bool)
	numCPU        func() int
	now           func() time.Time
}

// NewHostProfiler creates a profiler backed by gopsutil and cpuid.
func NewHostProfiler(logger *slog.Logger) *HostProfiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostProfiler{
		logger:        logger.With("component", "resource"),
		virtualMemory: mem.VirtualMemory,
		cgroupMemory:  cgroupMemory,
		numCPU:        runtime.NumCPU,
		now:           time.Now,
	}
}

// Snapshot captures CPU and memory now. A failed memory probe reports zero
// available bytes, which sizes the run at the minimum batch.
func (p *HostProfiler) Snapshot() domain.ResourceSnapshot {
	snap := domain.ResourceSnapshot{
		CPUCount:    p.numCPU(),
		CPUBrand:    cpuid.CPU.BrandName,
		CPUFeatures: cpuFeatures(),
		CapturedAt:  p.now(),
	}

	vm, err := p.virtualMemory()
	if err != nil {
		p.logger.Warn("memory probe failed", "error", err)
	} else {
		snap.AvailableMemoryBytes = vm.Available
		snap.TotalMemoryBytes = vm.Total
	}

	// A container limit tighter than the host wins.
	if limit, usage, ok := p.cgroupMemory(); ok {
		free := uint64(0)
		if usage < limit {
			free = limit - usage
		}
		if snap.TotalMemoryBytes == 0 || limit < snap.TotalMemoryBytes {
			snap.TotalMemoryBytes = limit
		}
		if free < snap.AvailableMemoryBytes || err != nil {
			snap.AvailableMemoryBytes = free
		}
	}

	p.logger.Debug("resource snapshot",
		"cpus", snap.CPUCount,
		"available_bytes", snap.AvailableMemoryBytes,
		"total_bytes", snap.TotalMemoryBytes)
	metrics.AvailableMemory.Set(float64(snap.AvailableMemoryBytes))
	metrics.CPUCount.Set(float64(snap.CPUCount))
	return snap
}

// MemoryUsage reports host memory totals for status output.
func (p *HostProfiler) MemoryUsage() (domain.MemoryUsage, error) {
	vm, err := p.virtualMemory()
	if err != nil {
		return domain.MemoryUsage{}, err
	}
	return domain.MemoryUsage{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		UsedPercent:    vm.UsedPercent,
	}, nil
}

// cpuFeatures lists the vector extensions relevant to training throughput.
func cpuFeatures() []string {
	checks := []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"avx", cpuid.AVX},
		{"avx2", cpuid.AVX2},
		{"fma3", cpuid.FMA3},
		{"avx512f", cpuid.AVX512F},
		{"avx512bf16", cpuid.AVX512BF16},
		{"asimd", cpuid.ASIMD},
		{"sve", cpuid.SVE},
	}
	var out []string
	for _, c := range checks {
		if cpuid.CPU.Supports(c.id) {
			out = append(out, c.name)
		}
	}
	return out
}

// ─── Static Profiler ────────────────────────────────────────────────────────

// StaticProfiler returns a fixed snapshot. Used by tests and by the CLI
// when memory is overridden on the command line.
type StaticProfiler struct {
	Snap domain.ResourceSnapshot
}

// NewStaticProfiler creates a profiler that always reports cpus and availableBytes.
func NewStaticProfiler(cpus int, availableBytes uint64) *StaticProfiler {
	return &StaticProfiler{Snap: domain.ResourceSnapshot{
		CPUCount:             cpus,
		AvailableMemoryBytes: availableBytes,
		TotalMemoryBytes:     availableBytes,
	}}
}

// Snapshot returns the fixed snapshot stamped with the current time.
func (p *StaticProfiler) Snapshot() domain.ResourceSnapshot {
	s := p.Snap
	s.CapturedAt = time.Now()
	return s
}
