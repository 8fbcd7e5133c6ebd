package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tutu-network/tunekit/internal/domain"
)

func snapshotGiB(gib float64) domain.ResourceSnapshot {
	return domain.ResourceSnapshot{
		CPUCount:             8,
		AvailableMemoryBytes: uint64(gib * domain.GiB),
	}
}

// ─── Batch Size Tests ───────────────────────────────────────────────────────

func TestOptimalBatchSize(t *testing.T) {
	tests := []struct {
		name   string
		gib    float64
		family domain.ModelFamily
		want   int
	}{
		{"zero memory", 0, domain.FamilyGPT2, 1},
		{"tiny memory", 0.01, domain.FamilyGPT2, 1},
		{"1GiB gpt2", 1, domain.FamilyGPT2, 11}, // 0.6/0.05 floors below 12
		{"1GiB distilbert", 1, domain.FamilyDistilBERT, 20},
		{"1GiB tinybert", 1, domain.FamilyTinyBERT, 30},
		{"2GiB gpt2", 2, domain.FamilyGPT2, 23},
		{"16GiB gpt2 capped", 16, domain.FamilyGPT2, MaxBatchSize},
		{"unknown family", 1, domain.ModelFamily("llama"), 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OptimalBatchSize(snapshotGiB(tt.gib), tt.family)
			if got != tt.want {
				t.Errorf("OptimalBatchSize(%v GiB, %s) = %d, want %d", tt.gib, tt.family, got, tt.want)
			}
		})
	}
}

func TestOptimalBatchSize_Bounds(t *testing.T) {
	for gib := 0.0; gib <= 64; gib += 0.25 {
		for _, f := range []domain.ModelFamily{domain.FamilyGPT2, domain.FamilyDistilBERT, domain.FamilyTinyBERT} {
			b := OptimalBatchSize(snapshotGiB(gib), f)
			if b < 1 || b > MaxBatchSize {
				t.Fatalf("OptimalBatchSize(%v, %s) = %d, outside [1, %d]", gib, f, b, MaxBatchSize)
			}
		}
	}
}

func TestMemoryPerSample_Default(t *testing.T) {
	if got := MemoryPerSample("unknown"); got != DefaultMemoryPerSampleGiB {
		t.Errorf("MemoryPerSample(unknown) = %v, want %v", got, DefaultMemoryPerSampleGiB)
	}
}

// ─── Host Profiler Tests ────────────────────────────────────────────────────

func newTestProfiler(vm *mem.VirtualMemoryStat, vmErr error) *HostProfiler {
	p := NewHostProfiler(nil)
	p.virtualMemory = func() (*mem.VirtualMemoryStat, error) { return vm, vmErr }
	p.cgroupMemory = func() (uint64, uint64, bool) { return 0, 0, false }
	p.numCPU = func() int { return 6 }
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	return p
}

func TestHostProfiler_Snapshot(t *testing.T) {
	p := newTestProfiler(&mem.VirtualMemoryStat{Total: 16 * domain.GiB, Available: 6 * domain.GiB}, nil)
	s := p.Snapshot()
	if s.CPUCount != 6 {
		t.Errorf("CPUCount = %d, want 6", s.CPUCount)
	}
	if s.AvailableMemoryBytes != 6*domain.GiB {
		t.Errorf("AvailableMemoryBytes = %d, want %d", s.AvailableMemoryBytes, uint64(6*domain.GiB))
	}
	if s.TotalMemoryBytes != 16*domain.GiB {
		t.Errorf("TotalMemoryBytes = %d, want %d", s.TotalMemoryBytes, uint64(16*domain.GiB))
	}
	if s.CapturedAt.IsZero() {
		t.Error("CapturedAt should be set")
	}
}

func TestHostProfiler_ProbeFailure(t *testing.T) {
	p := newTestProfiler(nil, errors.New("no /proc"))
	s := p.Snapshot()
	if s.AvailableMemoryBytes != 0 {
		t.Errorf("AvailableMemoryBytes = %d, want 0 on probe failure", s.AvailableMemoryBytes)
	}
	if got := OptimalBatchSize(s, domain.FamilyGPT2); got != 1 {
		t.Errorf("OptimalBatchSize after probe failure = %d, want 1", got)
	}
}

func TestHostProfiler_CgroupLimitWins(t *testing.T) {
	p := newTestProfiler(&mem.VirtualMemoryStat{Total: 64 * domain.GiB, Available: 48 * domain.GiB}, nil)
	p.cgroupMemory = func() (uint64, uint64, bool) { return 4 * domain.GiB, 1 * domain.GiB, true }

	s := p.Snapshot()
	if s.AvailableMemoryBytes != 3*domain.GiB {
		t.Errorf("AvailableMemoryBytes = %d, want %d", s.AvailableMemoryBytes, uint64(3*domain.GiB))
	}
	if s.TotalMemoryBytes != 4*domain.GiB {
		t.Errorf("TotalMemoryBytes = %d, want %d", s.TotalMemoryBytes, uint64(4*domain.GiB))
	}
}

func TestHostProfiler_CgroupOverUsage(t *testing.T) {
	p := newTestProfiler(&mem.VirtualMemoryStat{Total: 8 * domain.GiB, Available: 4 * domain.GiB}, nil)
	p.cgroupMemory = func() (uint64, uint64, bool) { return 2 * domain.GiB, 3 * domain.GiB, true }

	if s := p.Snapshot(); s.AvailableMemoryBytes != 0 {
		t.Errorf("AvailableMemoryBytes = %d, want 0 when usage exceeds limit", s.AvailableMemoryBytes)
	}
}

func TestHostProfiler_MemoryUsage(t *testing.T) {
	p := newTestProfiler(&mem.VirtualMemoryStat{Total: 10, Available: 4, Used: 6, UsedPercent: 60}, nil)
	u, err := p.MemoryUsage()
	if err != nil {
		t.Fatalf("MemoryUsage() error: %v", err)
	}
	if u.UsedBytes != 6 || u.UsedPercent != 60 {
		t.Errorf("MemoryUsage() = %+v, want used 6 (60%%)", u)
	}
}

func TestStaticProfiler(t *testing.T) {
	p := NewStaticProfiler(2, 3*domain.GiB)
	s := p.Snapshot()
	if s.CPUCount != 2 || s.AvailableMemoryBytes != 3*domain.GiB {
		t.Errorf("Snapshot() = %+v, want 2 cpus / 3GiB", s)
	}
}
