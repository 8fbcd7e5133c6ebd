package resource

import (
	"math"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// UsableMemoryFraction is the share of available memory a run may plan for.
	UsableMemoryFraction = 0.6

	// MaxBatchSize caps the per-device batch regardless of memory.
	MaxBatchSize = 32

	// DefaultMemoryPerSampleGiB applies to unknown model families.
	DefaultMemoryPerSampleGiB = 0.05
)

// memoryPerSampleGiB is the approximate activation memory per sample.
var memoryPerSampleGiB = map[domain.ModelFamily]float64{
	domain.FamilyGPT2:       0.05,
	domain.FamilyDistilBERT: 0.03,
	domain.FamilyTinyBERT:   0.02,
}

// MemoryPerSample returns the per-sample memory cost in GiB for family.
func MemoryPerSample(family domain.ModelFamily) float64 {
	if v, ok := memoryPerSampleGiB[family]; ok {
		return v
	}
	return DefaultMemoryPerSampleGiB
}

// OptimalBatchSize returns the largest batch that fits in 60% of available
// memory, clamped to [1, MaxBatchSize]. Zero memory yields 1.
func OptimalBatchSize(s domain.ResourceSnapshot, family domain.ModelFamily) int {
	usable := s.AvailableGiB() * UsableMemoryFraction
	batch := int(math.Floor(usable / MemoryPerSample(family)))
	if batch < 1 {
		return 1
	}
	if batch > MaxBatchSize {
		return MaxBatchSize
	}
	return batch
}
