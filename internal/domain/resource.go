package domain

import "time"

// A snapshot is taken for every optimization call and never cached:
// memory pressure on a training host changes from minute to minute.

// GiB is the binary gigabyte used by every memory threshold.
const GiB = 1 << 30

// ResourceSnapshot is the host state the optimizer sizes a run against.
type ResourceSnapshot struct {
	CPUCount             int       `json:"cpu_count"`
	AvailableMemoryBytes uint64    `json:"available_memory_bytes"`
	TotalMemoryBytes     uint64    `json:"total_memory_bytes,omitempty"`
	CPUBrand             string    `json:"cpu_brand,omitempty"`
	CPUFeatures          []string  `json:"cpu_features,omitempty"`
	CapturedAt           time.Time `json:"captured_at"`
}

// AvailableGiB returns available memory in GiB.
func (s ResourceSnapshot) AvailableGiB() float64 {
	return float64(s.AvailableMemoryBytes) / GiB
}

// MemoryUsage is a point-in-time view of host memory for status reporting.
type MemoryUsage struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// ModelFamily names a model architecture with known memory and speed costs.
type ModelFamily string

const (
	FamilyGPT2       ModelFamily = "gpt2"
	FamilyDistilBERT ModelFamily = "distilbert"
	FamilyTinyBERT   ModelFamily = "tinybert"

	// DefaultModelFamily is assumed when a config names no model type.
	DefaultModelFamily = FamilyGPT2
)

// Capabilities records which optional subsystems are usable on this host.
// Built once at startup and passed by value.
type Capabilities struct {
	TrainingEngineAvailable bool `json:"training_engine_available"`
	OCRAvailable            bool `json:"ocr_available"`
	PDFAvailable            bool `json:"pdf_available"`
}
