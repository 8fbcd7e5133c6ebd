package optimizer

import "github.com/tutu-network/tunekit/internal/domain"

const (
	// MaxDataloaderWorkers caps loader processes regardless of core count.
	MaxDataloaderWorkers = 4

	// ConservativeBelowBytes forces the most memory-frugal regime.
	ConservativeBelowBytes = 4 * domain.GiB

	// ConservativeOptimizer is the memory-efficient optimizer variant.
	ConservativeOptimizer = "adamw_8bit"
)

// ApplyProduction layers long-running-job settings over a resolved config.
// On hosts under 4 GiB free the conservative regime replaces whatever
// tiering chose. The learning rate is left as tiering scaled it.
func ApplyProduction(cfg *domain.ResolvedConfig, snap domain.ResourceSnapshot, goos string) {
	cfg.DataloaderNumWorkers = min(MaxDataloaderWorkers, max(1, snap.CPUCount))
	cfg.DataloaderPinMemory = true
	cfg.ResumeFromCheckpoint = true
	cfg.IgnoreDataSkip = true
	cfg.PredictionLossOnly = true
	cfg.EvalAccumulationSteps = 1
	cfg.TF32 = goos == "linux"

	if snap.AvailableMemoryBytes < ConservativeBelowBytes {
		cfg.BatchSize = 1
		cfg.GradientAccumulationSteps = ReferenceBatchSize
		cfg.FP16 = true
		cfg.GradientCheckpointing = true
		cfg.Optim = ConservativeOptimizer
	}
}
