// Package optimizer turns a partial training request into a complete,
// resource-aware configuration and projects how long the run will take.
//
// Sizing rules:
//
//	dataset < 100          → batch = min(4, dataset)
//	100 ≤ dataset < 1000   → batch = min(8, optimal)
//	dataset ≥ 1000         → batch = optimal
//
// where optimal is the host-derived batch from the resource package.
// Accumulation keeps the effective batch near 8 and the learning rate is
// scaled linearly around that reference batch.
package optimizer

import (
	"log/slog"
	"math"
	"runtime"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/metrics"
	"github.com/tutu-network/tunekit/internal/infra/resource"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// ReferenceBatchSize anchors accumulation and learning-rate scaling.
	ReferenceBatchSize = 8

	// DefaultLearningRate is used when the request names none.
	DefaultLearningRate = 5e-5

	// DefaultEpochs is used when the request names none.
	DefaultEpochs = 3

	// MixedPrecisionBelowBytes enables fp16 on hosts with less free memory.
	MixedPrecisionBelowBytes = 8 * domain.GiB

	// CheckpointingAboveSamples enables gradient checkpointing for larger datasets.
	CheckpointingAboveSamples = 5000

	// SaveTotalLimit is how many checkpoints the engine keeps.
	SaveTotalLimit = 3

	smallDatasetSamples  = 100
	mediumDatasetSamples = 1000
	smallDatasetMaxBatch = 4
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds optimizer defaults.
type Config struct {
	DefaultModel     domain.ModelFamily
	BaseLearningRate float64
	DefaultEpochs    int
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		DefaultModel:     domain.DefaultModelFamily,
		BaseLearningRate: DefaultLearningRate,
		DefaultEpochs:    DefaultEpochs,
	}
}

// ─── Optimizer ──────────────────────────────────────────────────────────────

// Optimizer resolves training configurations against live host resources.
// Safe for concurrent use: it holds no mutable state.
type Optimizer struct {
	config   Config
	profiler domain.ResourceProfiler
	logger   *slog.Logger
	goos     string
}

// New creates an optimizer.
func New(cfg Config, profiler domain.ResourceProfiler, logger *slog.Logger) *Optimizer {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = domain.DefaultModelFamily
	}
	if !(cfg.BaseLearningRate > 0) {
		cfg.BaseLearningRate = DefaultLearningRate
	}
	if cfg.DefaultEpochs <= 0 {
		cfg.DefaultEpochs = DefaultEpochs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		config:   cfg,
		profiler: profiler,
		logger:   logger.With("component", "optimizer"),
		goos:     runtime.GOOS,
	}
}

// Optimize resolves raw for a dataset of datasetSize samples using a fresh
// resource snapshot.
func (o *Optimizer) Optimize(raw domain.RawConfig, datasetSize int) (domain.ResolvedConfig, error) {
	snap := o.profiler.Snapshot()
	cfg := Resolve(o.config, raw, datasetSize, snap)
	o.logger.Debug("optimized config",
		"dataset_size", datasetSize,
		"available_bytes", snap.AvailableMemoryBytes,
		"batch_size", cfg.BatchSize,
		"accumulation", cfg.GradientAccumulationSteps)
	metrics.OptimizeRequests.WithLabelValues("standard").Inc()
	metrics.ResolvedBatchSize.Observe(float64(cfg.BatchSize))
	return cfg, cfg.Validate()
}

// OptimizeForProduction resolves raw and applies the production layer,
// both against the same snapshot.
func (o *Optimizer) OptimizeForProduction(raw domain.RawConfig, datasetSize int) (domain.ResolvedConfig, error) {
	snap := o.profiler.Snapshot()
	cfg := Resolve(o.config, raw, datasetSize, snap)
	ApplyProduction(&cfg, snap, o.goos)
	o.logger.Debug("optimized production config",
		"dataset_size", datasetSize,
		"available_bytes", snap.AvailableMemoryBytes,
		"batch_size", cfg.BatchSize,
		"workers", cfg.DataloaderNumWorkers,
		"optim", cfg.Optim)
	metrics.OptimizeRequests.WithLabelValues("production").Inc()
	metrics.ResolvedBatchSize.Observe(float64(cfg.BatchSize))
	return cfg, cfg.Validate()
}

// Resolve is the pure sizing function behind Optimize.
func Resolve(defaults Config, raw domain.RawConfig, datasetSize int, snap domain.ResourceSnapshot) domain.ResolvedConfig {
	if datasetSize < 0 {
		datasetSize = 0
	}

	family := defaults.DefaultModel
	if s, ok := raw.String("model_type"); ok && s != "" {
		family = domain.ModelFamily(s)
	}

	batch := tierBatchSize(datasetSize, resource.OptimalBatchSize(snap, family))

	lr := scaledLearningRate(defaults.BaseLearningRate, batch)
	if base, ok := raw.Float("learning_rate"); ok && base > 0 {
		if scaled := scaledLearningRate(base, batch); !math.IsInf(scaled, 0) {
			lr = scaled
		}
	}

	epochs := defaults.DefaultEpochs
	if e, ok := raw.Int("max_epochs"); ok && e > 0 {
		epochs = e
	}

	saveSteps := max(100, datasetSize/10)

	cfg := domain.ResolvedConfig{
		ModelType:                 string(family),
		BatchSize:                 batch,
		GradientAccumulationSteps: accumulationSteps(batch),
		LearningRate:              lr,
		MaxEpochs:                 epochs,
		FP16:                      snap.AvailableMemoryBytes < MixedPrecisionBelowBytes,
		GradientCheckpointing:     datasetSize > CheckpointingAboveSamples,
		LoggingSteps:              max(10, datasetSize/100),
		SaveSteps:                 saveSteps,
		EvalSteps:                 saveSteps,
		SaveTotalLimit:            SaveTotalLimit,
		LoadBestModelAtEnd:        true,
		EvaluationStrategy:        "steps",
		MetricForBestModel:        "eval_loss",
	}

	for k, v := range raw {
		if domain.IsResolvedKey(k) {
			continue
		}
		if cfg.Passthrough == nil {
			cfg.Passthrough = make(map[string]any)
		}
		cfg.Passthrough[k] = v
	}
	return cfg
}

// tierBatchSize keeps tiny datasets from getting batches larger than themselves.
func tierBatchSize(datasetSize, optimal int) int {
	var batch int
	switch {
	case datasetSize < smallDatasetSamples:
		batch = min(smallDatasetMaxBatch, datasetSize)
	case datasetSize < mediumDatasetSamples:
		batch = min(ReferenceBatchSize, optimal)
	default:
		batch = optimal
	}
	return max(1, batch)
}

// scaledLearningRate scales base linearly with batch size. The result is
// infinite when base is or when the product overflows.
func scaledLearningRate(base float64, batch int) float64 {
	return base * float64(batch) / ReferenceBatchSize
}

// accumulationSteps simulates an effective batch of about 8.
func accumulationSteps(batch int) int {
	if batch < ReferenceBatchSize {
		return max(1, ReferenceBatchSize/batch)
	}
	return 1
}
