package optimizer

import "github.com/tutu-network/tunekit/internal/domain"

const (
	// DefaultSecondsPerSample applies to unknown model families.
	DefaultSecondsPerSample = 0.1

	// OverheadFactor adds evaluation and checkpoint time.
	OverheadFactor = 1.2

	// MaxBatchEfficiency is the largest per-sample saving from batching.
	MaxBatchEfficiency = 0.3

	// EfficiencyBatchSize is where batching stops getting cheaper.
	EfficiencyBatchSize = 32

	defaultEstimateBatch = 8
)

// secondsPerSample is the base training time per sample per epoch.
var secondsPerSample = map[domain.ModelFamily]float64{
	domain.FamilyGPT2:       0.1,
	domain.FamilyDistilBERT: 0.08,
	domain.FamilyTinyBERT:   0.05,
}

// SecondsPerSample returns the base per-sample time for family.
func SecondsPerSample(family domain.ModelFamily) float64 {
	if v, ok := secondsPerSample[family]; ok {
		return v
	}
	return DefaultSecondsPerSample
}

// EstimateInput is the subset of a config the estimator reads.
type EstimateInput struct {
	BatchSize int
	MaxEpochs int
	ModelType domain.ModelFamily
}

// InputFromResolved reads estimator inputs from a resolved config.
func InputFromResolved(c domain.ResolvedConfig) EstimateInput {
	return EstimateInput{
		BatchSize: c.BatchSize,
		MaxEpochs: c.MaxEpochs,
		ModelType: domain.ModelFamily(c.ModelType),
	}.withDefaults()
}

// InputFromRaw reads estimator inputs from any config mapping.
func InputFromRaw(raw domain.RawConfig) EstimateInput {
	var in EstimateInput
	in.BatchSize, _ = raw.Int("batch_size")
	in.MaxEpochs, _ = raw.Int("max_epochs")
	if s, ok := raw.String("model_type"); ok {
		in.ModelType = domain.ModelFamily(s)
	}
	return in.withDefaults()
}

func (in EstimateInput) withDefaults() EstimateInput {
	if in.BatchSize <= 0 {
		in.BatchSize = defaultEstimateBatch
	}
	if in.MaxEpochs <= 0 {
		in.MaxEpochs = DefaultEpochs
	}
	if in.ModelType == "" {
		in.ModelType = domain.DefaultModelFamily
	}
	return in
}

// Estimate projects run duration for datasetSize samples.
// Throughput is the pre-overhead figure.
func Estimate(datasetSize int, in EstimateInput) domain.TimeEstimate {
	in = in.withDefaults()
	if datasetSize < 0 {
		datasetSize = 0
	}

	ratio := float64(in.BatchSize) / EfficiencyBatchSize
	if ratio > 1 {
		ratio = 1
	}
	efficiency := 1 - MaxBatchEfficiency*ratio

	base := float64(datasetSize) * float64(in.MaxEpochs) * SecondsPerSample(in.ModelType) * efficiency
	total := base * OverheadFactor

	est := domain.TimeEstimate{
		EstimatedSeconds: total,
		EstimatedMinutes: total / 60,
	}
	if base > 0 {
		est.SamplesPerSecond = float64(datasetSize) / base
	}
	return est
}
