package domain

// MetricSample is one observation pushed by the training loop.
// Immutable once recorded.
type MetricSample struct {
	Epoch          int     `json:"epoch"`
	Step           int     `json:"step"`
	Loss           float64 `json:"loss"`
	LearningRate   float64 `json:"learning_rate"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Timestamp      float64 `json:"timestamp"` // Unix seconds
	IsBest         bool    `json:"is_best"`
}

// TrainingSummary aggregates a run's metric history.
type TrainingSummary struct {
	TotalSeconds    float64 `json:"total_training_time_seconds"`
	TotalMinutes    float64 `json:"total_training_time_minutes"`
	TotalSteps      int     `json:"total_steps"`
	BestLoss        float64 `json:"best_loss"`
	FinalLoss       float64 `json:"final_loss"`
	LossImprovement float64 `json:"loss_improvement"` // percent
	AvgStepSeconds  float64 `json:"avg_step_time"`
}

// IssueKind classifies a loss-curve anomaly.
type IssueKind int

const (
	IssueLossExplosion IssueKind = iota // Loss far above where it started
	IssueLossPlateau                    // Loss stopped moving
	IssueLossOscillation                // Loss rising step over step
)

// String returns the issue kind label.
func (k IssueKind) String() string {
	switch k {
	case IssueLossExplosion:
		return "LOSS_EXPLOSION"
	case IssueLossPlateau:
		return "LOSS_PLATEAU"
	case IssueLossOscillation:
		return "LOSS_OSCILLATION"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the kind by name.
func (k IssueKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *IssueKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOSS_EXPLOSION":
		*k = IssueLossExplosion
	case "LOSS_PLATEAU":
		*k = IssueLossPlateau
	case "LOSS_OSCILLATION":
		*k = IssueLossOscillation
	default:
		*k = IssueKind(-1)
	}
	return nil
}

// Severity indicates how serious an issue is.
type Severity int

const (
	SevInfo     Severity = iota // Informational, no action needed
	SevWarning                  // Worth watching
	SevCritical                 // Run is likely diverging
)

// String returns the severity label.
func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INFO":
		*s = SevInfo
	case "WARNING":
		*s = SevWarning
	case "CRITICAL":
		*s = SevCritical
	default:
		*s = Severity(-1)
	}
	return nil
}

// TrainingIssue is a detected loss-curve problem.
type TrainingIssue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion"`
}

// String joins description and suggestion into a single line.
func (i TrainingIssue) String() string {
	if i.Suggestion == "" {
		return i.Description
	}
	return i.Description + " - " + i.Suggestion
}
