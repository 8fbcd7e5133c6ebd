package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ─── Raw Config ─────────────────────────────────────────────────────────────

// RawConfig is a caller-supplied hyperparameter mapping. Every key is
// optional. Values may arrive from JSON, YAML or TOML, so the accessors
// accept any numeric representation those decoders produce.
type RawConfig map[string]any

// Float returns the value of key as a float64.
func (c RawConfig) Float(key string) (float64, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns the value of key as an int. Fractional values are truncated.
func (c RawConfig) Int(key string) (int, bool) {
	f, ok := c.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// String returns the value of key as a string.
func (c RawConfig) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the value of key as a bool.
func (c RawConfig) Bool(key string) (bool, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// Clone returns a shallow copy.
func (c RawConfig) Clone() RawConfig {
	out := make(RawConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ─── Resolved Config ────────────────────────────────────────────────────────

// ResolvedConfig is the complete configuration handed to a training engine.
// Keys the optimizer does not own are carried in Passthrough and merged back
// into the JSON object.
type ResolvedConfig struct {
	ModelType                 string  `json:"model_type"`
	BatchSize                 int     `json:"batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	MaxEpochs                 int     `json:"max_epochs"`
	FP16                      bool    `json:"fp16"`
	GradientCheckpointing     bool    `json:"gradient_checkpointing"`
	LoggingSteps              int     `json:"logging_steps"`
	SaveSteps                 int     `json:"save_steps"`
	EvalSteps                 int     `json:"eval_steps"`
	SaveTotalLimit            int     `json:"save_total_limit"`
	LoadBestModelAtEnd        bool    `json:"load_best_model_at_end"`
	EvaluationStrategy        string  `json:"evaluation_strategy"`
	MetricForBestModel        string  `json:"metric_for_best_model"`

	// Production layer
	DataloaderNumWorkers  int    `json:"dataloader_num_workers,omitempty"`
	DataloaderPinMemory   bool   `json:"dataloader_pin_memory,omitempty"`
	ResumeFromCheckpoint  bool   `json:"resume_from_checkpoint,omitempty"`
	IgnoreDataSkip        bool   `json:"ignore_data_skip,omitempty"`
	PredictionLossOnly    bool   `json:"prediction_loss_only,omitempty"`
	EvalAccumulationSteps int    `json:"eval_accumulation_steps,omitempty"`
	TF32                  bool   `json:"tf32,omitempty"`
	Optim                 string `json:"optim,omitempty"`

	Passthrough map[string]any `json:"-"`
}

// resolvedKeys lists every JSON key owned by ResolvedConfig.
var resolvedKeys = map[string]bool{
	"model_type": true, "batch_size": true, "gradient_accumulation_steps": true,
	"learning_rate": true, "max_epochs": true, "fp16": true,
	"gradient_checkpointing": true, "logging_steps": true, "save_steps": true,
	"eval_steps": true, "save_total_limit": true, "load_best_model_at_end": true,
	"evaluation_strategy": true, "metric_for_best_model": true,
	"dataloader_num_workers": true, "dataloader_pin_memory": true,
	"resume_from_checkpoint": true, "ignore_data_skip": true,
	"prediction_loss_only": true, "eval_accumulation_steps": true,
	"tf32": true, "optim": true,
}

// IsResolvedKey reports whether key is owned by ResolvedConfig rather than
// passed through from the caller.
func IsResolvedKey(key string) bool { return resolvedKeys[key] }

// Validate checks the invariants every engine relies on.
func (c ResolvedConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size %d < 1", ErrInvalidConfig, c.BatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("%w: gradient_accumulation_steps %d < 1", ErrInvalidConfig, c.GradientAccumulationSteps)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return fmt.Errorf("%w: learning_rate %g must be positive and finite", ErrInvalidConfig, c.LearningRate)
	}
	return nil
}

// EffectiveBatchSize is batch size times accumulation steps.
func (c ResolvedConfig) EffectiveBatchSize() int {
	return c.BatchSize * c.GradientAccumulationSteps
}

type resolvedAlias ResolvedConfig

// MarshalJSON writes the owned fields and merges pass-through keys.
func (c ResolvedConfig) MarshalJSON() ([]byte, error) {
	owned, err := json.Marshal(resolvedAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Passthrough) == 0 {
		return owned, nil
	}
	merged := make(map[string]any, len(c.Passthrough)+len(resolvedKeys))
	for k, v := range c.Passthrough {
		if !resolvedKeys[k] {
			merged[k] = v
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(owned, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads owned fields and collects the rest into Passthrough.
func (c *ResolvedConfig) UnmarshalJSON(data []byte) error {
	var alias resolvedAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*c = ResolvedConfig(alias)
	c.Passthrough = nil
	for k, v := range all {
		if resolvedKeys[k] {
			continue
		}
		if c.Passthrough == nil {
			c.Passthrough = make(map[string]any)
		}
		c.Passthrough[k] = v
	}
	return nil
}

// ─── Time Estimate ──────────────────────────────────────────────────────────

// TimeEstimate is a projected run duration.
type TimeEstimate struct {
	EstimatedSeconds float64 `json:"estimated_seconds"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
	SamplesPerSecond float64 `json:"samples_per_second"`
}
