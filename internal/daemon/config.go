// Package daemon manages the tunekit runtime lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/engine"
)

// Config holds all runtime configuration.
type Config struct {
	API          APIConfig          `toml:"api"`
	Engine       EngineConfig       `toml:"engine"`
	Optimizer    OptimizerConfig    `toml:"optimizer"`
	Jobs         JobsConfig         `toml:"jobs"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Logging      LoggingConfig      `toml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
	RequestTimeout string   `toml:"request_timeout"`
}

// EngineConfig selects the training engine.
type EngineConfig struct {
	Kind               string   `toml:"kind"` // auto, subprocess or simulated
	Command            string   `toml:"command"`
	Args               []string `toml:"args"`
	Env                []string `toml:"env"`
	Dir                string   `toml:"dir"`
	SimulatedStepDelay string   `toml:"simulated_step_delay"`
	BreakerThreshold   int      `toml:"breaker_threshold"` // consecutive failed runs before new jobs fail fast
	BreakerCooldown    string   `toml:"breaker_cooldown"`
}

// OptimizerConfig overrides optimizer defaults.
type OptimizerConfig struct {
	DefaultModel   string  `toml:"default_model"`
	LearningRate   float64 `toml:"learning_rate"`
	DefaultEpochs  int     `toml:"default_epochs"`
	MemoryOverride string  `toml:"memory_override"` // e.g. "8GiB"; empty probes the host
}

// JobsConfig controls supervised training jobs.
type JobsConfig struct {
	MaxConcurrent         int    `toml:"max_concurrent"`
	MaxDatasetSize        string `toml:"max_dataset_size"`
	Retention             string `toml:"retention"`
	StallTimeout          string `toml:"stall_timeout"`
	RejectInvalidDatasets bool   `toml:"reject_invalid_datasets"`
	OutputDir             string `toml:"output_dir"`
}

// CapabilitiesConfig disables optional subsystems regardless of detection.
type CapabilitiesConfig struct {
	DisableOCR bool `toml:"disable_ocr"`
	DisablePDF bool `toml:"disable_pdf"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// Engine kinds beyond the ones engine.New accepts.
const engineKindAuto = "auto"

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := Home()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           11500,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RequestTimeout: "2m",
		},
		Engine: EngineConfig{
			Kind:               engineKindAuto,
			Command:            "tunekit-train",
			SimulatedStepDelay: "250ms",
			BreakerThreshold:   5,
			BreakerCooldown:    "1m",
		},
		Jobs: JobsConfig{
			MaxConcurrent:         2,
			MaxDatasetSize:        "2GB",
			Retention:             "720h",
			StallTimeout:          "10m",
			RejectInvalidDatasets: true,
			OutputDir:             filepath.Join(homeDir, "models"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads .env files, then $TUNEKIT_HOME/config.toml over the
// defaults, then environment overrides.
func LoadConfig() (Config, error) {
	loadDotEnv(".env")
	loadDotEnv(filepath.Join(Home(), ".env"))
	return LoadConfigFile(filepath.Join(Home(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	switch c.Engine.Kind {
	case "", engineKindAuto, engine.KindSubprocess, engine.KindSimulated:
	default:
		return fmt.Errorf("engine.kind %q: want auto, subprocess or simulated", c.Engine.Kind)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Engine.BreakerThreshold < 0 {
		return fmt.Errorf("engine.breaker_threshold must not be negative")
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must not be negative")
	}
	for name, v := range map[string]string{
		"api.request_timeout":         c.API.RequestTimeout,
		"engine.simulated_step_delay": c.Engine.SimulatedStepDelay,
		"engine.breaker_cooldown":     c.Engine.BreakerCooldown,
		"jobs.retention":              c.Jobs.Retention,
		"jobs.stall_timeout":          c.Jobs.StallTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, v := range map[string]string{
		"jobs.max_dataset_size":     c.Jobs.MaxDatasetSize,
		"optimizer.memory_override": c.Optimizer.MemoryOverride,
	} {
		if v == "" {
			continue
		}
		if _, err := humanize.ParseBytes(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// applyEnv applies TUNEKIT_* overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TUNEKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TUNEKIT_ENGINE_COMMAND"); v != "" {
		cfg.Engine.Command = v
	}
	if v := os.Getenv("TUNEKIT_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUNEKIT_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	return nil
}

// loadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// ─── Parsed Values ──────────────────────────────────────────────────────────

// StallTimeout returns jobs.stall_timeout.
func (c Config) StallTimeout() time.Duration {
	return parseDuration(c.Jobs.StallTimeout, 10*time.Minute)
}

// Retention returns jobs.retention; 0 keeps finished jobs forever.
func (c Config) Retention() time.Duration {
	return parseDuration(c.Jobs.Retention, 0)
}

// RequestTimeout returns api.request_timeout.
func (c Config) RequestTimeout() time.Duration {
	return parseDuration(c.API.RequestTimeout, 2*time.Minute)
}

// SimulatedStepDelay returns engine.simulated_step_delay.
func (c Config) SimulatedStepDelay() time.Duration {
	return parseDuration(c.Engine.SimulatedStepDelay, 0)
}

// BreakerCooldown returns engine.breaker_cooldown.
func (c Config) BreakerCooldown() time.Duration {
	return parseDuration(c.Engine.BreakerCooldown, time.Minute)
}

// MaxDatasetBytes returns jobs.max_dataset_size; 0 disables the ceiling.
func (c Config) MaxDatasetBytes() int64 {
	return int64(parseSize(c.Jobs.MaxDatasetSize, 0))
}

// MemoryOverride returns optimizer.memory_override in bytes; 0 means probe.
func (c Config) MemoryOverride() uint64 {
	return parseSize(c.Optimizer.MemoryOverride, 0)
}

// OutputDir returns where job models are written.
func (c Config) OutputDir() string {
	if c.Jobs.OutputDir != "" {
		return c.Jobs.OutputDir
	}
	return filepath.Join(Home(), "models")
}

// parseSize converts "2GB" or "8GiB" to bytes, returning fallback on error.
func parseSize(s string, fallback uint64) uint64 {
	if s == "" {
		return fallback
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fallback
	}
	return v
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ─── Capabilities ───────────────────────────────────────────────────────────

// DetectCapabilities probes the host once for optional subsystems.
func DetectCapabilities(cfg Config) domain.Capabilities {
	caps := domain.Capabilities{PDFAvailable: !cfg.Capabilities.DisablePDF}

	if cfg.Engine.Kind == engine.KindSimulated {
		caps.TrainingEngineAvailable = true
	} else if _, err := engine.FindEngine(cfg.Engine.Command, Home()); err == nil {
		caps.TrainingEngineAvailable = true
	}

	if !cfg.Capabilities.DisableOCR {
		if _, err := exec.LookPath("tesseract"); err == nil {
			caps.OCRAvailable = true
		}
	}
	return caps
}

// ─── Paths ──────────────────────────────────────────────────────────────────

// Home returns the tunekit data directory.
func Home() string {
	if env := os.Getenv("TUNEKIT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tunekit")
}
