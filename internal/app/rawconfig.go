// Package app provides application-layer orchestration services.
// It wires domain logic with infrastructure, never the reverse.
package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ConfigFormat is the encoding of a raw config document.
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
	FormatTOML ConfigFormat = "toml"
)

// FormatForPath picks a config format from a file extension.
func FormatForPath(path string) (ConfigFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	}
	return "", false
}

// ParseRawConfig decodes a raw config document. The document must be a
// single object (a mapping or table); an empty document is an empty config.
func ParseRawConfig(r io.Reader, format ConfigFormat) (domain.RawConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.RawConfig{}, nil
	}

	cfg := domain.RawConfig{}
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &cfg)
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	case FormatTOML:
		_, err = toml.Decode(string(data), &cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", domain.ErrInvalidConfig, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s config: %v", domain.ErrInvalidConfig, format, err)
	}
	if cfg == nil {
		cfg = domain.RawConfig{}
	}
	return cfg, nil
}

// LoadRawConfig resolves a command-line config argument: inline JSON, or a
// path to a .json, .yaml, .yml or .toml file.
func LoadRawConfig(arg string) (domain.RawConfig, error) {
	trimmed := strings.TrimSpace(arg)
	if trimmed == "" {
		return domain.RawConfig{}, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return ParseRawConfig(strings.NewReader(trimmed), FormatJSON)
	}

	format, ok := FormatForPath(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q is neither inline JSON nor a .json, .yaml or .toml file",
			domain.ErrInvalidConfig, arg)
	}
	f, err := os.Open(trimmed)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return ParseRawConfig(f, format)
}
