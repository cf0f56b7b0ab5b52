package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"gopkg.in/yaml.v3"
)

// Format identifies the syntax of a configuration file.
type Format string

const (
	FormatYAML   Format = "yaml"
	FormatJSON   Format = "json"
	FormatCUE    Format = "cue"
	FormatLegacy Format = "legacy"
)

// DetectFormat picks the format from the file extension. Files without a
// recognised extension use the legacy key/value syntax.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".cue":
		return FormatCUE
	default:
		return FormatLegacy
	}
}

// Load reads the configuration at path, applies defaults, records the
// requested event count and validates the result.
func Load(path string, events int) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data, DetectFormat(path), path)
	if err != nil {
		return nil, err
	}

	cfg.Source = path
	cfg.Events = events

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format on top of Default. The result is not validated.
func Parse(data []byte, format Format, name string) (*RunConfig, error) {
	cfg := Default()

	switch format {
	case FormatYAML, FormatJSON:
		// JSON is a subset of YAML; both go through the YAML decoder so that
		// durations and field names are handled the same way.
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	case FormatCUE:
		if err := decodeCUE(data, name, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	case FormatLegacy:
		if err := ReadLegacy(bytes.NewReader(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if cfg.Parameters == nil {
		cfg.Parameters = map[string]string{}
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeCUE(data []byte, name string, cfg *RunConfig) error {
	registry, err := NewSchemaRegistry()
	if err != nil {
		return err
	}

	val := registry.Context().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return err
	}

	unified, err := registry.Apply(val)
	if err != nil {
		return err
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export cue value: %w", err)
	}
	return decodeYAML(out, cfg)
}
