package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/latticeforge/evgen/pkg/seed"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"run.yaml":   FormatYAML,
		"run.YML":    FormatYAML,
		"run.json":   FormatJSON,
		"run.cue":    FormatCUE,
		"input":      FormatLegacy,
		"params.dat": FormatLegacy,
	}
	for path, want := range tests {
		if got := DetectFormat(path); got != want {
			t.Errorf("%s: expected %s, got %s", path, want, got)
		}
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "run.yaml", `
seed:
  mode: list
  listPath: seeds.txt
lattice:
  size: 32
  groupOrder: 2
parallel:
  workers: 4
  barrierPoll: 250ms
parameters:
  g2mu: "0.1"
`)

	cfg, err := Load(path, 3)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Events != 3 || cfg.Source != path {
		t.Errorf("events/source not recorded: %d %s", cfg.Events, cfg.Source)
	}
	if cfg.Seed.Mode != seed.ModeList || cfg.Seed.ListPath != "seeds.txt" {
		t.Errorf("unexpected seed config %+v", cfg.Seed)
	}
	if cfg.Lattice.Size != 32 || cfg.Lattice.GroupOrder != 2 {
		t.Errorf("unexpected lattice config %+v", cfg.Lattice)
	}
	if cfg.Parallel.Workers != 4 || cfg.Parallel.BarrierPoll != 250*time.Millisecond {
		t.Errorf("unexpected parallel config %+v", cfg.Parallel)
	}
	if cfg.Parameters["g2mu"] != "0.1" {
		t.Errorf("parameters not decoded: %v", cfg.Parameters)
	}

	// Untouched sections keep their defaults.
	if cfg.Initial.MaxAttempts != 100000 || cfg.Collision.Target != "Au" {
		t.Errorf("defaults lost: %+v %+v", cfg.Initial, cfg.Collision)
	}
}

func TestLoad_YAMLUnknownField(t *testing.T) {
	path := writeConfig(t, "run.yaml", "lattice:\n  sise: 4\n")
	if _, err := Load(path, 1); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_EmptyYAMLUsesDefaults(t *testing.T) {
	path := writeConfig(t, "run.yaml", "")
	cfg, err := Load(path, 1)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Lattice.Size != Default().Lattice.Size {
		t.Errorf("expected default size, got %d", cfg.Lattice.Size)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "run.json", `{"seed": {"mode": "time", "value": 9}, "export": {"timeout": "90s"}}`)

	cfg, err := Load(path, 1)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Seed.Mode != seed.ModeTime || cfg.Seed.Value != 9 {
		t.Errorf("unexpected seed config %+v", cfg.Seed)
	}
	if cfg.Export.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.Export.Timeout)
	}
}

func TestLoad_CUE(t *testing.T) {
	path := writeConfig(t, "run.cue", `
seed: {
	mode:  "direct"
	value: 5
}
lattice: size: 16
kernel: memoryLimitPages: 64
parallel: barrierTimeout: "2m"
`)

	cfg, err := Load(path, 2)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Seed.Value != 5 || cfg.Lattice.Size != 16 || cfg.Kernel.MemoryLimitPages != 64 {
		t.Errorf("unexpected config %+v %+v %+v", cfg.Seed, cfg.Lattice, cfg.Kernel)
	}
	if cfg.Parallel.BarrierTimeout != 2*time.Minute {
		t.Errorf("expected 2m barrier timeout, got %v", cfg.Parallel.BarrierTimeout)
	}
}

func TestLoad_CUESchemaViolation(t *testing.T) {
	tests := map[string]string{
		"bad mode":      `seed: mode: "dice"`,
		"unknown field": `bogus: 1`,
		"negative size": `lattice: size: -4`,
		"bad duration":  `export: timeout: "soon"`,
	}
	for name, content := range tests {
		path := writeConfig(t, "run.cue", content)
		if _, err := Load(path, 1); err == nil {
			t.Errorf("%s: expected schema error", name)
		}
	}
}

func TestLoad_Legacy(t *testing.T) {
	path := writeConfig(t, "input", `# comment
Nc 2
size 64
L 25.6
Target Pb
Projectile p
SigmaNN 70
bmin 0
bmax 4
seed 5
useSeedList 0
useTimeForSeed 1
writeOutputsToHDF5 1
g2mu 0.12 trailing words ignored
EndOfData
size 999
`)

	cfg, err := Load(path, 2)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Lattice.GroupOrder != 2 || cfg.Lattice.Size != 64 || cfg.Lattice.Length != 25.6 {
		t.Errorf("unexpected lattice %+v", cfg.Lattice)
	}
	if cfg.Collision.Target != "Pb" || cfg.Collision.Projectile != "p" || cfg.Collision.SigmaNN != 70 {
		t.Errorf("unexpected collision %+v", cfg.Collision)
	}
	if cfg.Seed.Mode != seed.ModeTime || cfg.Seed.Value != 5 {
		t.Errorf("unexpected seed %+v", cfg.Seed)
	}
	if !cfg.Export.Enabled {
		t.Error("expected export enabled")
	}
	if cfg.Parameters["g2mu"] != "0.12" {
		t.Errorf("expected pass-through parameter, got %v", cfg.Parameters)
	}
}

func TestReadLegacy_SeedListWinsOverTime(t *testing.T) {
	cfg := Default()
	if err := ReadLegacy(strings.NewReader("useSeedList 1\nuseTimeForSeed 1\n"), cfg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if cfg.Seed.Mode != seed.ModeList {
		t.Errorf("expected list mode, got %s", cfg.Seed.Mode)
	}
}

func TestReadLegacy_Errors(t *testing.T) {
	tests := []string{
		"size\n",
		"size big\n",
		"useSeedList yes\n",
	}
	for _, content := range tests {
		if err := ReadLegacy(strings.NewReader(content), Default()); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Events = 0
	cfg.Lattice.Size = 0
	cfg.Seed.Mode = seed.ModeList
	cfg.Seed.ListPath = ""
	cfg.Collision.BMin = 5
	cfg.Collision.BMax = 1

	err := Validate(cfg)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	paths := map[string]bool{}
	for _, ve := range verrs {
		paths[ve.Path] = true
	}
	for _, want := range []string{"Events", "lattice.size", "seed.listPath", "collision.bMax"} {
		if !paths[want] {
			t.Errorf("expected error for %s, got %v", want, verrs)
		}
	}
}

func TestValidate_PairExceedsLimit(t *testing.T) {
	cfg := Default()
	cfg.Lattice.MaxBytes = 1024

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "lattice.maxBytes") {
		t.Fatalf("expected maxBytes error, got %v", err)
	}
}

func TestUsedParameters(t *testing.T) {
	cfg := Default()
	cfg.Parameters = map[string]string{"zeta": "1", "alpha": "2", "size": "128"}

	entries := cfg.UsedParameters()
	if entries[0].Key != "Nc" || entries[0].Value != "3" {
		t.Errorf("unexpected first entry %+v", entries[0])
	}

	tail := entries[len(entries)-2:]
	if tail[0].Key != "alpha" || tail[1].Key != "zeta" {
		t.Errorf("expected sorted pass-through parameters, got %+v", tail)
	}
	for _, e := range entries {
		if e.Key == "size" && e.Value != "128" {
			t.Errorf("typed key duplicated from parameters: %+v", e)
		}
	}
}
