package config

import (
	"time"

	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/seed"
)

// RunConfig is the complete configuration of one generator run.
// It is populated by Load and must not be modified afterwards; every worker
// reads the same instance.
type RunConfig struct {
	// Source is the path the configuration was loaded from.
	Source string `yaml:"-" json:"source"`

	// Events is the number of events each worker generates.
	Events int `yaml:"-" json:"events" validate:"min=1"`

	Seed      SeedConfig      `yaml:"seed" json:"seed"`
	Lattice   LatticeConfig   `yaml:"lattice" json:"lattice"`
	Collision CollisionConfig `yaml:"collision" json:"collision"`
	Initial   InitialConfig   `yaml:"initial" json:"initial"`
	Evolution EvolutionConfig `yaml:"evolution" json:"evolution"`
	Export    ExportConfig    `yaml:"export" json:"export"`
	Parallel  ParallelConfig  `yaml:"parallel" json:"parallel"`
	Kernel    KernelConfig    `yaml:"kernel" json:"kernel"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Shipping  ShippingConfig  `yaml:"shipping" json:"shipping"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Parameters are physics parameters passed through to the kernels untouched.
	Parameters map[string]string `yaml:"parameters" json:"parameters,omitempty"`
}

// SeedConfig selects the seed derivation.
type SeedConfig struct {
	Mode     seed.Mode `yaml:"mode" json:"mode" validate:"oneof=direct time list"`
	Value    uint64    `yaml:"value" json:"value"`
	ListPath string    `yaml:"listPath" json:"list_path" validate:"required_if=Mode list"`
}

// LatticeConfig sizes the lattice storage.
type LatticeConfig struct {
	Size       int     `yaml:"size" json:"size" validate:"min=1"`
	GroupOrder int     `yaml:"groupOrder" json:"group_order" validate:"min=2"`
	Length     float64 `yaml:"length" json:"length" validate:"gt=0"`

	// MaxBytes limits live lattice storage per worker; zero is unlimited.
	MaxBytes int64 `yaml:"maxBytes" json:"max_bytes" validate:"min=0"`
}

// Shape returns the lattice shape.
func (l LatticeConfig) Shape() lattice.Shape {
	return lattice.Shape{Size: l.Size, GroupOrder: l.GroupOrder}
}

// Spacing returns the lattice spacing in fm.
func (l LatticeConfig) Spacing() float64 {
	return l.Length / float64(l.Size)
}

// CollisionConfig describes the colliding system for the geometry sampler.
type CollisionConfig struct {
	Target     string  `yaml:"target" json:"target" validate:"required"`
	Projectile string  `yaml:"projectile" json:"projectile" validate:"required"`
	SigmaNN    float64 `yaml:"sigmaNN" json:"sigma_nn" validate:"gt=0"`
	BMin       float64 `yaml:"bMin" json:"b_min" validate:"gte=0"`
	BMax       float64 `yaml:"bMax" json:"b_max" validate:"gtefield=BMin"`
}

// InitialConfig controls the attempt loop.
type InitialConfig struct {
	// ReadFromFile starts from previously stored data instead of a fresh start.
	ReadFromFile bool `yaml:"readFromFile" json:"read_from_file"`

	// MaxAttempts bounds the number of initialization attempts per event.
	MaxAttempts int `yaml:"maxAttempts" json:"max_attempts" validate:"min=1"`
}

// EvolutionConfig controls the evolution stage.
type EvolutionConfig struct {
	MaxTime   float64 `yaml:"maxTime" json:"max_time" validate:"gte=0"`
	Dtau      float64 `yaml:"dtau" json:"dtau" validate:"gt=0"`
	OutputDir string  `yaml:"outputDir" json:"output_dir" validate:"required"`
}

// ExportConfig controls the external merge program.
type ExportConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Program      string        `yaml:"program" json:"program" validate:"required_if=Enabled true"`
	Script       string        `yaml:"script" json:"script"`
	OutputDir    string        `yaml:"outputDir" json:"output_dir" validate:"required_if=Enabled true"`
	OutputPrefix string        `yaml:"outputPrefix" json:"output_prefix" validate:"required_if=Enabled true"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// Parallel runtime modes.
const (
	ParallelLocal   = "local"
	ParallelProcess = "process"
)

// ParallelConfig selects how workers are launched.
type ParallelConfig struct {
	Mode string `yaml:"mode" json:"mode" validate:"oneof=local process"`

	// Workers is the number of in-process workers in local mode.
	Workers int `yaml:"workers" json:"workers" validate:"min=1"`

	// BarrierDir is the shared directory used by the process-mode barrier.
	BarrierDir string `yaml:"barrierDir" json:"barrier_dir" validate:"required_if=Mode process"`

	// BarrierPoll is the polling interval backing filesystem notifications.
	BarrierPoll time.Duration `yaml:"barrierPoll" json:"barrier_poll"`

	// BarrierTimeout bounds a single barrier wait; zero waits forever.
	BarrierTimeout time.Duration `yaml:"barrierTimeout" json:"barrier_timeout"`
}

// Kernel kinds.
const (
	KernelReference = "reference"
	KernelWASM      = "wasm"
)

// KernelConfig selects the initializer and evolver implementation.
type KernelConfig struct {
	Kind     string `yaml:"kind" json:"kind" validate:"oneof=reference wasm"`
	WASMPath string `yaml:"wasmPath" json:"wasm_path" validate:"required_if=Kind wasm"`

	// AcceptScript is an optional Starlark file defining accept(...) for the reference kernel.
	AcceptScript string `yaml:"acceptScript" json:"accept_script"`

	// MemoryLimitPages caps WASM guest memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memoryLimitPages" json:"memory_limit_pages"`
}

// AuditConfig controls the per-event usedParameters files.
type AuditConfig struct {
	Dir             string `yaml:"dir" json:"dir" validate:"required"`
	WriteParameters bool   `yaml:"writeParameters" json:"write_parameters"`
}

// LedgerConfig controls the SQLite run ledger.
type LedgerConfig struct {
	// Path is the database file; empty disables the ledger.
	Path string `yaml:"path" json:"path"`
}

// PolicyConfig lists additional admission policies.
type PolicyConfig struct {
	Paths []string `yaml:"paths" json:"paths,omitempty"`
}

// ShippingConfig controls uploading combined results over SFTP.
type ShippingConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Host           string `yaml:"host" json:"host" validate:"required_if=Enabled true"`
	Port           int    `yaml:"port" json:"port" validate:"min=0,max=65535"`
	User           string `yaml:"user" json:"user" validate:"required_if=Enabled true"`
	PrivateKeyPath string `yaml:"privateKeyPath" json:"private_key_path" validate:"required_if=Enabled true"`
	KnownHostsPath string `yaml:"knownHostsPath" json:"known_hosts_path"`
	RemoteDir      string `yaml:"remoteDir" json:"remote_dir" validate:"required_if=Enabled true"`
}

// TelemetryConfig is the run-level observability configuration.
type TelemetryConfig struct {
	LogLevel  string `yaml:"logLevel" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"logFormat" json:"log_format" validate:"oneof=console json"`

	TraceExporter string `yaml:"traceExporter" json:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `yaml:"traceEndpoint" json:"trace_endpoint" validate:"required_if=TraceExporter otlp"`

	MetricsListen   string `yaml:"metricsListen" json:"metrics_listen"`
	MetricsTextfile string `yaml:"metricsTextfile" json:"metrics_textfile"`
}

// Default returns the configuration used for any field the source leaves unset.
func Default() *RunConfig {
	return &RunConfig{
		Events: 1,
		Seed: SeedConfig{
			Mode:     seed.ModeDirect,
			Value:    1,
			ListPath: "seedList",
		},
		Lattice: LatticeConfig{
			Size:       128,
			GroupOrder: 3,
			Length:     30.0,
		},
		Collision: CollisionConfig{
			Target:     "Au",
			Projectile: "Au",
			SigmaNN:    42.0,
			BMin:       0,
			BMax:       10,
		},
		Initial: InitialConfig{
			MaxAttempts: 100000,
		},
		Evolution: EvolutionConfig{
			MaxTime:   1.0,
			Dtau:      0.1,
			OutputDir: ".",
		},
		Export: ExportConfig{
			Program:      "python3",
			Script:       "utilities/combine_events_into_hdf5.py",
			OutputDir:    ".",
			OutputPrefix: "RESULTS",
			Timeout:      30 * time.Minute,
		},
		Parallel: ParallelConfig{
			Mode:        ParallelLocal,
			Workers:     1,
			BarrierDir:  ".evgen-barrier",
			BarrierPoll: 500 * time.Millisecond,
		},
		Kernel: KernelConfig{
			Kind:             KernelReference,
			MemoryLimitPages: 4096,
		},
		Audit: AuditConfig{
			Dir: ".",
		},
		Shipping: ShippingConfig{
			Port: 22,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
		Parameters: map[string]string{},
	}
}
