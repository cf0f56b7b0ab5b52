// Package wasm runs externally compiled physics kernels under wazero.
//
// A kernel module imports its lattice, random stream and geometry through the
// "evgen" host module and exports two functions:
//
//	initialize(group_order i32, fresh i32) i32   ; 1 on success, anything else retries
//	evolve(group_order i32, event_id i32) i32    ; 0 on success
//
// The host functions are:
//
//	rand_u64() i64
//	rand_f64() f64
//	rand_norm() f64
//	lattice_cells() i32
//	lattice_get(field i32, idx i32, part i32) f64
//	lattice_set(field i32, idx i32, part i32, v f64)
//	geometry_participants() i32
//	geometry_b() f64
//
// field selects the primary (0) or scratch (1) field, idx is the flat element
// index and part selects the real (0) or imaginary (1) component. An index out
// of range traps the guest call.
package wasm

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/kernels/reference"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

// HostModuleName is the import module name guests use for host functions.
const HostModuleName = "evgen"

// Exported guest function names.
const (
	InitializeExport = "initialize"
	EvolveExport     = "evolve"
)

// DefaultMemoryLimitPages caps guest memory at 256MiB.
const DefaultMemoryLimitPages = 4096

// Kernel is one instantiated guest module. It is not safe for concurrent use;
// every worker owns its own Kernel.
type Kernel struct {
	runtime    wazero.Runtime
	module     api.Module
	initialize api.Function
	evolve     api.Function
	logger     zerolog.Logger
}

// Config contains the wazero runtime settings.
type Config struct {
	// MemoryLimitPages is the maximum guest memory in 64KiB pages.
	MemoryLimitPages uint32
}

// Load reads cfg.Kernel.WASMPath and instantiates it.
func Load(ctx context.Context, cfg *config.RunConfig, logger zerolog.Logger) (*Kernel, error) {
	code, err := os.ReadFile(cfg.Kernel.WASMPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel module: %w", err)
	}
	return NewKernel(ctx, code, Config{MemoryLimitPages: cfg.Kernel.MemoryLimitPages}, logger)
}

// NewKernel compiles and instantiates a guest module.
func NewKernel(ctx context.Context, code []byte, cfg Config, logger zerolog.Logger) (*Kernel, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder(HostModuleName)
	registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// Reactor modules built with -buildmode=c-shared export _initialize; a
	// missing start function is skipped.
	moduleConfig := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithStderr(os.Stderr)

	module, err := runtime.InstantiateWithConfig(ctx, code, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate kernel module: %w", err)
	}

	k := &Kernel{
		runtime: runtime,
		module:  module,
		logger:  logger.With().Str("component", "wasm-kernel").Str("module", module.Name()).Logger(),
	}

	k.initialize = module.ExportedFunction(InitializeExport)
	if k.initialize == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("kernel module does not export %s function", InitializeExport)
	}
	k.evolve = module.ExportedFunction(EvolveExport)
	if k.evolve == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("kernel module does not export %s function", EvolveExport)
	}

	return k, nil
}

// Kernel returns the engine collaborators backed by this module. Geometry is
// sampled by the host with the reference Glauber sampler.
func (k *Kernel) Kernel() engine.Kernel {
	return engine.Kernel{
		Initializer: k,
		Evolver:     k,
		Geometry:    reference.GeometryFactory{},
	}
}

// Initialize implements engine.Initializer. The geometry is sampled once
// before the guest is called.
func (k *Kernel) Initialize(ctx context.Context, pair *lattice.Pair, groupOrder int, stream rng.Stream,
	geometry engine.GeometrySampler, freshStart bool) (engine.Outcome, error) {
	g, err := geometry.Sample(stream)
	if err != nil {
		return engine.OutcomeRetry, fmt.Errorf("geometry sampling failed: %w", err)
	}

	fresh := int32(0)
	if freshStart {
		fresh = 1
	}

	callCtx := withState(ctx, &callState{pair: pair, stream: stream, geometry: g})
	results, err := k.initialize.Call(callCtx, api.EncodeI32(int32(groupOrder)), api.EncodeI32(fresh))
	if err != nil {
		return engine.OutcomeRetry, fmt.Errorf("%s failed: %w", InitializeExport, err)
	}

	if len(results) == 0 || api.DecodeI32(results[0]) != 1 {
		k.logger.Debug().
			Int("participants", g.Participants).
			Float64("b", g.ImpactParameter).
			Msg("Guest rejected initial condition")
		return engine.OutcomeRetry, nil
	}
	return engine.OutcomeSucceeded, nil
}

// Evolve implements engine.Evolver. The guest persists its own results.
func (k *Kernel) Evolve(ctx context.Context, pair *lattice.Pair, groupOrder int, cfg *config.RunConfig, info engine.EventInfo) error {
	callCtx := withState(ctx, &callState{pair: pair})
	results, err := k.evolve.Call(callCtx, api.EncodeI32(int32(groupOrder)), api.EncodeI32(int32(info.EventID)))
	if err != nil {
		return fmt.Errorf("%s failed: %w", EvolveExport, err)
	}
	if len(results) > 0 {
		if code := api.DecodeI32(results[0]); code != 0 {
			return fmt.Errorf("%s returned status %d for event %d", EvolveExport, code, info.EventID)
		}
	}

	k.logger.Debug().Int("event_id", info.EventID).Msg("Guest evolution finished")
	return nil
}

// Close releases the runtime and every module in it.
func (k *Kernel) Close(ctx context.Context) error {
	return k.runtime.Close(ctx)
}
