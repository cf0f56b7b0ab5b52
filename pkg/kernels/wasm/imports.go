package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

// callState is what the host functions operate on during one guest call.
type callState struct {
	pair     *lattice.Pair
	stream   rng.Stream
	geometry *engine.Geometry
}

type stateKey struct{}

func withState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// stateFrom returns the active call state. Host functions panic to trap the
// guest when they are called outside the phase that provides their data.
func stateFrom(ctx context.Context) *callState {
	s, ok := ctx.Value(stateKey{}).(*callState)
	if !ok {
		panic(fmt.Errorf("host function called outside a kernel call"))
	}
	return s
}

func (s *callState) rng() rng.Stream {
	if s.stream == nil {
		panic(fmt.Errorf("random stream is only available during %s", InitializeExport))
	}
	return s.stream
}

func (s *callState) geom() *engine.Geometry {
	if s.geometry == nil {
		panic(fmt.Errorf("geometry is only available during %s", InitializeExport))
	}
	return s.geometry
}

func (s *callState) element(field, idx, part uint32) (*complex128, bool) {
	if part > 1 {
		panic(fmt.Errorf("part %d out of range", part))
	}
	f, ok := s.pair.Field(int(field))
	if !ok {
		panic(fmt.Errorf("field %d out of range", field))
	}
	if int(idx) >= len(f.Data) {
		panic(fmt.Errorf("index %d out of range [0, %d)", idx, len(f.Data)))
	}
	return &f.Data[idx], part == 0
}

func registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			return stateFrom(ctx).rng().Uint64()
		}).
		Export("rand_u64")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) float64 {
			return stateFrom(ctx).rng().Float64()
		}).
		Export("rand_f64")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) float64 {
			return stateFrom(ctx).rng().NormFloat64()
		}).
		Export("rand_norm")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(stateFrom(ctx).pair.Shape().Cells())
		}).
		Export("lattice_cells")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, field, idx, part uint32) float64 {
			v, re := stateFrom(ctx).element(field, idx, part)
			if re {
				return real(*v)
			}
			return imag(*v)
		}).
		Export("lattice_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, field, idx, part uint32, x float64) {
			v, re := stateFrom(ctx).element(field, idx, part)
			if re {
				*v = complex(x, imag(*v))
			} else {
				*v = complex(real(*v), x)
			}
		}).
		Export("lattice_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(stateFrom(ctx).geom().Participants)
		}).
		Export("geometry_participants")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) float64 {
			return stateFrom(ctx).geom().ImpactParameter
		}).
		Export("geometry_b")
}
