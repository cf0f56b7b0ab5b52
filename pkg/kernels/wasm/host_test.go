package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

// constModule exports initialize returning 1 and evolve returning 0. It
// imports nothing.
var constModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32) -> i32
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// functions 0 and 1 of type 0
	0x03, 0x03, 0x02, 0x00, 0x00,
	// exports
	0x07, 0x17, 0x02,
	0x0a, 'i', 'n', 'i', 't', 'i', 'a', 'l', 'i', 'z', 'e', 0x00, 0x00,
	0x06, 'e', 'v', 'o', 'l', 'v', 'e', 0x00, 0x01,
	// code
	0x0a, 0x0b, 0x02,
	0x04, 0x00, 0x41, 0x01, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b,
}

// hostModule imports evgen.lattice_set and evgen.rand_f64.
//
//	initialize: lattice_set(0, 3, 0, rand_f64()); return 1
//	evolve:     lattice_set(1, 0, 1, 1.5); return 0
var hostModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: 0 (i32, i32) -> i32, 1 (i32, i32, i32, f64) -> (), 2 () -> f64
	0x01, 0x12, 0x03,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7c, 0x00,
	0x60, 0x00, 0x01, 0x7c,
	// imports: func 0 evgen.lattice_set, func 1 evgen.rand_f64
	0x02, 0x26, 0x02,
	0x05, 'e', 'v', 'g', 'e', 'n', 0x0b, 'l', 'a', 't', 't', 'i', 'c', 'e', '_', 's', 'e', 't', 0x00, 0x01,
	0x05, 'e', 'v', 'g', 'e', 'n', 0x08, 'r', 'a', 'n', 'd', '_', 'f', '6', '4', 0x00, 0x02,
	// functions 2 and 3 of type 0
	0x03, 0x03, 0x02, 0x00, 0x00,
	// exports
	0x07, 0x17, 0x02,
	0x0a, 'i', 'n', 'i', 't', 'i', 'a', 'l', 'i', 'z', 'e', 0x00, 0x02,
	0x06, 'e', 'v', 'o', 'l', 'v', 'e', 0x00, 0x03,
	// code
	0x0a, 0x26, 0x02,
	0x0e, 0x00,
	0x41, 0x00, 0x41, 0x03, 0x41, 0x00, 0x10, 0x01, 0x10, 0x00, 0x41, 0x01, 0x0b,
	0x15, 0x00,
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01,
	0x44, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xf8, 0x3f,
	0x10, 0x00, 0x41, 0x00, 0x0b,
}

type fixedGeometry struct {
	g engine.Geometry
}

func (f fixedGeometry) Sample(rng.Stream) (*engine.Geometry, error) {
	g := f.g
	return &g, nil
}

func newKernel(t *testing.T, code []byte) *Kernel {
	t.Helper()
	ctx := context.Background()
	k, err := NewKernel(ctx, code, Config{MemoryLimitPages: 16}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	t.Cleanup(func() { k.Close(ctx) })
	return k
}

func newPair(t *testing.T, shape lattice.Shape) *lattice.Pair {
	t.Helper()
	p, err := lattice.NewHeapAllocator(0).Allocate(shape)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	return p
}

func TestKernel_ConstModule(t *testing.T) {
	k := newKernel(t, constModule)
	pair := newPair(t, lattice.Shape{Size: 2, GroupOrder: 2})
	geom := fixedGeometry{g: engine.Geometry{Participants: 10}}

	out, err := k.Initialize(context.Background(), pair, 2, rng.NewPCG(1), geom, true)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if out != engine.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", out)
	}

	if err := k.Evolve(context.Background(), pair, 2, config.Default(), engine.EventInfo{EventID: 4}); err != nil {
		t.Errorf("Evolve failed: %v", err)
	}
}

func TestKernel_HostFunctions(t *testing.T) {
	k := newKernel(t, hostModule)
	pair := newPair(t, lattice.Shape{Size: 2, GroupOrder: 2})
	geom := fixedGeometry{g: engine.Geometry{Participants: 10}}

	stream := rng.NewPCG(42)
	want := rng.NewPCG(42).Float64()

	out, err := k.Initialize(context.Background(), pair, 2, stream, geom, true)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if out != engine.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", out)
	}
	if got := real(pair.Primary.Data[3]); got != want {
		t.Errorf("primary[3] = %g, want %g", got, want)
	}
	if stream.Draws() != 1 {
		t.Errorf("draws = %d, want 1", stream.Draws())
	}

	if err := k.Evolve(context.Background(), pair, 2, config.Default(), engine.EventInfo{EventID: 0}); err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if got := imag(pair.Scratch.Data[0]); got != 1.5 {
		t.Errorf("scratch[0] imag = %g, want 1.5", got)
	}
	if got := real(pair.Scratch.Data[0]); got != 0 {
		t.Errorf("scratch[0] real = %g, want 0", got)
	}
}

func TestKernel_IndexOutOfRangeTraps(t *testing.T) {
	k := newKernel(t, hostModule)
	// 1 site of 1x1 links holds 2 elements, so index 3 is out of range
	pair := newPair(t, lattice.Shape{Size: 1, GroupOrder: 1})
	geom := fixedGeometry{g: engine.Geometry{Participants: 10}}

	if _, err := k.Initialize(context.Background(), pair, 1, rng.NewPCG(1), geom, true); err == nil {
		t.Error("expected trap for out of range index")
	}
}

func TestNewKernel_MissingExports(t *testing.T) {
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if _, err := NewKernel(context.Background(), empty, Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error for module without exports")
	}
	if _, err := NewKernel(context.Background(), []byte("not wasm"), Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid module")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.wasm")
	if err := os.WriteFile(path, constModule, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg := config.Default()
	cfg.Kernel.Kind = config.KernelWASM
	cfg.Kernel.WASMPath = path

	ctx := context.Background()
	k, err := Load(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer k.Close(ctx)

	kern := k.Kernel()
	if kern.Initializer == nil || kern.Evolver == nil || kern.Geometry == nil {
		t.Errorf("incomplete kernel %+v", kern)
	}

	cfg.Kernel.WASMPath = filepath.Join(t.TempDir(), "missing.wasm")
	if _, err := Load(ctx, cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for missing module")
	}
}
