package rng

import "testing"

func TestPCGStream_Deterministic(t *testing.T) {
	a := NewPCG(42)
	b := NewPCG(42)

	for i := 0; i < 100; i++ {
		if x, y := a.Uint64(), b.Uint64(); x != y {
			t.Fatalf("draw %d differs: %d != %d", i, x, y)
		}
	}
}

func TestPCGStream_DifferentSeeds(t *testing.T) {
	a := NewPCG(5)
	b := NewPCG(1005)

	same := 0
	for i := 0; i < 16; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same == 16 {
		t.Error("expected streams with different seeds to diverge")
	}
}

func TestPCGStream_DrawsMonotonic(t *testing.T) {
	s := NewPCG(7)
	if s.Draws() != 0 {
		t.Fatalf("expected 0 draws on a fresh stream, got %d", s.Draws())
	}

	last := s.Draws()
	for i := 0; i < 50; i++ {
		switch i % 3 {
		case 0:
			s.Uint64()
		case 1:
			s.Float64()
		default:
			s.NormFloat64()
		}
		if s.Draws() <= last {
			t.Fatalf("draw count did not increase at step %d: %d <= %d", i, s.Draws(), last)
		}
		last = s.Draws()
	}
}

func TestPCGStream_Float64Range(t *testing.T) {
	s := NewPCG(1)
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64 out of range: %f", v)
		}
	}
}

func TestPCGStream_Seed(t *testing.T) {
	if got := NewPCG(99).Seed(); got != 99 {
		t.Errorf("expected seed 99, got %d", got)
	}
}
