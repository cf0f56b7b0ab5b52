package main

import (
	"math"
	"testing"
)

// fakeHost keeps two fields of complex values as interleaved floats.
type fakeHost struct {
	cells        int
	participants int
	fields       [2][]float64
	draws        int
}

func newFakeHost(cells, groupOrder, participants int) *fakeHost {
	n := cells * elementsPerCell(groupOrder) * 2
	return &fakeHost{
		cells:        cells,
		participants: participants,
		fields:       [2][]float64{make([]float64, n), make([]float64, n)},
	}
}

func (f *fakeHost) RandNorm() float64 {
	f.draws++
	return 1
}

func (f *fakeHost) Cells() int { return f.cells }

func (f *fakeHost) Get(field, idx, part int) float64 {
	return f.fields[field][2*idx+part]
}

func (f *fakeHost) Set(field, idx, part int, v float64) {
	f.fields[field][2*idx+part] = v
}

func (f *fakeHost) Participants() int        { return f.participants }
func (f *fakeHost) ImpactParameter() float64 { return 0 }

func TestInitialize_RejectsPeripheral(t *testing.T) {
	h := newFakeHost(4, 2, 1)
	if got := initialize(h, 2, true); got != 0 {
		t.Errorf("initialize = %d, want 0", got)
	}
	if h.draws != 0 {
		t.Errorf("rejected attempt drew %d numbers", h.draws)
	}
}

func TestInitialize_ColdStartIsUnit(t *testing.T) {
	h := newFakeHost(4, 2, 100)
	if got := initialize(h, 2, false); got != 1 {
		t.Fatalf("initialize = %d, want 1", got)
	}
	if h.draws != 0 {
		t.Errorf("cold start drew %d numbers", h.draws)
	}

	perCell := elementsPerCell(2)
	for site := 0; site < 4; site++ {
		for k := 0; k < perCell; k++ {
			idx := site*perCell + k
			if got, want := h.Get(primary, idx, partRe), unit(2, k); got != want {
				t.Fatalf("site %d element %d = %v, want %v", site, k, got, want)
			}
		}
	}
}

func TestInitialize_FreshStartAddsNoise(t *testing.T) {
	h := newFakeHost(2, 2, 100)
	if got := initialize(h, 2, true); got != 1 {
		t.Fatalf("initialize = %d, want 1", got)
	}
	if want := 2 * 2 * elementsPerCell(2); h.draws != want {
		t.Errorf("drew %d numbers, want %d", h.draws, want)
	}
	// amp = 0.01 * sqrt(100)
	if got := h.Get(primary, 0, partRe); math.Abs(got-1.1) > 1e-12 {
		t.Errorf("diagonal element = %v, want 1.1", got)
	}
	if got := h.Get(primary, 1, partIm); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("off-diagonal imaginary part = %v, want 0.1", got)
	}
}

func TestEvolve_RelaxesTowardsUnit(t *testing.T) {
	h := newFakeHost(1, 2, 100)
	h.Set(primary, 0, partRe, 2)
	h.Set(primary, 0, partIm, 1)

	if got := evolve(h, 2); got != 0 {
		t.Fatalf("evolve = %d, want 0", got)
	}
	if got := h.Get(scratch, 0, partRe); got != 1.75 {
		t.Errorf("scratch real = %v, want 1.75", got)
	}
	if got := h.Get(scratch, 0, partIm); got != 0.75 {
		t.Errorf("scratch imag = %v, want 0.75", got)
	}
	if got := h.Get(primary, 0, partRe); got != 2 {
		t.Errorf("primary modified: %v", got)
	}
}

func TestEvolve_InvalidGroupOrder(t *testing.T) {
	if got := evolve(newFakeHost(1, 2, 0), 0); got == 0 {
		t.Error("expected non-zero status")
	}
}
