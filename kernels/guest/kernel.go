// Package main is an example evgen kernel compiled to WebAssembly.
//
// Build it as a WASI reactor and point kernel.wasmPath at the result:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o kernel.wasm .
//
// The physics is deliberately simple: initialize rejects geometries below a
// participant threshold and perturbs unit links with noise proportional to
// the participant count, evolve relaxes the primary field into scratch.
package main

import "math"

// minParticipants rejects peripheral events.
const minParticipants = 2

// relaxRate is the fraction of each link pulled towards unity per evolve call.
const relaxRate = 0.25

// host is the part of the evgen host module the kernel uses.
type host interface {
	RandNorm() float64
	Cells() int
	Get(field, idx, part int) float64
	Set(field, idx, part int, v float64)
	Participants() int
	ImpactParameter() float64
}

const (
	primary = 0
	scratch = 1

	partRe = 0
	partIm = 1
)

// linksPerSite matches the host lattice layout.
const linksPerSite = 2

func elementsPerCell(groupOrder int) int {
	return linksPerSite * groupOrder * groupOrder
}

func unit(groupOrder, k int) float64 {
	within := k % (groupOrder * groupOrder)
	if within/groupOrder == within%groupOrder {
		return 1
	}
	return 0
}

// initialize returns 1 when the primary field holds an accepted initial
// condition and 0 to request another attempt.
func initialize(h host, groupOrder int, fresh bool) int32 {
	npart := h.Participants()
	if npart < minParticipants {
		return 0
	}

	amp := 0.0
	if fresh {
		amp = 0.01 * math.Sqrt(float64(npart))
	}

	perCell := elementsPerCell(groupOrder)
	for site := 0; site < h.Cells(); site++ {
		for k := 0; k < perCell; k++ {
			idx := site*perCell + k
			re, im := unit(groupOrder, k), 0.0
			if amp > 0 {
				re += amp * h.RandNorm()
				im += amp * h.RandNorm()
			}
			h.Set(primary, idx, partRe, re)
			h.Set(primary, idx, partIm, im)
		}
	}
	return 1
}

// evolve writes the relaxed primary field into scratch and returns 0.
func evolve(h host, groupOrder int) int32 {
	if groupOrder < 1 {
		return 1
	}
	perCell := elementsPerCell(groupOrder)
	for site := 0; site < h.Cells(); site++ {
		for k := 0; k < perCell; k++ {
			idx := site*perCell + k
			re := h.Get(primary, idx, partRe)
			im := h.Get(primary, idx, partIm)
			h.Set(scratch, idx, partRe, re+relaxRate*(unit(groupOrder, k)-re))
			h.Set(scratch, idx, partIm, im*(1-relaxRate))
		}
	}
	return 0
}

func main() {}
