//go:build wasip1

package main

//go:wasmimport evgen rand_norm
func randNorm() float64

//go:wasmimport evgen lattice_cells
func latticeCells() int32

//go:wasmimport evgen lattice_get
func latticeGet(field, idx, part int32) float64

//go:wasmimport evgen lattice_set
func latticeSet(field, idx, part int32, v float64)

//go:wasmimport evgen geometry_participants
func geometryParticipants() int32

//go:wasmimport evgen geometry_b
func geometryB() float64

// evgenHost forwards to the imported host functions.
type evgenHost struct{}

func (evgenHost) RandNorm() float64 { return randNorm() }
func (evgenHost) Cells() int        { return int(latticeCells()) }

func (evgenHost) Get(field, idx, part int) float64 {
	return latticeGet(int32(field), int32(idx), int32(part))
}

func (evgenHost) Set(field, idx, part int, v float64) {
	latticeSet(int32(field), int32(idx), int32(part), v)
}

func (evgenHost) Participants() int        { return int(geometryParticipants()) }
func (evgenHost) ImpactParameter() float64 { return geometryB() }

//go:wasmexport initialize
func wasmInitialize(groupOrder, fresh int32) int32 {
	return initialize(evgenHost{}, int(groupOrder), fresh != 0)
}

//go:wasmexport evolve
func wasmEvolve(groupOrder, eventID int32) int32 {
	return evolve(evgenHost{}, int(groupOrder))
}
