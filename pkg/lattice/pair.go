// Package lattice owns the storage the initializer and evolver operate on.
//
// A Pair holds a primary field and a scratch buffer of the same shape. The
// driver treats both as opaque: it allocates them, hands them to exactly one
// stage at a time and releases them. Contents are defined by the kernels.
package lattice

import (
	"errors"
	"fmt"
)

// LinksPerSite is the number of transverse link matrices stored per site.
const LinksPerSite = 2

// bytesPerElement is the size of one complex128.
const bytesPerElement = 16

var (
	// ErrExhausted is returned when a pair cannot be allocated within the limit.
	ErrExhausted = errors.New("lattice storage exhausted")

	// ErrReleased is returned when a pair is released more than once.
	ErrReleased = errors.New("lattice pair already released")

	// ErrInvalidShape is returned for non-positive sizes or group orders.
	ErrInvalidShape = errors.New("invalid lattice shape")
)

// Shape describes the dimensions of a field.
type Shape struct {
	// Size is the number of sites along each transverse direction.
	Size int `json:"size" yaml:"size"`

	// GroupOrder is the gauge-group order; each link is a GroupOrder x GroupOrder matrix.
	GroupOrder int `json:"group_order" yaml:"groupOrder"`
}

// Cells returns the number of lattice sites.
func (s Shape) Cells() int {
	return s.Size * s.Size
}

// ElementsPerCell returns the number of complex values stored per site.
func (s Shape) ElementsPerCell() int {
	return LinksPerSite * s.GroupOrder * s.GroupOrder
}

// Elements returns the total number of complex values in one field.
func (s Shape) Elements() int {
	return s.Cells() * s.ElementsPerCell()
}

// PairBytes returns the memory footprint of a full pair.
func (s Shape) PairBytes() int64 {
	return 2 * int64(s.Elements()) * bytesPerElement
}

// Validate checks the shape is allocatable.
func (s Shape) Validate() error {
	if s.Size <= 0 || s.GroupOrder <= 0 {
		return fmt.Errorf("%w: size=%d group_order=%d", ErrInvalidShape, s.Size, s.GroupOrder)
	}
	return nil
}

// Field is one storage region.
type Field struct {
	Shape Shape
	Data  []complex128
}

// Index returns the flat offset of element k at site.
func (f *Field) Index(site, k int) int {
	return site*f.Shape.ElementsPerCell() + k
}

// Pair is the primary field plus its scratch buffer.
type Pair struct {
	// ID is unique per allocator and increases with every allocation.
	ID uint64

	Primary *Field
	Scratch *Field

	released bool
}

// Shape returns the shape both fields share.
func (p *Pair) Shape() Shape {
	return p.Primary.Shape
}

// Released reports whether the pair's storage has been returned.
func (p *Pair) Released() bool {
	return p.released
}

// Field returns the field selected by index: 0 for primary, 1 for scratch.
func (p *Pair) Field(which int) (*Field, bool) {
	switch which {
	case 0:
		return p.Primary, true
	case 1:
		return p.Scratch, true
	default:
		return nil, false
	}
}

func newField(shape Shape) *Field {
	return &Field{
		Shape: shape,
		Data:  make([]complex128, shape.Elements()),
	}
}

// drop clears the references so the storage can be collected.
func (p *Pair) drop() {
	p.Primary.Data = nil
	p.Scratch.Data = nil
	p.released = true
}
