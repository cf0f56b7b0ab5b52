package lattice

import (
	"fmt"
	"sync"
)

// Allocator hands out and takes back lattice pairs.
type Allocator interface {
	// Allocate creates a fresh pair of the given shape.
	Allocate(shape Shape) (*Pair, error)

	// Release returns a pair's storage. A pair may be released only once.
	Release(p *Pair) error

	// Stats returns the allocation counters.
	Stats() Stats
}

// Stats reports allocator accounting.
type Stats struct {
	// Live is the number of pairs currently allocated and not yet released.
	Live int

	// Allocations counts successful allocations.
	Allocations uint64

	// Releases counts successful releases.
	Releases uint64

	// LiveBytes is the footprint of the live pairs.
	LiveBytes int64
}

// HeapAllocator allocates pairs on the Go heap with an optional byte limit.
type HeapAllocator struct {
	// maxBytes caps LiveBytes; zero means unlimited.
	maxBytes int64

	mu    sync.Mutex
	stats Stats
	next  uint64
}

// NewHeapAllocator creates a heap allocator. maxBytes of zero disables the limit.
func NewHeapAllocator(maxBytes int64) *HeapAllocator {
	return &HeapAllocator{maxBytes: maxBytes}
}

// Allocate creates a zeroed pair.
func (a *HeapAllocator) Allocate(shape Shape) (*Pair, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	need := shape.PairBytes()
	if need <= 0 {
		return nil, fmt.Errorf("%w: size overflow for %dx%d, group order %d",
			ErrExhausted, shape.Size, shape.Size, shape.GroupOrder)
	}

	a.mu.Lock()
	if a.maxBytes > 0 && a.stats.LiveBytes+need > a.maxBytes {
		live := a.stats.LiveBytes
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d bytes, %d live, limit %d",
			ErrExhausted, need, live, a.maxBytes)
	}
	a.next++
	id := a.next
	a.stats.Live++
	a.stats.Allocations++
	a.stats.LiveBytes += need
	a.mu.Unlock()

	return &Pair{
		ID:      id,
		Primary: newField(shape),
		Scratch: newField(shape),
	}, nil
}

// Release returns the pair's storage.
func (a *HeapAllocator) Release(p *Pair) error {
	if p == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if p.released {
		return fmt.Errorf("%w: pair %d", ErrReleased, p.ID)
	}

	a.stats.LiveBytes -= p.Shape().PairBytes()
	p.drop()
	a.stats.Live--
	a.stats.Releases++
	return nil
}

// Stats returns a snapshot of the counters.
func (a *HeapAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
