// Package rng provides the per-worker random stream used by the event driver.
//
// A stream is seeded exactly once at construction and is consumed strictly
// forward. There is no way to rewind or reseed it, so a retried attempt always
// sees values that no earlier attempt has seen.
package rng

import (
	"math/rand/v2"
	"sync/atomic"
)

// streamIncrement is the fixed PCG stream selector. Worker uniqueness comes
// from the seed, not the increment.
const streamIncrement uint64 = 0xda3e39cb94b95bdb

// Stream is an ordered, monotonically consumed random sequence.
type Stream interface {
	// Uint64 returns the next 64 random bits.
	Uint64() uint64

	// Float64 returns a uniform value in [0, 1).
	Float64() float64

	// NormFloat64 returns a standard normal value.
	NormFloat64() float64

	// Draws reports how many raw 64-bit values have been consumed so far.
	Draws() uint64

	// Seed returns the seed the stream was created with.
	Seed() uint64
}

// countingSource counts every value pulled from the underlying generator.
type countingSource struct {
	src   rand.Source
	draws atomic.Uint64
}

func (c *countingSource) Uint64() uint64 {
	c.draws.Add(1)
	return c.src.Uint64()
}

// PCGStream is a Stream backed by math/rand/v2's PCG generator.
type PCGStream struct {
	seed   uint64
	source *countingSource
	rand   *rand.Rand
}

// NewPCG creates a stream seeded with seed.
func NewPCG(seed uint64) *PCGStream {
	src := &countingSource{src: rand.NewPCG(seed, streamIncrement)}
	return &PCGStream{
		seed:   seed,
		source: src,
		rand:   rand.New(src),
	}
}

// Uint64 returns the next 64 random bits.
func (s *PCGStream) Uint64() uint64 {
	return s.rand.Uint64()
}

// Float64 returns a uniform value in [0, 1).
func (s *PCGStream) Float64() float64 {
	return s.rand.Float64()
}

// NormFloat64 returns a standard normal value.
func (s *PCGStream) NormFloat64() float64 {
	return s.rand.NormFloat64()
}

// Draws reports how many raw values have been consumed.
func (s *PCGStream) Draws() uint64 {
	return s.source.draws.Load()
}

// Seed returns the construction seed.
func (s *PCGStream) Seed() uint64 {
	return s.seed
}
