// Package barrier provides the collective synchronization point workers reach
// after every event.
//
// Local is a reusable in-process barrier for goroutine workers. File is a
// filesystem barrier for independent processes sharing a directory.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBroken is returned by Wait once any participant has broken the barrier.
var ErrBroken = errors.New("barrier broken")

// Barrier blocks until every participant has called Wait for the same generation.
type Barrier interface {
	Wait(ctx context.Context) error
}

// Breaker releases all current and future waiters with ErrBroken.
type Breaker interface {
	Break(cause error)
}

// Local is a cyclic barrier for a fixed number of goroutines.
type Local struct {
	parties int

	mu     sync.Mutex
	count  int
	gen    *generation
	broken error
}

type generation struct {
	done   chan struct{}
	broken error
}

// NewLocal creates a barrier for parties participants.
func NewLocal(parties int) *Local {
	if parties < 1 {
		parties = 1
	}
	return &Local{
		parties: parties,
		gen:     &generation{done: make(chan struct{})},
	}
}

// Parties returns the number of participants.
func (b *Local) Parties() int {
	return b.parties
}

// Wait blocks until all parties have arrived. If ctx ends first the barrier is
// broken for everyone and the context error is returned.
func (b *Local) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.broken != nil {
		err := b.broken
		b.mu.Unlock()
		return brokenErr(err)
	}

	g := b.gen
	b.count++
	if b.count == b.parties {
		b.count = 0
		b.gen = &generation{done: make(chan struct{})}
		close(g.done)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
	case <-ctx.Done():
		// The generation may have completed while ctx ended; it must not be
		// broken then, or the next generation fails for everyone.
		if b.breakGeneration(g, ctx.Err()) {
			return ctx.Err()
		}
	}
	if g.broken != nil {
		return brokenErr(g.broken)
	}
	return nil
}

// Break marks the barrier broken and wakes every waiter. Only the first cause is kept.
func (b *Local) Break(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakLocked(cause)
}

// breakGeneration breaks the barrier only while g is still the open
// generation. It reports false when g had already completed.
func (b *Local) breakGeneration(g *generation, cause error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != g {
		return false
	}
	b.breakLocked(cause)
	return true
}

func (b *Local) breakLocked(cause error) {
	if cause == nil {
		cause = errors.New("broken without cause")
	}
	if b.broken != nil {
		return
	}
	b.broken = cause
	b.gen.broken = cause
	close(b.gen.done)
}

func brokenErr(cause error) error {
	return fmt.Errorf("%w: %v", ErrBroken, cause)
}
