package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

func newTestLoop(alloc lattice.Allocator, init Initializer, maxAttempts int) *AttemptLoop {
	return NewAttemptLoop(AttemptLoopConfig{
		Shape:       testShape,
		FreshStart:  true,
		MaxAttempts: maxAttempts,
	}, alloc, init, nil)
}

func TestAttemptLoop_OnePairLive(t *testing.T) {
	tests := []struct {
		name     string
		failures int
	}{
		{"first attempt", 0},
		{"one retry", 1},
		{"many retries", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := lattice.NewHeapAllocator(0)
			init := &scriptedInitializer{failures: tt.failures, allocator: alloc}
			loop := newTestLoop(alloc, init, 0)
			state := &EventState{EventID: 3, Outcome: EventPending}

			pair, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, state)
			if err != nil {
				t.Fatalf("attempt loop failed: %v", err)
			}

			stats := alloc.Stats()
			if stats.Allocations != uint64(tt.failures+1) {
				t.Errorf("allocations = %d, want %d", stats.Allocations, tt.failures+1)
			}
			if stats.Releases != uint64(tt.failures) {
				t.Errorf("releases = %d, want %d", stats.Releases, tt.failures)
			}
			if stats.Live != 1 {
				t.Errorf("live pairs at exit = %d, want 1", stats.Live)
			}
			if init.maxLive != 1 {
				t.Errorf("max live pairs during attempts = %d, want 1", init.maxLive)
			}
			if pair.Released() {
				t.Error("returned pair must be live")
			}
			if pair.ID != init.pairIDs[len(init.pairIDs)-1] {
				t.Error("returned pair is not the one the last attempt filled")
			}
			if state.Attempts != tt.failures+1 || state.Outcome != EventInitialized {
				t.Errorf("unexpected state %+v", state)
			}
		})
	}
}

func TestAttemptLoop_FreshPairEveryAttempt(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	init := &scriptedInitializer{failures: 4}
	loop := newTestLoop(alloc, init, 0)

	if _, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, &EventState{}); err != nil {
		t.Fatalf("attempt loop failed: %v", err)
	}

	seen := map[uint64]bool{}
	for _, id := range init.pairIDs {
		if seen[id] {
			t.Fatalf("pair %d reused across attempts", id)
		}
		seen[id] = true
	}
}

func TestAttemptLoop_DrawsIncreaseAcrossRetries(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	init := &scriptedInitializer{failures: 5}
	loop := newTestLoop(alloc, init, 0)
	stream := rng.NewPCG(42)

	if _, err := loop.Run(context.Background(), stream, staticGeometry{}, &EventState{}); err != nil {
		t.Fatalf("attempt loop failed: %v", err)
	}

	if len(init.draws) != 6 {
		t.Fatalf("expected 6 attempts, got %d", len(init.draws))
	}
	for i := 1; i < len(init.draws); i++ {
		if init.draws[i] <= init.draws[i-1] {
			t.Errorf("draw count did not increase between attempt %d (%d) and %d (%d)",
				i-1, init.draws[i-1], i, init.draws[i])
		}
	}
	if stream.Draws() <= init.draws[len(init.draws)-1] {
		t.Error("last attempt consumed no randomness")
	}
}

func TestAttemptLoop_Exhausted(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	init := &scriptedInitializer{failures: 1 << 30}
	loop := newTestLoop(alloc, init, 3)
	state := &EventState{EventID: 9}

	pair, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, state)
	if pair != nil {
		t.Error("expected no pair")
	}
	if !IsFatal(err) || CodeOf(err) != ErrCodeAttemptsExhausted {
		t.Fatalf("expected fatal %s, got %v", ErrCodeAttemptsExhausted, err)
	}
	if init.calls != 3 || state.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3", init.calls, state.Attempts)
	}
	if live := alloc.Stats().Live; live != 0 {
		t.Errorf("live pairs = %d, want 0", live)
	}
}

func TestAttemptLoop_AllocationFailureIsFatal(t *testing.T) {
	alloc := lattice.NewHeapAllocator(testShape.PairBytes() - 1)
	init := &scriptedInitializer{}
	loop := newTestLoop(alloc, init, 0)

	_, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, &EventState{})
	if !IsFatal(err) || CodeOf(err) != ErrCodeAllocation {
		t.Fatalf("expected fatal %s, got %v", ErrCodeAllocation, err)
	}
	if !errors.Is(err, lattice.ErrExhausted) {
		t.Errorf("expected ErrExhausted in chain, got %v", err)
	}
	if init.calls != 0 {
		t.Errorf("initializer called %d times after allocation failure", init.calls)
	}
}

func TestAttemptLoop_InitializerErrorIsFatal(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	boom := errors.New("bad nucleus file")
	init := &scriptedInitializer{err: boom}
	loop := newTestLoop(alloc, init, 0)

	_, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, &EventState{})
	if !IsFatal(err) || CodeOf(err) != ErrCodeInitializer {
		t.Fatalf("expected fatal %s, got %v", ErrCodeInitializer, err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause in chain, got %v", err)
	}
	if live := alloc.Stats().Live; live != 0 {
		t.Errorf("live pairs = %d, want 0", live)
	}
}

func TestAttemptLoop_RecoverableInitializerErrorRetries(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	init := &scriptedInitializer{
		allocator: alloc,
		err:       NewRecoverableError(ErrCodeKernel, "guest busy", nil),
	}
	init.onCall = func(call int) {
		if call == 3 {
			init.err = nil
		}
	}
	loop := newTestLoop(alloc, init, 10)

	state := &EventState{}
	pair, err := loop.Run(context.Background(), rng.NewPCG(1), staticGeometry{}, state)
	if err != nil {
		t.Fatalf("expected success after recoverable errors, got %v", err)
	}
	if state.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", state.Attempts)
	}
	if stats := alloc.Stats(); stats.Live != 1 || stats.Allocations != 3 {
		t.Errorf("unexpected allocator stats %+v", stats)
	}
	if init.maxLive != 1 {
		t.Errorf("max live pairs = %d, want 1", init.maxLive)
	}
	if err := alloc.Release(pair); err != nil {
		t.Errorf("release failed: %v", err)
	}
}

func TestAttemptLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alloc := lattice.NewHeapAllocator(0)
	init := &scriptedInitializer{failures: 1 << 30, onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	loop := newTestLoop(alloc, init, 0)

	_, err := loop.Run(ctx, rng.NewPCG(1), staticGeometry{}, &EventState{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if init.calls != 2 {
		t.Errorf("calls = %d, want 2", init.calls)
	}
	if live := alloc.Stats().Live; live != 0 {
		t.Errorf("live pairs = %d, want 0", live)
	}
}

func TestEvolutionStage_ReleasesPair(t *testing.T) {
	tests := []struct {
		name    string
		evolver *mockEvolver
		wantErr bool
	}{
		{"success", &mockEvolver{}, false},
		{"failure", &mockEvolver{failOn: map[int]bool{5: true}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := lattice.NewHeapAllocator(0)
			pair, err := alloc.Allocate(testShape)
			if err != nil {
				t.Fatalf("allocate failed: %v", err)
			}

			stage := NewEvolutionStage(nil, 0, alloc, tt.evolver, nil)
			err = stage.Run(context.Background(), pair, EventInfo{EventID: 5})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && (IsFatal(err) || CodeOf(err) != ErrCodeEvolver) {
				t.Errorf("evolver failure should be logged-only, got %v", err)
			}
			if len(tt.evolver.calls) != 1 {
				t.Errorf("evolver called %d times, want 1", len(tt.evolver.calls))
			}
			if !pair.Released() || alloc.Stats().Live != 0 {
				t.Error("pair not released after evolution")
			}
		})
	}
}

func TestEvolutionStage_ReleasesPairOnPanic(t *testing.T) {
	alloc := lattice.NewHeapAllocator(0)
	pair, err := alloc.Allocate(testShape)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	stage := NewEvolutionStage(nil, 0, alloc, &mockEvolver{panics: true}, nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = stage.Run(context.Background(), pair, EventInfo{})
	}()

	if !pair.Released() {
		t.Error("pair not released after panic")
	}
}
