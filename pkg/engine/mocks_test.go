package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/export"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

var testShape = lattice.Shape{Size: 2, GroupOrder: 2}

// scriptedInitializer rejects the first failures attempts of every event and
// accepts the next one.
type scriptedInitializer struct {
	mu        sync.Mutex
	failures  int
	allocator lattice.Allocator
	err       error
	onCall    func(call int)

	calls      int
	sinceReset int
	draws      []uint64
	maxLive    int
	pairIDs    []uint64
}

func (m *scriptedInitializer) Initialize(ctx context.Context, pair *lattice.Pair, groupOrder int, stream rng.Stream, geometry GeometrySampler, freshStart bool) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.draws = append(m.draws, stream.Draws())
	m.pairIDs = append(m.pairIDs, pair.ID)
	if m.allocator != nil {
		if live := m.allocator.Stats().Live; live > m.maxLive {
			m.maxLive = live
		}
	}
	if m.onCall != nil {
		m.onCall(m.calls)
	}

	if _, err := geometry.Sample(stream); err != nil {
		return OutcomeRetry, err
	}
	// Consume some randomness the way a real initializer would
	for i := 0; i < 3; i++ {
		pair.Primary.Data[i] = complex(stream.NormFloat64(), 0)
	}

	if m.err != nil {
		return OutcomeRetry, m.err
	}
	if m.sinceReset < m.failures {
		m.sinceReset++
		return OutcomeRetry, nil
	}
	m.sinceReset = 0
	return OutcomeSucceeded, nil
}

type mockEvolver struct {
	mu     sync.Mutex
	calls  []EventInfo
	failOn map[int]bool
	panics bool
}

func (m *mockEvolver) Evolve(ctx context.Context, pair *lattice.Pair, groupOrder int, cfg *config.RunConfig, info EventInfo) error {
	m.mu.Lock()
	m.calls = append(m.calls, info)
	fail := m.failOn[info.EventID]
	m.mu.Unlock()

	if pair.Released() {
		return errors.New("evolver received a released pair")
	}
	if m.panics {
		panic("evolver blew up")
	}
	if fail {
		return errors.New("integrator diverged")
	}
	return nil
}

type staticGeometry struct{}

func (staticGeometry) NewSampler(context.Context, *config.RunConfig, int) (GeometrySampler, error) {
	return staticGeometry{}, nil
}

func (staticGeometry) Sample(stream rng.Stream) (*Geometry, error) {
	return &Geometry{ImpactParameter: 10 * stream.Float64(), Participants: 100}, nil
}

type mockBarrier struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (m *mockBarrier) Wait(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
	return m.err
}

type exportCall struct {
	workerID int
	eventID  int
}

type mockExporter struct {
	mu       sync.Mutex
	events   []exportCall
	combines int
	exitCode int
}

func (m *mockExporter) ExportEvent(ctx context.Context, workerID, eventID int) export.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, exportCall{workerID, eventID})
	return export.Result{Command: []string{"merge", "--event_id"}, ExitCode: m.exitCode}
}

func (m *mockExporter) Combine(ctx context.Context) export.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.combines++
	return export.Result{Command: []string{"merge", export.CombineOnlyFlag}, ExitCode: m.exitCode}
}

type mockShipper struct {
	mu       sync.Mutex
	patterns []string
	err      error
}

func (m *mockShipper) Upload(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return 1, m.err
}

func testKernel(init Initializer, evolver Evolver) Kernel {
	return Kernel{Initializer: init, Evolver: evolver, Geometry: staticGeometry{}}
}
