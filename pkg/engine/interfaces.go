package engine

import (
	"context"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/export"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

// Initializer builds the initial condition of an event.
type Initializer interface {
	// Initialize fills pair in place. It draws from stream and may sample the
	// collision geometry any number of times. freshStart is false when the
	// initial state should be read from previously stored data. An error
	// classified recoverable counts as OutcomeRetry; any other error is fatal.
	Initialize(ctx context.Context, pair *lattice.Pair, groupOrder int, stream rng.Stream,
		geometry GeometrySampler, freshStart bool) (Outcome, error)
}

// Evolver runs the time evolution of an initialized event.
type Evolver interface {
	// Evolve blocks until the evolution is finished. Results are persisted by
	// the Evolver before it returns.
	Evolve(ctx context.Context, pair *lattice.Pair, groupOrder int, cfg *config.RunConfig, info EventInfo) error
}

// GeometryFactory creates a sampler for one event.
type GeometryFactory interface {
	NewSampler(ctx context.Context, cfg *config.RunConfig, workerID int) (GeometrySampler, error)
}

// GeometrySampler draws collision geometries.
type GeometrySampler interface {
	Sample(stream rng.Stream) (*Geometry, error)
}

// Barrier is the cross-worker synchronization point.
type Barrier interface {
	Wait(ctx context.Context) error
}

// Exporter invokes the external merge program.
type Exporter interface {
	ExportEvent(ctx context.Context, workerID, eventID int) export.Result
	Combine(ctx context.Context) export.Result
}

// Shipper uploads finished result files.
type Shipper interface {
	// Upload copies every local file matching pattern and returns how many were sent.
	Upload(ctx context.Context, pattern string) (int, error)
}

// AuditSink receives the per-event audit records.
type AuditSink interface {
	RecordSeed(eventID, workerID int, seed uint64) error
	RecordParameters(eventID int, cfg *config.RunConfig) error
}
