package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

// EvolutionStage runs the Evolver once on an initialized pair and releases
// the pair when the Evolver returns.
type EvolutionStage struct {
	allocator lattice.Allocator
	evolver   Evolver
	cfg       *config.RunConfig
	workerID  int

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewEvolutionStage creates an evolution stage.
func NewEvolutionStage(cfg *config.RunConfig, workerID int, allocator lattice.Allocator, evolver Evolver, tel *telemetry.Telemetry) *EvolutionStage {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &EvolutionStage{
		allocator: allocator,
		evolver:   evolver,
		cfg:       cfg,
		workerID:  workerID,
		logger:    tel.Logger.NewComponentLogger("evolution"),
		metrics:   tel.Metrics,
	}
}

// Run takes ownership of pair. The pair is released before Run returns,
// also when the Evolver fails or panics.
func (s *EvolutionStage) Run(ctx context.Context, pair *lattice.Pair, info EventInfo) (err error) {
	timer := telemetry.NewTimer()
	defer func() {
		releaseErr := s.allocator.Release(pair)
		s.metrics.RecordRelease(s.workerID, s.allocator.Stats().Live)
		if releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}

		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordEvolution(status, timer.Duration())
	}()

	if err := s.evolver.Evolve(ctx, pair, pair.Shape().GroupOrder, s.cfg, info); err != nil {
		return NewLoggedError(ErrCodeEvolver, "evolution failed", err).
			WithResource(fmt.Sprintf("event-%d", info.EventID))
	}

	s.logger.WithEvent(info.EventID).Log().Debug().
		Dur("duration", timer.Duration()).
		Msg("Evolution finished")
	return nil
}
