package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

// DefaultMaxAttempts bounds the attempt loop when no limit is configured.
const DefaultMaxAttempts = 100000

// attemptState is a step of the attempt loop.
type attemptState string

const (
	stateIdle         attemptState = "idle"
	stateAllocating   attemptState = "allocating"
	stateInitializing attemptState = "initializing"
	stateSucceeded    attemptState = "succeeded"
)

// AttemptLoop allocates a fresh pair and calls the Initializer until an
// attempt succeeds. At most one pair is live at any time.
type AttemptLoop struct {
	allocator   lattice.Allocator
	initializer Initializer
	shape       lattice.Shape
	freshStart  bool
	maxAttempts int
	workerID    int

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// AttemptLoopConfig configures an AttemptLoop.
type AttemptLoopConfig struct {
	Shape      lattice.Shape
	FreshStart bool

	// MaxAttempts bounds the attempts per event; zero uses DefaultMaxAttempts.
	MaxAttempts int

	WorkerID int
}

// NewAttemptLoop creates an attempt loop.
func NewAttemptLoop(cfg AttemptLoopConfig, allocator lattice.Allocator, initializer Initializer, tel *telemetry.Telemetry) *AttemptLoop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &AttemptLoop{
		allocator:   allocator,
		initializer: initializer,
		shape:       cfg.Shape,
		freshStart:  cfg.FreshStart,
		maxAttempts: cfg.MaxAttempts,
		workerID:    cfg.WorkerID,
		logger:      tel.Logger.NewComponentLogger("attempts"),
		metrics:     tel.Metrics,
	}
}

// Run attempts initialization for the event in state. On success the returned
// pair is live and owned by the caller. On error no pair is live.
// state.Attempts counts every Initializer call.
func (l *AttemptLoop) Run(ctx context.Context, stream rng.Stream, geometry GeometrySampler, state *EventState) (*lattice.Pair, error) {
	timer := telemetry.NewTimer()
	defer func() { l.metrics.RecordAttemptLoop(timer.Duration()) }()

	logger := l.logger.WithEvent(state.EventID)
	current := stateIdle

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state.Attempts >= l.maxAttempts {
			return nil, NewFatalError(ErrCodeAttemptsExhausted,
				fmt.Sprintf("no successful initialization after %d attempts", state.Attempts), nil).
				WithResource(fmt.Sprintf("event-%d", state.EventID)).
				WithDetail("max_attempts", l.maxAttempts)
		}

		current = l.transition(logger, current, stateAllocating)
		pair, err := l.allocator.Allocate(l.shape)
		if err != nil {
			return nil, NewFatalError(ErrCodeAllocation, "failed to allocate lattice pair", err).
				WithResource(fmt.Sprintf("event-%d", state.EventID)).
				WithDetail("pair_bytes", l.shape.PairBytes())
		}
		l.metrics.RecordAllocation(l.workerID, l.allocator.Stats().Live)

		current = l.transition(logger, current, stateInitializing)
		state.Attempts++
		outcome, err := l.initializer.Initialize(ctx, pair, l.shape.GroupOrder, stream, geometry, l.freshStart)
		if err != nil && IsRecoverable(err) {
			logger.Log().Debug().Err(err).
				Int("attempt", state.Attempts).
				Msg("Recoverable initializer error, retrying")
			outcome, err = OutcomeRetry, nil
		}
		if err != nil {
			releaseErr := l.release(pair)
			l.metrics.RecordAttempt("error")
			return nil, NewFatalError(ErrCodeInitializer, "initializer failed", errors.Join(err, releaseErr)).
				WithResource(fmt.Sprintf("event-%d", state.EventID)).
				WithDetail("attempt", state.Attempts)
		}

		if outcome == OutcomeSucceeded {
			l.transition(logger, current, stateSucceeded)
			l.metrics.RecordAttempt(outcome.String())
			state.Outcome = EventInitialized
			logger.Log().Debug().
				Int("attempts", state.Attempts).
				Uint64("draws", stream.Draws()).
				Msg("Initial condition accepted")
			return pair, nil
		}

		l.metrics.RecordAttempt(outcome.String())
		logger.Log().Debug().
			Int("attempt", state.Attempts).
			Uint64("draws", stream.Draws()).
			Msg("Initial condition rejected, retrying")

		if err := l.release(pair); err != nil {
			return nil, NewFatalError(ErrCodeAllocation, "failed to release rejected lattice pair", err).
				WithResource(fmt.Sprintf("event-%d", state.EventID))
		}
	}
}

func (l *AttemptLoop) release(pair *lattice.Pair) error {
	err := l.allocator.Release(pair)
	l.metrics.RecordRelease(l.workerID, l.allocator.Stats().Live)
	return err
}

func (l *AttemptLoop) transition(logger *telemetry.Logger, from, to attemptState) attemptState {
	logger.Log().Trace().Str("from", string(from)).Str("to", string(to)).Msg("Attempt state")
	return to
}
