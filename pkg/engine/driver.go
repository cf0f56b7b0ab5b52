package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/rng"
	"github.com/latticeforge/evgen/pkg/stores"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

// EventDriver is the per-worker event loop.
type EventDriver struct {
	cfg    *config.RunConfig
	worker WorkerContext
	stream rng.Stream

	geometry  GeometryFactory
	attempts  *AttemptLoop
	evolution *EvolutionStage
	finalizer *Finalizer
	audit     AuditSink
	ledger    stores.Ledger

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// DriverConfig holds the stages an EventDriver sequences.
type DriverConfig struct {
	Config *config.RunConfig
	Worker WorkerContext
	Stream rng.Stream

	Geometry  GeometryFactory
	Attempts  *AttemptLoop
	Evolution *EvolutionStage
	Finalizer *Finalizer

	// Audit receives the per-event records; nil disables them.
	Audit  AuditSink
	Ledger stores.Ledger
}

// NewEventDriver creates an event driver.
func NewEventDriver(dc DriverConfig, tel *telemetry.Telemetry) *EventDriver {
	if tel == nil {
		tel = telemetry.Nop()
	}
	ledger := dc.Ledger
	if ledger == nil {
		ledger = stores.NopLedger{}
	}
	return &EventDriver{
		cfg:       dc.Config,
		worker:    dc.Worker,
		stream:    dc.Stream,
		geometry:  dc.Geometry,
		attempts:  dc.Attempts,
		evolution: dc.Evolution,
		finalizer: dc.Finalizer,
		audit:     dc.Audit,
		ledger:    ledger,
		tel:       tel,
		logger: tel.Logger.NewComponentLogger("driver").
			WithRunID(dc.Worker.RunID).
			WithWorker(dc.Worker.WorkerID, dc.Worker.WorkerCount),
	}
}

// Run generates cfg.Events events and then finalizes the run. It returns
// only fatal errors.
func (d *EventDriver) Run(ctx context.Context) error {
	for index := 0; index < d.cfg.Events; index++ {
		if err := d.runEvent(ctx, index); err != nil {
			return err
		}
	}
	return d.finalizer.FinishRun(ctx)
}

func (d *EventDriver) runEvent(ctx context.Context, index int) (err error) {
	state := NewEventState(d.worker, index)
	logger := d.logger.WithEvent(state.EventID)

	ctx, span := d.tel.Tracer.StartEventSpan(ctx, d.worker.WorkerID, state.EventID)
	defer func() { telemetry.EndSpan(span, err) }()

	if d.worker.WorkerID == 0 {
		logger.Log().Debug().Msgf("---------------- event %d ----------------", state.EventID)
	}
	logger.Infof("Generating event %d out of %d", index+1, d.cfg.Events)

	d.writeAudit(logger, state.EventID)

	started := time.Now()
	d.ledgerCall(logger, "start event", d.ledger.StartEvent(ctx, &stores.Event{
		RunID:      d.worker.RunID,
		EventID:    state.EventID,
		WorkerID:   d.worker.WorkerID,
		EventIndex: index,
		Outcome:    string(state.Outcome),
		StartedAt:  started,
	}))

	if err := d.generate(ctx, state, logger); err != nil {
		d.finishEvent(ctx, logger, state, err)
		return err
	}

	fctx, fspan := d.tel.Tracer.StartStageSpan(ctx, "finalize", state.EventID)
	err = d.finalizer.FinishEvent(fctx, state.EventID)
	telemetry.EndSpan(fspan, err)

	d.finishEvent(ctx, logger, state, err)
	if err != nil {
		return err
	}

	d.tel.Metrics.RecordEvent(string(state.Outcome), state.Attempts)
	return nil
}

// generate runs the attempt loop and, on success, the evolution. Evolution
// failures are logged and leave the event marked evolve_failed.
func (d *EventDriver) generate(ctx context.Context, state *EventState, logger *telemetry.Logger) error {
	sampler, err := d.geometry.NewSampler(ctx, d.cfg, d.worker.WorkerID)
	if err != nil {
		return NewFatalError(ErrCodeGeometry, "failed to create geometry sampler", err).
			WithResource(fmt.Sprintf("event-%d", state.EventID))
	}

	actx, aspan := d.tel.Tracer.StartStageSpan(ctx, "attempts", state.EventID)
	pair, err := d.attempts.Run(actx, d.stream, sampler, state)
	aspan.SetAttributes(telemetry.AttrAttempts.Int(state.Attempts))
	telemetry.EndSpan(aspan, err)
	if err != nil {
		return err
	}

	info := EventInfo{
		RunID:    d.worker.RunID,
		WorkerID: d.worker.WorkerID,
		EventID:  state.EventID,
		Index:    state.Index,
		Seed:     d.worker.Seed,
	}

	ectx, espan := d.tel.Tracer.StartStageSpan(ctx, "evolve", state.EventID)
	err = d.evolution.Run(ectx, pair, info)
	telemetry.EndSpan(espan, err)

	if err != nil {
		state.Outcome = EventEvolveFailed
		if IsFatal(err) {
			return err
		}
		d.tel.Metrics.RecordError(string(ClassOf(err)), CodeOf(err))
		logger.Log().Error().Err(err).Msg("Evolution failed, continuing with next event")
		return nil
	}

	state.Outcome = EventEvolved
	return nil
}

func (d *EventDriver) writeAudit(logger *telemetry.Logger, eventID int) {
	if d.audit == nil {
		return
	}
	if d.cfg.Audit.WriteParameters {
		if err := d.audit.RecordParameters(eventID, d.cfg); err != nil {
			d.tel.Metrics.RecordError(string(ErrorClassLogged), ErrCodeAudit)
			logger.Log().Error().Err(err).Msg("Failed to write used parameters")
		}
	}
	if err := d.audit.RecordSeed(eventID, d.worker.WorkerID, d.worker.Seed); err != nil {
		d.tel.Metrics.RecordError(string(ErrorClassLogged), ErrCodeAudit)
		logger.Log().Error().Err(err).Msg("Failed to write seed audit record")
	}
}

func (d *EventDriver) finishEvent(ctx context.Context, logger *telemetry.Logger, state *EventState, eventErr error) {
	done := time.Now()
	rec := &stores.Event{
		RunID:       d.worker.RunID,
		EventID:     state.EventID,
		Outcome:     string(state.Outcome),
		Attempts:    state.Attempts,
		CompletedAt: &done,
	}
	if eventErr != nil {
		msg := eventErr.Error()
		rec.Error = &msg
	}
	d.ledgerCall(logger, "finish event", d.ledger.FinishEvent(ctx, rec))
}

func (d *EventDriver) ledgerCall(logger *telemetry.Logger, op string, err error) {
	if err == nil {
		return
	}
	d.tel.Metrics.RecordError(string(ErrorClassLogged), ErrCodeLedger)
	logger.Log().Error().Err(err).Str("operation", op).Msg("Ledger write failed")
}
