package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/latticeforge/evgen/pkg/export"
	"github.com/latticeforge/evgen/pkg/stores"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

// Finalizer synchronizes workers after every event and runs the optional
// export, merge and shipping steps.
type Finalizer struct {
	runID    string
	workerID int

	barrier  Barrier
	exporter Exporter
	shipper  Shipper
	shipGlob string
	ledger   stores.Ledger

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// FinalizerConfig configures a Finalizer. A nil Exporter disables export and
// the run-level merge; a nil Shipper disables shipping.
type FinalizerConfig struct {
	RunID    string
	WorkerID int

	Barrier  Barrier
	Exporter Exporter
	Shipper  Shipper

	// ShipGlob selects the files the shipper uploads after the merge.
	ShipGlob string

	Ledger stores.Ledger
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(cfg FinalizerConfig, tel *telemetry.Telemetry) *Finalizer {
	if tel == nil {
		tel = telemetry.Nop()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = stores.NopLedger{}
	}
	return &Finalizer{
		runID:    cfg.RunID,
		workerID: cfg.WorkerID,
		barrier:  cfg.Barrier,
		exporter: cfg.Exporter,
		shipper:  cfg.Shipper,
		shipGlob: cfg.ShipGlob,
		ledger:   ledger,
		logger:   tel.Logger.NewComponentLogger("finalizer"),
		metrics:  tel.Metrics,
	}
}

// FinishEvent waits for every worker to finish the event, then exports it.
// Only a barrier failure is returned; export failures are logged.
func (f *Finalizer) FinishEvent(ctx context.Context, eventID int) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	if f.exporter == nil {
		return nil
	}

	res := f.exporter.ExportEvent(ctx, f.workerID, eventID)
	f.record(ctx, stores.ExportKindEvent, &eventID, res)
	return nil
}

// FinishRun waits for every worker to finish every event. Worker 0 then runs
// the combine-only merge and ships the combined files.
func (f *Finalizer) FinishRun(ctx context.Context) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	if f.workerID != 0 {
		return nil
	}

	if f.exporter != nil {
		res := f.exporter.Combine(ctx)
		f.record(ctx, stores.ExportKindCombine, nil, res)
	}

	if f.shipper != nil {
		n, err := f.shipper.Upload(ctx, f.shipGlob)
		if err != nil {
			f.metrics.RecordError(string(ErrorClassLogged), ErrCodeShipping)
			f.logger.Log().Warn().Err(err).Str("pattern", f.shipGlob).Msg("Shipping results failed")
		} else {
			f.logger.Log().Info().Int("files", n).Str("pattern", f.shipGlob).Msg("Shipped results")
		}
	}

	return nil
}

func (f *Finalizer) wait(ctx context.Context) error {
	if f.barrier == nil {
		return nil
	}

	start := time.Now()
	err := f.barrier.Wait(ctx)
	f.metrics.RecordBarrierWait(time.Since(start))
	if err != nil {
		return NewFatalError(ErrCodeBarrier, "barrier wait failed", err).
			WithResource(fmt.Sprintf("worker-%d", f.workerID))
	}
	return nil
}

func (f *Finalizer) record(ctx context.Context, kind string, eventID *int, res export.Result) {
	status := "ok"
	if !res.OK() {
		status = "failed"
		f.metrics.RecordError(string(ErrorClassLogged), ErrCodeExport)
	}
	f.metrics.RecordExport(kind, status, res.Duration)

	x := &stores.Export{
		RunID:    f.runID,
		WorkerID: f.workerID,
		EventID:  eventID,
		Kind:     kind,
		Command:  res.CommandLine(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}
	if res.Err != nil {
		msg := res.Err.Error()
		x.Error = &msg
	}
	if err := f.ledger.RecordExport(ctx, x); err != nil {
		f.metrics.RecordError(string(ErrorClassLogged), ErrCodeLedger)
		f.logger.Log().Error().Err(err).Str("kind", kind).Msg("Failed to record export")
	}
}
