package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
	"github.com/latticeforge/evgen/pkg/seed"
	"github.com/latticeforge/evgen/pkg/stores"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

// Kernel bundles the physics collaborators of one worker.
type Kernel struct {
	Initializer Initializer
	Evolver     Evolver
	Geometry    GeometryFactory
}

// WorkerDeps holds the collaborators a worker is wired to.
type WorkerDeps struct {
	Kernel  Kernel
	Barrier Barrier

	// Exporter is nil when export is disabled.
	Exporter Exporter

	// Shipper is nil when shipping is disabled.
	Shipper  Shipper
	ShipGlob string

	Audit  AuditSink
	Ledger stores.Ledger

	// Allocator defaults to a heap allocator limited by lattice.maxBytes.
	Allocator lattice.Allocator

	// Director defaults to one built from the seed section.
	Director *seed.Director
}

// RunWorker runs one worker from seed derivation to the end-of-run merge.
// Every returned error is fatal.
func RunWorker(ctx context.Context, cfg *config.RunConfig, runID string, workerID, workerCount int, deps WorkerDeps, tel *telemetry.Telemetry) (err error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := tel.Logger.NewComponentLogger("worker").WithRunID(runID).WithWorker(workerID, workerCount)

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, workerID)
	defer func() { telemetry.EndSpan(span, err) }()

	tel.Metrics.WorkerStarted()
	defer tel.Metrics.WorkerStopped()

	director := deps.Director
	if director == nil {
		director = seed.NewDirector(cfg.Seed.Mode, cfg.Seed.Value, cfg.Seed.ListPath,
			seed.WithLogger(logger.Zerolog()))
	}

	derivation, err := director.Derive(workerID, workerCount)
	if err != nil {
		tel.Metrics.RecordError(string(ErrorClassFatal), ErrCodeSeed)
		return NewFatalError(ErrCodeSeed, "failed to derive seed", err).
			WithResource(fmt.Sprintf("worker-%d", workerID)).
			WithDetail("mode", string(cfg.Seed.Mode))
	}

	worker := WorkerContext{
		RunID:       runID,
		WorkerID:    workerID,
		WorkerCount: workerCount,
		Seed:        derivation.Seed,
		Derivation:  derivation,
	}

	ledger := deps.Ledger
	if ledger == nil {
		ledger = stores.NopLedger{}
	}
	recordWorker(ctx, ledger, worker, logger)

	allocator := deps.Allocator
	if allocator == nil {
		allocator = lattice.NewHeapAllocator(cfg.Lattice.MaxBytes)
	}

	driver := NewEventDriver(DriverConfig{
		Config:   cfg,
		Worker:   worker,
		Stream:   rng.NewPCG(worker.Seed),
		Geometry: deps.Kernel.Geometry,
		Attempts: NewAttemptLoop(AttemptLoopConfig{
			Shape:       cfg.Lattice.Shape(),
			FreshStart:  !cfg.Initial.ReadFromFile,
			MaxAttempts: cfg.Initial.MaxAttempts,
			WorkerID:    workerID,
		}, allocator, deps.Kernel.Initializer, tel),
		Evolution: NewEvolutionStage(cfg, workerID, allocator, deps.Kernel.Evolver, tel),
		Finalizer: NewFinalizer(FinalizerConfig{
			RunID:    runID,
			WorkerID: workerID,
			Barrier:  deps.Barrier,
			Exporter: deps.Exporter,
			Shipper:  deps.Shipper,
			ShipGlob: deps.ShipGlob,
			Ledger:   ledger,
		}, tel),
		Audit:  deps.Audit,
		Ledger: ledger,
	}, tel)

	err = driver.Run(ctx)

	status := stores.WorkerStatusCompleted
	var errMsg *string
	if err != nil {
		status = stores.WorkerStatusFailed
		msg := err.Error()
		errMsg = &msg
		tel.Metrics.RecordError(string(ClassOf(err)), CodeOf(err))
		logger.Log().Error().Err(err).Str("code", CodeOf(err)).Msg("Worker failed")
	} else {
		logger.Info("Worker finished")
	}

	// The run context may already be cancelled; the final status is still recorded
	if lerr := ledger.CompleteWorker(context.WithoutCancel(ctx), runID, workerID, status, errMsg); lerr != nil {
		logger.Log().Error().Err(lerr).Msg("Ledger write failed")
	}

	return err
}

func recordWorker(ctx context.Context, ledger stores.Ledger, w WorkerContext, logger *telemetry.Logger) {
	derivation, err := json.Marshal(w.Derivation)
	if err != nil {
		logger.Log().Error().Err(err).Msg("Failed to encode seed derivation")
		derivation = []byte("{}")
	}

	if err := ledger.RecordWorker(ctx, &stores.Worker{
		RunID:      w.RunID,
		WorkerID:   w.WorkerID,
		Seed:       w.Seed,
		SeedMode:   string(w.Derivation.Mode),
		Derivation: string(derivation),
		Status:     stores.WorkerStatusRunning,
		StartedAt:  time.Now(),
	}); err != nil {
		logger.Log().Error().Err(err).Msg("Ledger write failed")
	}
}
