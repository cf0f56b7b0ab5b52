package spmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/latticeforge/evgen/pkg/audit"
	"github.com/latticeforge/evgen/pkg/barrier"
	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/export"
	"github.com/latticeforge/evgen/pkg/kernels/reference"
	"github.com/latticeforge/evgen/pkg/kernels/wasm"
	"github.com/latticeforge/evgen/pkg/policy"
	"github.com/latticeforge/evgen/pkg/stores"
	"github.com/latticeforge/evgen/pkg/telemetry"
	"github.com/latticeforge/evgen/pkg/transports/sftp"
)

// KernelFactory builds the kernel of one worker. The returned function
// releases it once the worker has finished.
type KernelFactory func(ctx context.Context, cfg *config.RunConfig, workerID int, tel *telemetry.Telemetry) (engine.Kernel, func(), error)

// Options adjust how a run is launched.
type Options struct {
	// Getenv reads launcher variables; nil uses os.Getenv.
	Getenv func(string) string

	// Kernel overrides the kernel selected by kernel.kind.
	Kernel KernelFactory
}

// barrierBreaker is implemented by both barrier kinds.
type barrierBreaker interface {
	engine.Barrier
	Break(cause error)
}

// Run executes every worker this process is responsible for and returns the
// first fatal error.
func Run(ctx context.Context, cfg *config.RunConfig, tel *telemetry.Telemetry, opts Options) error {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Kernel == nil {
		opts.Kernel = NewKernel
	}

	processMode := cfg.Parallel.Mode == config.ParallelProcess

	ident := Identity{WorkerID: 0, WorkerCount: cfg.Parallel.Workers, Source: "config"}
	if processMode {
		var err error
		ident, err = IdentityFromEnv(opts.Getenv)
		if err != nil {
			return engine.NewFatalError(engine.ErrCodeConfig, "failed to determine worker identity", err)
		}
	}

	runID, err := RunID(opts.Getenv, ident.WorkerCount, processMode)
	if err != nil {
		return engine.NewFatalError(engine.ErrCodeConfig, "failed to determine run id", err)
	}

	logger := tel.Logger.NewComponentLogger("spmd").WithRunID(runID)
	logger.Log().Info().
		Str("mode", cfg.Parallel.Mode).
		Int("workers", ident.WorkerCount).
		Str("identity", ident.Source).
		Int("events_per_worker", cfg.Events).
		Msg("Starting run")

	if err := admit(ctx, cfg, ident.WorkerCount, tel); err != nil {
		return err
	}

	ledger, closeLedger := openLedger(ctx, cfg, runID, ident, processMode, logger)

	deps := sharedDeps(cfg, ledger, tel)

	if processMode {
		err = runProcess(ctx, cfg, runID, ident, deps, opts, tel)
	} else {
		err = runLocal(ctx, cfg, runID, ident.WorkerCount, deps, opts, tel)
	}

	closeLedger(err)

	if err != nil {
		return err
	}
	logger.Info("Run finished")
	return nil
}

// admit evaluates the admission policies. A denial is fatal.
func admit(ctx context.Context, cfg *config.RunConfig, workers int, tel *telemetry.Telemetry) error {
	pe, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return engine.NewFatalError(engine.ErrCodeAdmission, "failed to create policy engine", err)
	}
	if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
		return engine.NewFatalError(engine.ErrCodeAdmission, "failed to load admission policies", err)
	}
	if _, err := pe.Admit(ctx, cfg, workers); err != nil {
		return engine.NewFatalError(engine.ErrCodeAdmission, "run configuration not admitted", err)
	}
	return nil
}

// openLedger opens the run ledger. Ledger failures never stop a run, so any
// error falls back to a ledger that records nothing.
//
// The returned function completes the run in the ledger and closes it. A
// shared ledger file is completed by worker 0 only; a failure or a file private
// to this worker is always completed here.
func openLedger(ctx context.Context, cfg *config.RunConfig, runID string, ident Identity, processMode bool,
	logger *telemetry.Logger) (stores.Ledger, func(runErr error)) {
	noop := func(error) {}
	if cfg.Ledger.Path == "" {
		return stores.NopLedger{}, noop
	}

	path, private := ledgerPath(cfg.Ledger.Path, ident.WorkerID, processMode)
	store, err := stores.Open(ctx, path)
	if err != nil {
		logger.Log().Error().Err(err).Str("path", path).Msg("Failed to open ledger, continuing without it")
		return stores.NopLedger{}, noop
	}

	snapshot, err := json.Marshal(cfg)
	if err != nil {
		snapshot = []byte("{}")
	}
	if err := store.CreateRun(ctx, &stores.Run{
		ID:              runID,
		ConfigSource:    cfg.Source,
		Config:          string(snapshot),
		WorkerCount:     ident.WorkerCount,
		EventsPerWorker: cfg.Events,
		Status:          stores.RunStatusRunning,
		StartedAt:       time.Now(),
	}); err != nil {
		logger.Log().Error().Err(err).Msg("Ledger write failed")
	}

	return store, func(runErr error) {
		if ident.WorkerID == 0 || private || runErr != nil {
			status := stores.RunStatusCompleted
			var errMsg *string
			if runErr != nil {
				status = stores.RunStatusFailed
				msg := runErr.Error()
				errMsg = &msg
			}
			if err := store.CompleteRun(context.WithoutCancel(ctx), runID, status, errMsg); err != nil {
				logger.Log().Error().Err(err).Msg("Ledger write failed")
			}
		}
		if err := store.Close(); err != nil {
			logger.Log().Error().Err(err).Msg("Failed to close ledger")
		}
	}
}

// sharedDeps builds the collaborators every worker of this process shares.
func sharedDeps(cfg *config.RunConfig, ledger stores.Ledger, tel *telemetry.Telemetry) engine.WorkerDeps {
	zl := tel.Logger.Zerolog()

	runner := export.NewRunner(export.Config{
		Program:      cfg.Export.Program,
		Script:       cfg.Export.Script,
		OutputDir:    cfg.Export.OutputDir,
		OutputPrefix: cfg.Export.OutputPrefix,
		Timeout:      cfg.Export.Timeout,
	}, zl)

	deps := engine.WorkerDeps{
		Audit:    audit.NewRecorder(cfg.Audit.Dir),
		Ledger:   ledger,
		ShipGlob: runner.CombinedGlob(),
	}
	if cfg.Export.Enabled {
		deps.Exporter = runner
	}

	if cfg.Shipping.Enabled {
		shipper, err := sftp.NewShipper(sftp.FromShipping(cfg.Shipping), zl)
		if err != nil {
			tel.Logger.Log().Error().Err(err).Msg("Shipping disabled")
		} else {
			deps.Shipper = shipper
		}
	}

	return deps
}

// NewKernel builds the kernel selected by kernel.kind.
func NewKernel(ctx context.Context, cfg *config.RunConfig, workerID int, tel *telemetry.Telemetry) (engine.Kernel, func(), error) {
	zl := tel.Logger.Zerolog().With().Int("worker_id", workerID).Logger()

	switch cfg.Kernel.Kind {
	case config.KernelWASM:
		k, err := wasm.Load(ctx, cfg, zl)
		if err != nil {
			return engine.Kernel{}, nil, err
		}
		return k.Kernel(), func() {
			if err := k.Close(context.WithoutCancel(ctx)); err != nil {
				zl.Warn().Err(err).Msg("Failed to close kernel module")
			}
		}, nil
	case config.KernelReference, "":
		k, err := reference.New(cfg, zl)
		return k, func() {}, err
	default:
		return engine.Kernel{}, nil, fmt.Errorf("unknown kernel kind %q", cfg.Kernel.Kind)
	}
}

// runWorker builds the worker's kernel and runs it. A fatal error breaks b.
func runWorker(ctx context.Context, cfg *config.RunConfig, runID string, workerID, workerCount int,
	deps engine.WorkerDeps, b barrierBreaker, opts Options, tel *telemetry.Telemetry) error {
	kernel, release, err := opts.Kernel(ctx, cfg, workerID, tel)
	if err != nil {
		err = engine.NewFatalError(engine.ErrCodeKernel, "failed to create kernel", err).
			WithResource(fmt.Sprintf("worker-%d", workerID))
		b.Break(err)
		return err
	}
	defer release()

	deps.Kernel = kernel
	deps.Barrier = b

	if err := engine.RunWorker(ctx, cfg, runID, workerID, workerCount, deps, tel); err != nil {
		b.Break(err)
		return err
	}
	return nil
}

// runLocal runs every worker as a goroutine around a shared in-memory barrier.
func runLocal(ctx context.Context, cfg *config.RunConfig, runID string, workers int,
	deps engine.WorkerDeps, opts Options, tel *telemetry.Telemetry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := barrier.NewLocal(workers)
	errCh := make(chan error, workers)

	for id := 0; id < workers; id++ {
		go func(workerID int) {
			errCh <- runWorker(ctx, cfg, runID, workerID, workers, deps, b, opts, tel)
		}(id)
	}

	for i := 0; i < workers; i++ {
		if err := <-errCh; err != nil {
			// Peers blocked in the barrier fail with ErrBroken; the rest see
			// the cancelled context.
			return err
		}
	}
	return nil
}

// runProcess runs the single worker of this process around a file barrier.
func runProcess(ctx context.Context, cfg *config.RunConfig, runID string, ident Identity,
	deps engine.WorkerDeps, opts Options, tel *telemetry.Telemetry) error {
	dir := filepath.Join(cfg.Parallel.BarrierDir, runID)

	b, err := barrier.NewFile(dir, ident.WorkerID, ident.WorkerCount,
		barrier.WithPoll(cfg.Parallel.BarrierPoll),
		barrier.WithTimeout(cfg.Parallel.BarrierTimeout),
		barrier.WithLogger(tel.Logger.Zerolog()),
	)
	if err != nil {
		return engine.NewFatalError(engine.ErrCodeBarrier, "failed to create barrier", err).
			WithResource(dir)
	}

	return runWorker(ctx, cfg, runID, ident.WorkerID, ident.WorkerCount, deps, b, opts, tel)
}
