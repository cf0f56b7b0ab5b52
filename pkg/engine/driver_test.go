package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/latticeforge/evgen/pkg/audit"
	"github.com/latticeforge/evgen/pkg/barrier"
	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/seed"
	"github.com/latticeforge/evgen/pkg/stores"
)

func testConfig(t *testing.T, events int) *config.RunConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Events = events
	cfg.Seed.Value = 5
	cfg.Lattice.Size = testShape.Size
	cfg.Lattice.GroupOrder = testShape.GroupOrder
	cfg.Audit.Dir = t.TempDir()
	return cfg
}

func auditFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "usedParameters") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func openLedger(t *testing.T, runID string) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.CreateRun(ctx, &stores.Run{
		ID:        runID,
		Config:    "{}",
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return store
}

func TestRunWorker_TwoEventsDirectSeed(t *testing.T) {
	cfg := testConfig(t, 2)
	init := &scriptedInitializer{failures: 2}
	evolver := &mockEvolver{}

	err := RunWorker(context.Background(), cfg, "run-1", 0, 1, WorkerDeps{
		Kernel:  testKernel(init, evolver),
		Barrier: barrier.NewLocal(1),
		Audit:   audit.NewRecorder(cfg.Audit.Dir),
	}, nil)
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	files := auditFiles(t, cfg.Audit.Dir)
	want := []string{"usedParameters0.dat", "usedParameters1.dat"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Fatalf("audit files = %v, want %v", files, want)
	}
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(cfg.Audit.Dir, name))
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !strings.Contains(string(data), "Random seed used on worker 0: 5") {
			t.Errorf("%s missing seed line: %q", name, data)
		}
	}

	if len(evolver.calls) != 2 {
		t.Fatalf("evolver called %d times, want 2", len(evolver.calls))
	}
	for i, info := range evolver.calls {
		if info.EventID != i || info.Seed != 5 {
			t.Errorf("unexpected event info %+v", info)
		}
	}
	if init.calls != 6 {
		t.Errorf("initializer calls = %d, want 6", init.calls)
	}
}

func TestRunWorker_ShortSeedListIsFatal(t *testing.T) {
	cfg := testConfig(t, 2)
	listPath := filepath.Join(t.TempDir(), "seedList")
	if err := os.WriteFile(listPath, []byte("10\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg.Seed.Mode = seed.ModeList
	cfg.Seed.ListPath = listPath

	init := &scriptedInitializer{}
	err := RunWorker(context.Background(), cfg, "run-1", 0, 2, WorkerDeps{
		Kernel:  testKernel(init, &mockEvolver{}),
		Barrier: &mockBarrier{},
		Audit:   audit.NewRecorder(cfg.Audit.Dir),
	}, nil)

	if !IsFatal(err) || CodeOf(err) != ErrCodeSeed {
		t.Fatalf("expected fatal %s, got %v", ErrCodeSeed, err)
	}
	if !errors.Is(err, seed.ErrSeedListShort) {
		t.Errorf("expected ErrSeedListShort in chain, got %v", err)
	}
	if files := auditFiles(t, cfg.Audit.Dir); len(files) != 0 {
		t.Errorf("no audit files expected, got %v", files)
	}
	if init.calls != 0 {
		t.Errorf("initializer called %d times", init.calls)
	}
}

func TestRunWorker_SeedListPicksWorkerEntry(t *testing.T) {
	cfg := testConfig(t, 1)
	listPath := filepath.Join(t.TempDir(), "seedList")
	if err := os.WriteFile(listPath, []byte("10\n20\n30\n40\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg.Seed.Mode = seed.ModeList
	cfg.Seed.ListPath = listPath

	evolver := &mockEvolver{}
	err := RunWorker(context.Background(), cfg, "run-1", 2, 4, WorkerDeps{
		Kernel:  testKernel(&scriptedInitializer{}, evolver),
		Barrier: &mockBarrier{},
		Audit:   audit.NewRecorder(cfg.Audit.Dir),
	}, nil)
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	if len(evolver.calls) != 1 || evolver.calls[0].Seed != 30 || evolver.calls[0].EventID != 2 {
		t.Errorf("unexpected evolver calls %+v", evolver.calls)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Audit.Dir, "usedParameters2.dat"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "Random seed used on worker 2: 30") {
		t.Errorf("unexpected audit record %q", data)
	}
}

func TestRunWorker_EvolverFailureContinues(t *testing.T) {
	cfg := testConfig(t, 3)
	ledger := openLedger(t, "run-1")
	evolver := &mockEvolver{failOn: map[int]bool{1: true}}

	err := RunWorker(context.Background(), cfg, "run-1", 0, 1, WorkerDeps{
		Kernel:  testKernel(&scriptedInitializer{failures: 1}, evolver),
		Barrier: barrier.NewLocal(1),
		Ledger:  ledger,
	}, nil)
	if err != nil {
		t.Fatalf("evolver failure should not stop the worker: %v", err)
	}
	if len(evolver.calls) != 3 {
		t.Fatalf("evolver called %d times, want 3", len(evolver.calls))
	}

	events, err := ledger.ListEvents(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 ledger events, got %d", len(events))
	}
	wantOutcomes := []EventOutcome{EventEvolved, EventEvolveFailed, EventEvolved}
	for i, e := range events {
		if e.Outcome != string(wantOutcomes[i]) || e.Attempts != 2 || e.CompletedAt == nil {
			t.Errorf("event %d: %+v", i, e)
		}
	}

	workers, err := ledger.ListWorkers(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list workers failed: %v", err)
	}
	if len(workers) != 1 || workers[0].Seed != 5 || workers[0].Status != stores.WorkerStatusCompleted {
		t.Errorf("unexpected workers %+v", workers)
	}
}

func TestRunWorker_BarrierFailureIsFatal(t *testing.T) {
	cfg := testConfig(t, 3)
	evolver := &mockEvolver{}
	b := &mockBarrier{err: barrier.ErrBroken}

	err := RunWorker(context.Background(), cfg, "run-1", 0, 2, WorkerDeps{
		Kernel:  testKernel(&scriptedInitializer{}, evolver),
		Barrier: b,
	}, nil)
	if !IsFatal(err) || CodeOf(err) != ErrCodeBarrier {
		t.Fatalf("expected fatal %s, got %v", ErrCodeBarrier, err)
	}
	if !errors.Is(err, barrier.ErrBroken) {
		t.Errorf("expected ErrBroken in chain, got %v", err)
	}
	if len(evolver.calls) != 1 {
		t.Errorf("worker continued after barrier failure: %d evolutions", len(evolver.calls))
	}
}

func TestRunWorker_LocalWorkersShareBarrier(t *testing.T) {
	const workers = 3
	cfg := testConfig(t, 2)
	b := barrier.NewLocal(workers)
	exporter := &mockExporter{exitCode: 1}
	shipper := &mockShipper{}
	recorder := audit.NewRecorder(cfg.Audit.Dir)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs[id] = RunWorker(context.Background(), cfg, "run-1", id, workers, WorkerDeps{
				Kernel:   testKernel(&scriptedInitializer{failures: id}, &mockEvolver{}),
				Barrier:  b,
				Exporter: exporter,
				Shipper:  shipper,
				ShipGlob: "RESULTS*",
				Audit:    recorder,
			}, nil)
		}(w)
	}
	wg.Wait()

	for id, err := range errs {
		if err != nil {
			t.Errorf("worker %d failed: %v", id, err)
		}
	}

	if files := auditFiles(t, cfg.Audit.Dir); len(files) != workers*2 {
		t.Errorf("expected %d audit files, got %v", workers*2, files)
	}

	// Non-zero exit status from the merge program is not fatal
	if len(exporter.events) != workers*2 {
		t.Errorf("per-event exports = %d, want %d", len(exporter.events), workers*2)
	}
	seen := map[int]int{}
	for _, c := range exporter.events {
		if c.eventID%workers != c.workerID {
			t.Errorf("event %d exported by worker %d", c.eventID, c.workerID)
		}
		seen[c.eventID]++
	}
	for id := 0; id < workers*2; id++ {
		if seen[id] != 1 {
			t.Errorf("event %d exported %d times", id, seen[id])
		}
	}
	if exporter.combines != 1 {
		t.Errorf("combine ran %d times, want 1", exporter.combines)
	}
	if len(shipper.patterns) != 1 || shipper.patterns[0] != "RESULTS*" {
		t.Errorf("unexpected shipping calls %v", shipper.patterns)
	}
}

func TestFinalizer_RecordsExports(t *testing.T) {
	ledger := openLedger(t, "run-1")
	exporter := &mockExporter{exitCode: 2}
	shipper := &mockShipper{err: errors.New("connection refused")}

	f := NewFinalizer(FinalizerConfig{
		RunID:    "run-1",
		WorkerID: 0,
		Barrier:  &mockBarrier{},
		Exporter: exporter,
		Shipper:  shipper,
		ShipGlob: "out/RESULTS*",
		Ledger:   ledger,
	}, nil)

	ctx := context.Background()
	if err := f.FinishEvent(ctx, 4); err != nil {
		t.Fatalf("finish event failed: %v", err)
	}
	if err := f.FinishRun(ctx); err != nil {
		t.Fatalf("shipping failure should not be fatal: %v", err)
	}

	exports, err := ledger.ListExports(ctx, "run-1", nil)
	if err != nil {
		t.Fatalf("list exports failed: %v", err)
	}
	if len(exports) != 2 {
		t.Fatalf("expected 2 exports, got %d", len(exports))
	}
	if exports[0].Kind != stores.ExportKindEvent || exports[0].EventID == nil || *exports[0].EventID != 4 || exports[0].ExitCode != 2 {
		t.Errorf("unexpected event export %+v", exports[0])
	}
	if exports[1].Kind != stores.ExportKindCombine || !strings.Contains(exports[1].Command, "--combine_hdf5_files_only") {
		t.Errorf("unexpected combine export %+v", exports[1])
	}
}

func TestFinalizer_OnlyWorkerZeroCombines(t *testing.T) {
	exporter := &mockExporter{}
	shipper := &mockShipper{}
	b := &mockBarrier{}

	f := NewFinalizer(FinalizerConfig{WorkerID: 1, Barrier: b, Exporter: exporter, Shipper: shipper}, nil)
	if err := f.FinishRun(context.Background()); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}
	if exporter.combines != 0 || len(shipper.patterns) != 0 {
		t.Error("worker 1 must not combine or ship")
	}
	if b.waits != 1 {
		t.Errorf("barrier waits = %d, want 1", b.waits)
	}
}
