package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string) *Run {
	t.Helper()

	run := &Run{
		ID:              id,
		ConfigSource:    "input",
		Config:          `{"events":2}`,
		WorkerCount:     2,
		EventsPerWorker: 2,
		Status:          RunStatusRunning,
		StartedAt:       time.Now(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	createTestRun(t, store, "run-file")
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-file"); err != nil {
		t.Fatalf("run should persist across opens: %v", err)
	}
}

func TestRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := createTestRun(t, store, "run-1")

	// A second worker process registering the same run must not fail
	dup := *created
	dup.ConfigSource = "other"
	if err := store.CreateRun(ctx, &dup); err != nil {
		t.Fatalf("duplicate create should be ignored: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.ConfigSource != "input" || got.WorkerCount != 2 || got.Status != RunStatusRunning {
		t.Errorf("unexpected run %+v", got)
	}
	if got.StartedAt.UnixMilli() != created.StartedAt.UnixMilli() {
		t.Errorf("started_at = %v, want %v", got.StartedAt, created.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Error("running run should have no completion time")
	}

	msg := "seed list too short"
	if err := store.CompleteRun(ctx, "run-1", RunStatusFailed, &msg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error == nil || *got.Error != msg || got.CompletedAt == nil {
		t.Errorf("unexpected completed run %+v", got)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.CompleteRun(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	// Seeds above MaxInt64 must round-trip through the signed column
	bigSeed := uint64(1<<63 + 12345)
	for id, seed := range []uint64{5, bigSeed} {
		w := &Worker{
			RunID:      "run-1",
			WorkerID:   id,
			Seed:       seed,
			SeedMode:   "direct",
			Derivation: `{"configured":5}`,
			Status:     WorkerStatusRunning,
			StartedAt:  time.Now(),
		}
		if err := store.RecordWorker(ctx, w); err != nil {
			t.Fatalf("failed to record worker %d: %v", id, err)
		}
	}

	if err := store.CompleteWorker(ctx, "run-1", 1, WorkerStatusCompleted, nil); err != nil {
		t.Fatalf("failed to complete worker: %v", err)
	}

	workers, err := store.ListWorkers(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list workers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}
	if workers[0].Seed != 5 || workers[1].Seed != bigSeed {
		t.Errorf("seeds = %d, %d", workers[0].Seed, workers[1].Seed)
	}
	if workers[1].Status != WorkerStatusCompleted || workers[1].CompletedAt == nil {
		t.Errorf("unexpected worker %+v", workers[1])
	}

	if err := store.CompleteWorker(ctx, "run-1", 7, WorkerStatusFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerRequiresRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordWorker(context.Background(), &Worker{
		RunID:     "nope",
		SeedMode:  "direct",
		Status:    WorkerStatusRunning,
		StartedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	for idx := 0; idx < 2; idx++ {
		e := &Event{
			RunID:      "run-1",
			EventID:    1 + idx*2,
			WorkerID:   1,
			EventIndex: idx,
			Outcome:    "pending",
			StartedAt:  time.Now(),
		}
		if err := store.StartEvent(ctx, e); err != nil {
			t.Fatalf("failed to start event: %v", err)
		}
		e.Outcome = "evolved"
		e.Attempts = 3 + idx
		if err := store.FinishEvent(ctx, e); err != nil {
			t.Fatalf("failed to finish event: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventID != 1 || events[1].EventID != 3 {
		t.Errorf("event ids = %d, %d", events[0].EventID, events[1].EventID)
	}
	if events[1].Outcome != "evolved" || events[1].Attempts != 4 || events[1].CompletedAt == nil {
		t.Errorf("unexpected event %+v", events[1])
	}

	if err := store.StartEvent(ctx, &Event{RunID: "run-1", EventID: 1, StartedAt: time.Now()}); err == nil {
		t.Error("expected duplicate event id to fail")
	}
	if err := store.FinishEvent(ctx, &Event{RunID: "run-1", EventID: 99}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExportOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	eventID := 4
	perEvent := &Export{
		RunID:    "run-1",
		WorkerID: 0,
		EventID:  &eventID,
		Kind:     ExportKindEvent,
		Command:  "python3 combine.py . --event_id 4",
		ExitCode: 3,
		Stderr:   "boom",
		Duration: 1500 * time.Millisecond,
	}
	if err := store.RecordExport(ctx, perEvent); err != nil {
		t.Fatalf("failed to record export: %v", err)
	}
	if perEvent.ID == 0 {
		t.Error("expected export id to be set")
	}

	combine := &Export{RunID: "run-1", Kind: ExportKindCombine, Command: "python3 combine.py --combine_hdf5_files_only"}
	if err := store.RecordExport(ctx, combine); err != nil {
		t.Fatalf("failed to record export: %v", err)
	}

	all, err := store.ListExports(ctx, "run-1", nil)
	if err != nil {
		t.Fatalf("failed to list exports: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 exports, got %d", len(all))
	}
	if all[0].EventID == nil || *all[0].EventID != 4 || all[0].ExitCode != 3 || all[0].Duration != 1500*time.Millisecond {
		t.Errorf("unexpected export %+v", all[0])
	}
	if all[1].EventID != nil {
		t.Error("combine export should have no event id")
	}

	kind := ExportKindCombine
	combines, err := store.ListExports(ctx, "run-1", &kind)
	if err != nil {
		t.Fatalf("failed to list exports: %v", err)
	}
	if len(combines) != 1 || combines[0].Kind != ExportKindCombine {
		t.Errorf("unexpected filtered exports %+v", combines)
	}
}

func TestNopLedger(t *testing.T) {
	var l Ledger = NopLedger{}
	ctx := context.Background()
	if err := l.RecordWorker(ctx, &Worker{}); err != nil {
		t.Error(err)
	}
	if err := l.StartEvent(ctx, &Event{}); err != nil {
		t.Error(err)
	}
	if err := l.RecordExport(ctx, &Export{}); err != nil {
		t.Error(err)
	}
}

var _ Ledger = (*SQLiteStore)(nil)
