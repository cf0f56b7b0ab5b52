package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the run ledger backed by SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if s.path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + s.path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Runs

// CreateRun inserts a run record. Workers of a multi-process run each call
// CreateRun with the same ID; only the first insert takes effect.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, config_source, config, worker_count, events_per_worker, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.ConfigSource,
		run.Config,
		run.WorkerCount,
		run.EventsPerWorker,
		run.Status,
		toMillis(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, config_source, config, worker_count, events_per_worker, status, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	var startedAt int64
	var completedAt sql.NullInt64
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.ConfigSource,
		&run.Config,
		&run.WorkerCount,
		&run.EventsPerWorker,
		&run.Status,
		&startedAt,
		&completedAt,
		&errMsg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = nullMillis(completedAt)
	run.Error = nullString(errMsg)
	return run, nil
}

// CompleteRun sets the final status of a run
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return expectRow(result, "run", id)
}

// Workers

// RecordWorker stores the worker's seed derivation
func (s *SQLiteStore) RecordWorker(ctx context.Context, w *Worker) error {
	query := `
		INSERT INTO workers (run_id, worker_id, seed, seed_mode, derivation, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	derivation := w.Derivation
	if derivation == "" {
		derivation = "{}"
	}

	// uint64 seeds are stored bit-for-bit in the signed INTEGER column
	_, err := s.db.ExecContext(ctx, query,
		w.RunID,
		w.WorkerID,
		int64(w.Seed),
		w.SeedMode,
		derivation,
		w.Status,
		toMillis(w.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record worker: %w", err)
	}
	return nil
}

// CompleteWorker sets the final status of a worker
func (s *SQLiteStore) CompleteWorker(ctx context.Context, runID string, workerID int, status WorkerStatus, errMsg *string) error {
	query := `
		UPDATE workers
		SET status = ?, error = ?, completed_at = ?
		WHERE run_id = ? AND worker_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, toMillis(time.Now()), runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	return expectRow(result, "worker", fmt.Sprintf("%s/%d", runID, workerID))
}

// ListWorkers lists the workers of a run ordered by worker ID
func (s *SQLiteStore) ListWorkers(ctx context.Context, runID string) ([]*Worker, error) {
	query := `
		SELECT run_id, worker_id, seed, seed_mode, derivation, status, started_at, completed_at, error
		FROM workers
		WHERE run_id = ?
		ORDER BY worker_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := []*Worker{}
	for rows.Next() {
		w := &Worker{}
		var seed, startedAt int64
		var completedAt sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(
			&w.RunID,
			&w.WorkerID,
			&seed,
			&w.SeedMode,
			&w.Derivation,
			&w.Status,
			&startedAt,
			&completedAt,
			&errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		w.Seed = uint64(seed)
		w.StartedAt = fromMillis(startedAt)
		w.CompletedAt = nullMillis(completedAt)
		w.Error = nullString(errMsg)
		workers = append(workers, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// Events

// StartEvent inserts an event in its initial state
func (s *SQLiteStore) StartEvent(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO events (run_id, event_id, worker_id, event_index, outcome, attempts, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.RunID,
		e.EventID,
		e.WorkerID,
		e.EventIndex,
		e.Outcome,
		e.Attempts,
		toMillis(e.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to start event: %w", err)
	}
	return nil
}

// FinishEvent stores the outcome and attempt count of an event
func (s *SQLiteStore) FinishEvent(ctx context.Context, e *Event) error {
	query := `
		UPDATE events
		SET outcome = ?, attempts = ?, error = ?, completed_at = ?
		WHERE run_id = ? AND event_id = ?
	`

	completedAt := time.Now()
	if e.CompletedAt != nil {
		completedAt = *e.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, query,
		e.Outcome,
		e.Attempts,
		e.Error,
		toMillis(completedAt),
		e.RunID,
		e.EventID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish event: %w", err)
	}
	return expectRow(result, "event", fmt.Sprintf("%s/%d", e.RunID, e.EventID))
}

// ListEvents lists the events of a run ordered by event ID
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT run_id, event_id, worker_id, event_index, outcome, attempts, started_at, completed_at, error
		FROM events
		WHERE run_id = ?
		ORDER BY event_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		var startedAt int64
		var completedAt sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(
			&e.RunID,
			&e.EventID,
			&e.WorkerID,
			&e.EventIndex,
			&e.Outcome,
			&e.Attempts,
			&startedAt,
			&completedAt,
			&errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.StartedAt = fromMillis(startedAt)
		e.CompletedAt = nullMillis(completedAt)
		e.Error = nullString(errMsg)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Exports

// RecordExport appends a merge program result
func (s *SQLiteStore) RecordExport(ctx context.Context, x *Export) error {
	query := `
		INSERT INTO exports (run_id, worker_id, event_id, kind, command, exit_code, stdout, stderr, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := x.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		x.RunID,
		x.WorkerID,
		x.EventID,
		x.Kind,
		x.Command,
		x.ExitCode,
		x.Stdout,
		x.Stderr,
		x.Duration.Milliseconds(),
		x.Error,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record export: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get export id: %w", err)
	}
	x.ID = id
	return nil
}

// ListExports lists the exports of a run, optionally filtered by kind
func (s *SQLiteStore) ListExports(ctx context.Context, runID string, kind *string) ([]*Export, error) {
	query := `
		SELECT id, run_id, worker_id, event_id, kind, command, exit_code, stdout, stderr, duration_ms, error, created_at
		FROM exports
		WHERE run_id = ? AND (? IS NULL OR kind = ?)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	exports := []*Export{}
	for rows.Next() {
		x := &Export{}
		var eventID sql.NullInt64
		var durationMs, createdAt int64
		var errMsg sql.NullString
		if err := rows.Scan(
			&x.ID,
			&x.RunID,
			&x.WorkerID,
			&eventID,
			&x.Kind,
			&x.Command,
			&x.ExitCode,
			&x.Stdout,
			&x.Stderr,
			&durationMs,
			&errMsg,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		if eventID.Valid {
			id := int(eventID.Int64)
			x.EventID = &id
		}
		x.Duration = time.Duration(durationMs) * time.Millisecond
		x.Error = nullString(errMsg)
		x.CreatedAt = fromMillis(createdAt)
		exports = append(exports, x)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exports: %w", err)
	}
	return exports, nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
