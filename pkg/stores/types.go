package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a generator run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// WorkerStatus represents the status of one worker within a run
type WorkerStatus string

const (
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
)

// Export kinds
const (
	ExportKindEvent   = "event"
	ExportKindCombine = "combine"
)

// Run represents one invocation of the generator across all workers
type Run struct {
	ID              string     `json:"id"`
	ConfigSource    string     `json:"config_source"`
	Config          string     `json:"config"` // JSON blob
	WorkerCount     int        `json:"worker_count"`
	EventsPerWorker int        `json:"events_per_worker"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
}

// Worker records the seed a worker used for the whole run
type Worker struct {
	RunID       string       `json:"run_id"`
	WorkerID    int          `json:"worker_id"`
	Seed        uint64       `json:"seed"`
	SeedMode    string       `json:"seed_mode"`
	Derivation  string       `json:"derivation"` // JSON blob
	Status      WorkerStatus `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       *string      `json:"error,omitempty"`
}

// Event records one generated event
type Event struct {
	RunID       string     `json:"run_id"`
	EventID     int        `json:"event_id"`
	WorkerID    int        `json:"worker_id"`
	EventIndex  int        `json:"event_index"`
	Outcome     string     `json:"outcome"`
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Export records one invocation of the merge program
type Export struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	WorkerID  int           `json:"worker_id"`
	EventID   *int          `json:"event_id,omitempty"`
	Kind      string        `json:"kind"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Error     *string       `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Ledger is the write side used by the event driver
type Ledger interface {
	RecordWorker(ctx context.Context, w *Worker) error
	CompleteWorker(ctx context.Context, runID string, workerID int, status WorkerStatus, errMsg *string) error
	StartEvent(ctx context.Context, e *Event) error
	FinishEvent(ctx context.Context, e *Event) error
	RecordExport(ctx context.Context, x *Export) error
}

// NopLedger discards every record
type NopLedger struct{}

func (NopLedger) RecordWorker(context.Context, *Worker) error { return nil }

func (NopLedger) CompleteWorker(context.Context, string, int, WorkerStatus, *string) error {
	return nil
}

func (NopLedger) StartEvent(context.Context, *Event) error { return nil }

func (NopLedger) FinishEvent(context.Context, *Event) error { return nil }

func (NopLedger) RecordExport(context.Context, *Export) error { return nil }
