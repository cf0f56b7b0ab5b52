package engine

import (
	"fmt"

	"github.com/latticeforge/evgen/pkg/seed"
)

// Outcome is what an Initializer reports for one attempt.
type Outcome int

const (
	// OutcomeRetry means the attempt did not meet the success criterion.
	// The pair is discarded and a fresh one is tried.
	OutcomeRetry Outcome = iota

	// OutcomeSucceeded means the pair holds a usable initial state.
	OutcomeSucceeded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EventOutcome is the state of an event as the driver sees it.
type EventOutcome string

const (
	EventPending      EventOutcome = "pending"
	EventInitialized  EventOutcome = "initialized"
	EventEvolved      EventOutcome = "evolved"
	EventEvolveFailed EventOutcome = "evolve_failed"
)

// WorkerContext is computed once per worker and shared by all of its events.
type WorkerContext struct {
	RunID       string          `json:"run_id"`
	WorkerID    int             `json:"worker_id"`
	WorkerCount int             `json:"worker_count"`
	Seed        uint64          `json:"seed"`
	Derivation  seed.Derivation `json:"derivation"`
}

// EventID returns the global event ID of the worker's index-th event.
func (w WorkerContext) EventID(index int) int {
	return w.WorkerID + index*w.WorkerCount
}

// EventState is the per-event mutable record. A new value is built for every
// event and dropped at its end.
type EventState struct {
	EventID  int          `json:"event_id"`
	Index    int          `json:"index"`
	Attempts int          `json:"attempts"`
	Outcome  EventOutcome `json:"outcome"`
}

// NewEventState creates the state of the worker's index-th event.
func NewEventState(w WorkerContext, index int) *EventState {
	return &EventState{
		EventID: w.EventID(index),
		Index:   index,
		Outcome: EventPending,
	}
}

// EventInfo identifies the event an Evolver is working on.
type EventInfo struct {
	RunID    string `json:"run_id"`
	WorkerID int    `json:"worker_id"`
	EventID  int    `json:"event_id"`
	Index    int    `json:"index"`
	Seed     uint64 `json:"seed"`
}

// Geometry is one sampled collision configuration.
type Geometry struct {
	// ImpactParameter is the transverse distance between nucleus centers in fm.
	ImpactParameter float64 `json:"impact_parameter"`

	// Participants is the number of participating nucleons.
	Participants int `json:"participants"`

	// TargetA and ProjectileA are the mass numbers of the colliding nuclei.
	TargetA     int `json:"target_a"`
	ProjectileA int `json:"projectile_a"`
}
