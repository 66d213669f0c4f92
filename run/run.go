// Package run tracks task executions dispatched within a thread.
//
// A Run is created pending by the coordinator, picked up by a worker over the
// dispatch channel and finalized exactly once with a terminal status. The
// Store interface exposes the compare-and-swap finalize primitive that keeps
// terminal transitions single-shot even under concurrent workers.
package run

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that no run exists for the given identifiers.
	ErrNotFound = errors.New("run not found")

	// ErrUnavailable indicates that the backing store could not be reached.
	ErrUnavailable = errors.New("run store unavailable")

	// ErrRunInProgress indicates that the thread already has a non-terminal
	// run and the coordinator is configured to serialize runs.
	ErrRunInProgress = errors.New("run already in progress")
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusPending indicates the run is queued and not yet picked up.
	StatusPending Status = "pending"
	// StatusProcessing indicates a worker is executing the run.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run finished with an error.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was stopped before completion.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status ends the run lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Run is a single task execution within a thread.
type Run struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`
	// ThreadID is the owning thread.
	ThreadID string `json:"thread_id"`
	// Task names the operation the worker executes.
	Task string `json:"task"`
	// Parameters are opaque caller-supplied task inputs.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Error holds the failure detail for failed runs.
	Error string `json:"error,omitempty"`
	// CreatedAt is the dispatch request time (UTC).
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is set when a worker picks up the run.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set when the run reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// TerminalEventID references the event recorded for the terminal
	// transition. Set after the event is appended.
	TerminalEventID string `json:"terminal_event_id,omitempty"`
}

// Store persists run records. Implementations must be safe for concurrent
// use and return ErrNotFound for missing records.
type Store interface {
	// Create persists a new run record.
	Create(ctx context.Context, r *Run) error

	// Get returns the run with the given ID within the thread.
	Get(ctx context.Context, threadID, runID string) (*Run, error)

	// List returns the most recent runs of the thread, newest first. A
	// non-positive limit returns all retained runs.
	List(ctx context.Context, threadID string, limit int) ([]*Run, error)

	// MarkProcessing transitions a pending run to processing and records the
	// start time. It is a no-op when the run already left pending.
	MarkProcessing(ctx context.Context, threadID, runID string, at time.Time) error

	// Finalize transitions the run to the given terminal status if and only
	// if it is not already terminal. It reports whether the transition was
	// applied; false means another finalize won.
	Finalize(ctx context.Context, threadID, runID string, status Status, errMsg string, at time.Time) (bool, error)

	// AttachTerminalEvent records the event appended for the terminal
	// transition. Only the first attachment sticks.
	AttachTerminalEvent(ctx context.Context, threadID, runID, eventID string) error
}
