// Package dispatch defines the channel that hands accepted runs to worker
// pools.
//
// The coordinator publishes one Task per run; workers consume tasks with
// at-least-once delivery and report progress through the event log, never
// back through the channel. Backends include an in-process queue, Pulse
// streams and Temporal workflows.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates that the dispatch backend could not accept or
// deliver a task.
var ErrUnavailable = errors.New("dispatch channel unavailable")

// Task is the unit of work handed to workers. It carries everything a worker
// needs to execute and to report progress against the right run.
type Task struct {
	// ThreadID is the thread the run belongs to.
	ThreadID string `json:"thread_id"`
	// RunID identifies the run to report progress against.
	RunID string `json:"run_id"`
	// Task names the operation to execute.
	Task string `json:"task"`
	// Parameters are the opaque task inputs.
	Parameters map[string]any `json:"parameters,omitempty"`
	// EnqueuedAt records when the coordinator published the task (UTC).
	EnqueuedAt time.Time `json:"enqueued_at"`

	// TraceParent, TraceState and Baggage carry the W3C Trace Context of the
	// publishing request so worker spans join the originating trace.
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
	Baggage     string `json:"baggage,omitempty"`
}

// Publisher enqueues tasks for workers.
type Publisher interface {
	// Publish hands the task to the worker pool. Delivery is at-least-once;
	// a nil return means the task is durably accepted by the backend.
	Publish(ctx context.Context, t *Task) error
}

// Subscriber delivers published tasks to a worker.
type Subscriber interface {
	// Subscribe returns channels for tasks and consumption errors. The
	// returned cancel function stops consumption and closes both channels.
	Subscribe(ctx context.Context) (<-chan *Task, <-chan error, context.CancelFunc, error)
}
