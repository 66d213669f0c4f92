// Package eventlog defines the per-thread append-only event log and the
// appender workers use to record progress.
//
// Events receive store-assigned identifiers that are strictly increasing
// within a thread, so a consumer holding the last seen ID can resume and
// observe exactly the events it missed, in order. The Appender couples event
// writes with run state transitions: AppendTerminal finalizes the run and
// records its terminal event as one idempotent step, so concurrent or
// retried terminal appends converge on a single terminal event.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/threads/run"
)

var (
	// ErrNotFound indicates that no event exists for the given identifier.
	ErrNotFound = errors.New("event not found")

	// ErrUnavailable indicates that the backing store could not be reached.
	ErrUnavailable = errors.New("event log unavailable")

	// ErrInvalidCursor indicates that a resume cursor does not parse as an
	// event ID for the backing store.
	ErrInvalidCursor = errors.New("invalid event cursor")
)

// Type classifies an event. Beyond the declared system types, workers emit
// task-defined business types.
type Type string

const (
	// TypeWaiting signals that a run was accepted and awaits a worker.
	TypeWaiting Type = "waiting"
	// TypeKeepAlive is a transport liveness signal. It is synthesized by
	// stream sessions and never persisted.
	TypeKeepAlive Type = "keep_alive"
	// TypeStatus records a run status transition.
	TypeStatus Type = "status"
	// TypeError reports a failure, either a failed run or a terminating
	// stream condition.
	TypeError Type = "error"
)

// System reports whether the type is a transport or coordination signal.
// System events do not count as task progress: they never reset a stream
// session's idle window.
func (t Type) System() bool {
	switch t {
	case TypeWaiting, TypeKeepAlive, TypeError:
		return true
	}
	return false
}

// Event is a single entry in a thread's event log.
type Event struct {
	// ID is the store-assigned identifier, strictly increasing within the
	// thread. Opaque to callers; usable as a resume cursor.
	ID string `json:"id"`
	// ThreadID is the owning thread.
	ThreadID string `json:"thread_id"`
	// RunID is the run the event belongs to, when any.
	RunID string `json:"run_id,omitempty"`
	// Type classifies the event.
	Type Type `json:"type"`
	// Status carries the run status for terminal events.
	Status run.Status `json:"status,omitempty"`
	// Payload is opaque event data.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is the append time (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event records a terminal run transition.
func (e *Event) Terminal() bool {
	return e.Status.Terminal()
}

// Store persists per-thread event logs. Implementations must assign strictly
// increasing IDs within a thread and make an appended event visible to reads
// before Append returns.
type Store interface {
	// Append persists the event and assigns its ID.
	Append(ctx context.Context, e *Event) error

	// Get returns the event with the given ID.
	Get(ctx context.Context, threadID, id string) (*Event, error)

	// List returns up to limit events with IDs greater than afterID, in
	// ascending ID order. An empty afterID starts from the beginning; a
	// non-positive limit returns all matching events.
	List(ctx context.Context, threadID, afterID string, limit int) ([]*Event, error)

	// Read behaves like List but blocks up to the given duration waiting for
	// new events when none are immediately available. It returns an empty
	// slice when the wait expires.
	Read(ctx context.Context, threadID, afterID string, limit int, block time.Duration) ([]*Event, error)
}

const (
	// terminalPollInterval and terminalPollAttempts bound how long a losing
	// terminal append waits for the winner to record its event before
	// repairing the log itself.
	terminalPollInterval = 20 * time.Millisecond
	terminalPollAttempts = 10
)

type (
	// Appender records events and drives the run transitions tied to them.
	// It is the single write path workers and the coordinator use.
	Appender struct {
		events Store
		runs   run.Store
		now    func() time.Time
	}

	// AppenderOptions configures an Appender.
	AppenderOptions struct {
		// Events is the event log backend. Required.
		Events Store
		// Runs is the run store. Required.
		Runs run.Store
		// Now overrides the clock. Tests only.
		Now func() time.Time
	}
)

// NewAppender creates an appender over the given stores.
func NewAppender(opts AppenderOptions) (*Appender, error) {
	if opts.Events == nil {
		return nil, errors.New("event appender: event store is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("event appender: run store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Appender{events: opts.Events, runs: opts.Runs, now: now}, nil
}

// Append records a non-terminal event. The payload may be nil, raw JSON or
// any JSON-marshalable value.
func (a *Appender) Append(ctx context.Context, threadID string, typ Type, runID string, payload any) (*Event, error) {
	if typ == "" {
		return nil, errors.New("append event: type is required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	e := &Event{
		ThreadID:  threadID,
		RunID:     runID,
		Type:      typ,
		Payload:   raw,
		Timestamp: a.now().UTC(),
	}
	if err := a.events.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s event: %w", typ, err)
	}
	return e, nil
}

// MarkProcessing records that a worker picked up the run.
func (a *Appender) MarkProcessing(ctx context.Context, threadID, runID string) error {
	return a.runs.MarkProcessing(ctx, threadID, runID, a.now().UTC())
}

// AppendTerminal finalizes the run with the given terminal status and
// appends the event recording the transition. The operation is idempotent:
// when the run is already terminal the existing terminal event is returned
// and no new event is written, regardless of the status requested.
func (a *Appender) AppendTerminal(ctx context.Context, threadID, runID string, status run.Status, payload any) (*Event, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("append terminal: status %q is not terminal", status)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return a.terminalize(ctx, threadID, runID, TypeStatus, status, "", raw)
}

// FailRun finalizes the run as failed and appends the terminal error event
// recording the reason. Like AppendTerminal it is idempotent.
func (a *Appender) FailRun(ctx context.Context, threadID, runID, reason string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw, _ = json.Marshal(map[string]string{"error": reason})
	}
	return a.terminalize(ctx, threadID, runID, TypeError, run.StatusFailed, reason, raw)
}

// terminalize performs the finalize-then-append sequence. The run record is
// the arbiter: exactly one finalize wins, only the winner appends, and losers
// return the winner's event. A loser that finds the run finalized but no
// event recorded (the winner crashed between the two writes) repairs the log
// after a short wait.
func (a *Appender) terminalize(ctx context.Context, threadID, runID string, typ Type, status run.Status, errMsg string, payload json.RawMessage) (*Event, error) {
	applied, err := a.runs.Finalize(ctx, threadID, runID, status, errMsg, a.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("finalize run %q: %w", runID, err)
	}
	if applied {
		e := &Event{
			ThreadID:  threadID,
			RunID:     runID,
			Type:      typ,
			Status:    status,
			Payload:   payload,
			Timestamp: a.now().UTC(),
		}
		if err := a.events.Append(ctx, e); err != nil {
			// The run is finalized but its event is missing; a retry takes
			// the loser path below and repairs the log.
			return nil, fmt.Errorf("append terminal event: %w", err)
		}
		if err := a.runs.AttachTerminalEvent(ctx, threadID, runID, e.ID); err != nil {
			return e, fmt.Errorf("attach terminal event %q: %w", e.ID, err)
		}
		return e, nil
	}

	// Another terminal append won. Wait briefly for it to record its event.
	for range terminalPollAttempts {
		r, err := a.runs.Get(ctx, threadID, runID)
		if err != nil {
			return nil, fmt.Errorf("load run %q: %w", runID, err)
		}
		if r.TerminalEventID != "" {
			e, err := a.events.Get(ctx, threadID, r.TerminalEventID)
			if err != nil {
				return nil, fmt.Errorf("load terminal event %q: %w", r.TerminalEventID, err)
			}
			return e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(terminalPollInterval):
		}
	}

	// The winner crashed before recording its event. Reuse a terminal event
	// already in the log if one exists, otherwise append one reflecting the
	// recorded status.
	r, err := a.runs.Get(ctx, threadID, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	if e := a.findTerminal(ctx, threadID, runID); e != nil {
		_ = a.runs.AttachTerminalEvent(ctx, threadID, runID, e.ID)
		return e, nil
	}
	e := &Event{
		ThreadID:  threadID,
		RunID:     runID,
		Type:      typ,
		Status:    r.Status,
		Payload:   payload,
		Timestamp: a.now().UTC(),
	}
	if err := a.events.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append terminal event: %w", err)
	}
	if err := a.runs.AttachTerminalEvent(ctx, threadID, runID, e.ID); err != nil {
		return e, fmt.Errorf("attach terminal event %q: %w", e.ID, err)
	}
	return e, nil
}

// findTerminal scans the thread log for a terminal event of the run.
func (a *Appender) findTerminal(ctx context.Context, threadID, runID string) *Event {
	const page = 200
	after := ""
	for {
		evs, err := a.events.List(ctx, threadID, after, page)
		if err != nil || len(evs) == 0 {
			return nil
		}
		for _, e := range evs {
			if e.RunID == runID && e.Terminal() {
				return e
			}
		}
		if len(evs) < page {
			return nil
		}
		after = evs[len(evs)-1].ID
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}
