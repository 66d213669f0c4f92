// Package coordinator implements the service operations that tie threads,
// runs, the event log and the dispatch channel together.
//
// The coordinator owns the execute path: it validates the thread, allocates
// the pending run, records the waiting event and publishes the dispatch
// task. Workers take over from there, reporting progress through the event
// appender; clients observe it through stream sessions. The coordinator
// never blocks on task execution.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/threads/dispatch"
	"goa.design/threads/eventlog"
	"goa.design/threads/run"
	"goa.design/threads/thread"
)

// ErrDispatchFailed indicates that the dispatch channel rejected the task.
// The run is already marked failed when this error is returned.
var ErrDispatchFailed = errors.New("dispatch failed")

// DefaultRunsLimit caps ListRuns results when the caller does not specify a
// limit. It matches the per-thread run retention of the stores.
const DefaultRunsLimit = 100

type (
	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Threads is the thread registry. Required.
		Threads *thread.Registry
		// Runs is the run store. Required.
		Runs run.Store
		// Appender records events and run transitions. Required.
		Appender *eventlog.Appender
		// Dispatch publishes tasks to the worker pool. Required.
		Dispatch dispatch.Publisher
		// SingleActiveRun serializes runs per thread: Execute fails with
		// ErrRunInProgress while a prior run is non-terminal. Off by
		// default; the log interleaves concurrent runs by run ID.
		SingleActiveRun bool
		// Now overrides the clock. Tests only.
		Now func() time.Time
	}

	// Service coordinates thread, run, event log and dispatch operations.
	Service struct {
		threads      *thread.Registry
		runs         run.Store
		appender     *eventlog.Appender
		dispatch     dispatch.Publisher
		singleActive bool
		now          func() time.Time
	}
)

// NewService validates the options and creates the coordinator service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Threads == nil {
		return nil, errors.New("coordinator: thread registry is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("coordinator: run store is required")
	}
	if opts.Appender == nil {
		return nil, errors.New("coordinator: event appender is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("coordinator: dispatch publisher is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		threads:      opts.Threads,
		runs:         opts.Runs,
		appender:     opts.Appender,
		dispatch:     opts.Dispatch,
		singleActive: opts.SingleActiveRun,
		now:          now,
	}, nil
}

// CreateThread makes a new active thread carrying the given opaque metadata
// and seed context.
func (s *Service) CreateThread(ctx context.Context, metadata, contextData map[string]any) (*thread.Thread, error) {
	return s.threads.Create(ctx, metadata, contextData)
}

// GetThread resolves a thread by ID.
func (s *Service) GetThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	return s.threads.Get(ctx, threadID)
}

// Execute accepts a task for asynchronous execution within the thread and
// returns the pending run immediately. On dispatch failure the run is
// finalized as failed, a terminal error event is recorded, and the failed
// run is returned together with an error wrapping ErrDispatchFailed.
func (s *Service) Execute(ctx context.Context, threadID, task string, parameters map[string]any) (*run.Run, error) {
	if task == "" {
		return nil, errors.New("execute: task is required")
	}

	// 1. Resolve the thread and require it active.
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.Status != thread.StatusActive {
		return nil, fmt.Errorf("thread %q is %s: %w", threadID, t.Status, thread.ErrNotFound)
	}

	// 2. Enforce the single-active-run policy when enabled. Best effort:
	// concurrent executes may both pass the check.
	if s.singleActive {
		prior, err := s.runs.List(ctx, threadID, 0)
		if err != nil {
			return nil, fmt.Errorf("list runs of thread %q: %w", threadID, err)
		}
		for _, p := range prior {
			if !p.Status.Terminal() {
				return nil, fmt.Errorf("run %q is %s: %w", p.ID, p.Status, run.ErrRunInProgress)
			}
		}
	}

	// 3. Allocate the pending run.
	r := &run.Run{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		Task:       task,
		Parameters: parameters,
		Status:     run.StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	// 4. Record the waiting event so any stream tail observes the run before
	// the worker produces output.
	if _, err := s.appender.Append(ctx, threadID, eventlog.TypeWaiting, r.ID, map[string]string{"task": task}); err != nil {
		_, _ = s.runs.Finalize(ctx, threadID, r.ID, run.StatusFailed, "event log unavailable", s.now().UTC())
		return nil, fmt.Errorf("record waiting event for run %q: %w", r.ID, err)
	}

	// 5. Publish the dispatch task. The caller never blocks on execution.
	if err := s.dispatch.Publish(ctx, &dispatch.Task{
		ThreadID:   threadID,
		RunID:      r.ID,
		Task:       task,
		Parameters: parameters,
		EnqueuedAt: s.now().UTC(),
	}); err != nil {
		// Fail the run and record the terminal error event before returning
		// so no stream hangs on a run that never entered the queue.
		cause := err
		if _, ferr := s.appender.FailRun(ctx, threadID, r.ID, fmt.Sprintf("dispatch: %v", err), nil); ferr != nil {
			cause = errors.Join(err, ferr)
		}
		if failed, gerr := s.runs.Get(ctx, threadID, r.ID); gerr == nil {
			r = failed
		}
		return r, fmt.Errorf("publish run %q: %w: %w", r.ID, ErrDispatchFailed, cause)
	}

	return r, nil
}

// GetRun resolves a run within a thread.
func (s *Service) GetRun(ctx context.Context, threadID, runID string) (*run.Run, error) {
	if _, err := s.threads.Get(ctx, threadID); err != nil {
		return nil, err
	}
	return s.runs.Get(ctx, threadID, runID)
}

// ListRuns returns the thread's most recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, threadID string, limit int) ([]*run.Run, error) {
	if _, err := s.threads.Get(ctx, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	return s.runs.List(ctx, threadID, limit)
}
