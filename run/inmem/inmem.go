// Package inmem provides an in-memory implementation of the run store.
// It is intended for tests and single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/threads/run"
)

// retention caps the number of runs retained per thread, matching the
// production backends.
const retention = 100

// Store is an in-memory run store safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	runs map[string]map[string]*run.Run // thread ID -> run ID -> run
	idx  map[string][]string           // thread ID -> run IDs, newest first
}

var _ run.Store = (*Store)(nil)

// New creates an empty in-memory run store.
func New() *Store {
	return &Store{
		runs: make(map[string]map[string]*run.Run),
		idx:  make(map[string][]string),
	}
}

// Create persists a new run record.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.runs[r.ThreadID]
	if !ok {
		byID = make(map[string]*run.Run)
		s.runs[r.ThreadID] = byID
	}
	cp := *r
	byID[r.ID] = &cp
	ids := append([]string{r.ID}, s.idx[r.ThreadID]...)
	if len(ids) > retention {
		for _, evicted := range ids[retention:] {
			delete(byID, evicted)
		}
		ids = ids[:retention]
	}
	s.idx[r.ThreadID] = ids
	return nil
}

// Get returns the run with the given ID within the thread.
func (s *Store) Get(ctx context.Context, threadID, runID string) (*run.Run, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[threadID][runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// List returns the most recent runs of the thread, newest first.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]*run.Run, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.idx[threadID]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.runs[threadID][id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MarkProcessing transitions a pending run to processing.
func (s *Store) MarkProcessing(ctx context.Context, threadID, runID string, at time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[threadID][runID]
	if !ok {
		return run.ErrNotFound
	}
	if r.Status != run.StatusPending {
		return nil
	}
	r.Status = run.StatusProcessing
	started := at
	r.StartedAt = &started
	return nil
}

// Finalize applies the terminal transition unless the run is already
// terminal.
func (s *Store) Finalize(ctx context.Context, threadID, runID string, status run.Status, errMsg string, at time.Time) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[threadID][runID]
	if !ok {
		return false, run.ErrNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = status
	r.Error = errMsg
	completed := at
	r.CompletedAt = &completed
	return true, nil
}

// AttachTerminalEvent records the terminal event ID once.
func (s *Store) AttachTerminalEvent(ctx context.Context, threadID, runID, eventID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[threadID][runID]
	if !ok {
		return run.ErrNotFound
	}
	if r.TerminalEventID == "" {
		r.TerminalEventID = eventID
	}
	return nil
}
