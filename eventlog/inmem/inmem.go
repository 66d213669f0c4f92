// Package inmem provides an in-memory implementation of the event log store.
// It is intended for tests and single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/threads/eventlog"
)

// Store is an in-memory event log safe for concurrent use. IDs are dense
// per-thread sequence numbers starting at 1.
type Store struct {
	mu   sync.Mutex
	logs map[string]*threadLog
}

type threadLog struct {
	seq     int64
	events  []*eventlog.Event
	waiters map[chan struct{}]struct{}
}

var _ eventlog.Store = (*Store)(nil)

// New creates an empty in-memory event log.
func New() *Store {
	return &Store{logs: make(map[string]*threadLog)}
}

// ensure returns the thread's log, creating it if needed. Callers must hold
// the store mutex.
func (s *Store) ensure(threadID string) *threadLog {
	l, ok := s.logs[threadID]
	if !ok {
		l = &threadLog{waiters: make(map[chan struct{}]struct{})}
		s.logs[threadID] = l
	}
	return l
}

// Append persists the event, assigns its ID and wakes blocked readers.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ensure(e.ThreadID)
	l.seq++
	e.ID = strconv.FormatInt(l.seq, 10)
	cp := *e
	l.events = append(l.events, &cp)
	for w := range l.waiters {
		close(w)
	}
	clear(l.waiters)
	return nil
}

// Get returns the event with the given ID.
func (s *Store) Get(ctx context.Context, threadID, id string) (*eventlog.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	n, err := parseCursor(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ensure(threadID)
	if n < 1 || n > l.seq {
		return nil, eventlog.ErrNotFound
	}
	cp := *l.events[n-1]
	return &cp, nil
}

// List returns up to limit events after the cursor, ascending.
func (s *Store) List(ctx context.Context, threadID, afterID string, limit int) ([]*eventlog.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	after, err := parseCursor(afterID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(threadID, after, limit), nil
}

// Read blocks up to the given duration for events after the cursor.
func (s *Store) Read(ctx context.Context, threadID, afterID string, limit int, block time.Duration) ([]*eventlog.Event, error) {
	after, err := parseCursor(afterID)
	if err != nil {
		return nil, err
	}
	if block <= 0 {
		return s.List(ctx, threadID, afterID, limit)
	}
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		s.mu.Lock()
		l := s.ensure(threadID)
		if evs := s.collect(threadID, after, limit); len(evs) > 0 {
			s.mu.Unlock()
			return evs, nil
		}
		w := make(chan struct{})
		l.waiters[w] = struct{}{}
		s.mu.Unlock()

		select {
		case <-w:
		case <-timer.C:
			s.unregister(l, w)
			return nil, nil
		case <-ctx.Done():
			s.unregister(l, w)
			return nil, ctx.Err()
		}
	}
}

// collect gathers events with IDs greater than after. IDs are dense, so the
// cursor doubles as a slice offset. Callers must hold the store mutex.
func (s *Store) collect(threadID string, after int64, limit int) []*eventlog.Event {
	l := s.ensure(threadID)
	if after >= l.seq {
		return nil
	}
	evs := l.events[after:]
	if limit > 0 && limit < len(evs) {
		evs = evs[:limit]
	}
	out := make([]*eventlog.Event, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (s *Store) unregister(l *threadLog, w chan struct{}) {
	s.mu.Lock()
	delete(l.waiters, w)
	s.mu.Unlock()
}

func parseCursor(id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", id, eventlog.ErrInvalidCursor)
	}
	return n, nil
}
