// Package inmem provides an in-memory implementation of the thread store.
// It is intended for tests and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"goa.design/threads/thread"
)

// Store is an in-memory thread store safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread.Thread
}

var _ thread.Store = (*Store)(nil)

// New creates an empty in-memory thread store.
func New() *Store {
	return &Store{threads: make(map[string]*thread.Thread)}
}

// Create persists a new thread record.
func (s *Store) Create(ctx context.Context, t *thread.Thread) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.threads[t.ID] = &cp
	return nil
}

// Get returns the thread with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, thread.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Delete removes the thread record.
func (s *Store) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return thread.ErrNotFound
	}
	delete(s.threads, id)
	return nil
}
