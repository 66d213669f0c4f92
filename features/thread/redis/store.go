// Package redis provides a Redis-backed thread store. Threads are stored as
// JSON values with a native TTL derived from the thread expiry so Redis reaps
// expired records on its own; the registry still performs the exact expiry
// check on read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/threads/thread"
)

// DefaultKeyPrefix namespaces all thread keys when none is configured.
const DefaultKeyPrefix = "threads"

type (
	// Store is a Redis implementation of thread.Store.
	Store struct {
		rdb    *redis.Client
		prefix string
	}

	// Options configures a Store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces the thread keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
	}
)

var _ thread.Store = (*Store)(nil)

// NewStore creates a Redis-backed thread store.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis thread store: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

// Create persists the thread as a JSON value. The key TTL mirrors the thread
// expiry so Redis evicts the record once it can no longer resolve.
func (s *Store) Create(ctx context.Context, t *thread.Thread) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis marshal thread %q: %w", t.ID, err)
	}
	var ttl time.Duration
	if !t.ExpiresAt.IsZero() {
		ttl = time.Until(t.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	if err := s.rdb.Set(ctx, s.key(t.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis create thread %q: %w: %w", t.ID, thread.ErrUnavailable, err)
	}
	return nil
}

// Get returns the thread with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("thread %q: %w", id, thread.ErrNotFound)
		}
		return nil, fmt.Errorf("redis get thread %q: %w: %w", id, thread.ErrUnavailable, err)
	}
	var t thread.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("redis decode thread %q: %w", id, err)
	}
	return &t, nil
}

// Delete removes the thread record.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete thread %q: %w: %w", id, thread.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("thread %q: %w", id, thread.ErrNotFound)
	}
	return nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return "redis" }

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) key(id string) string {
	return s.prefix + ":thread:" + id
}
