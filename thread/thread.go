// Package thread defines the durable conversational context that anchors
// agent task executions and the registry that owns its lifecycle.
//
// A Thread is created once, carries opaque metadata and seed context for the
// runs executed within it, and expires after a fixed TTL. The Registry is the
// only component that creates or resolves threads; stores are pluggable
// backends implementing the Store interface (in-memory, Redis, Mongo).
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates that no thread exists for the given identifier,
	// or that the record expired.
	ErrNotFound = errors.New("thread not found")

	// ErrUnavailable indicates that the backing store could not be reached.
	ErrUnavailable = errors.New("thread store unavailable")
)

// DefaultTTL is the thread expiry applied when the registry is not
// configured with one.
const DefaultTTL = 7 * 24 * time.Hour

// Status represents the lifecycle state of a thread.
type Status string

const (
	// StatusActive indicates the thread accepts new runs.
	StatusActive Status = "active"
	// StatusInactive indicates the thread no longer accepts new runs.
	StatusInactive Status = "inactive"
)

type (
	// Thread is a durable conversational context. It is the container for
	// runs and for the per-thread event log keyed by its ID.
	Thread struct {
		// ID uniquely identifies the thread.
		ID string `json:"id"`
		// Metadata is opaque caller-supplied data. It is stored as given and
		// never validated.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Context is opaque seed data made available to runs executed within
		// the thread.
		Context map[string]any `json:"context,omitempty"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// CreatedAt is the creation time (UTC).
		CreatedAt time.Time `json:"created_at"`
		// ExpiresAt is the time after which the thread no longer resolves.
		ExpiresAt time.Time `json:"expires_at"`
	}

	// Store persists thread records. Implementations must be safe for
	// concurrent use and return ErrNotFound for missing records.
	Store interface {
		// Create persists a new thread record.
		Create(ctx context.Context, t *Thread) error
		// Get returns the thread with the given ID. Backends with native TTL
		// support may already have reaped expired records; the registry
		// performs a lazy expiry check regardless.
		Get(ctx context.Context, id string) (*Thread, error)
		// Delete removes the thread record. Returns ErrNotFound when absent.
		Delete(ctx context.Context, id string) error
	}

	// Registry creates and resolves threads. It owns ID generation, status
	// defaults and expiry semantics; persistence is delegated to the Store.
	Registry struct {
		store Store
		ttl   time.Duration
		now   func() time.Time
	}

	// RegistryOptions configures a Registry.
	RegistryOptions struct {
		// Store is the persistence backend. Required.
		Store Store
		// TTL is the thread expiry window. Defaults to DefaultTTL.
		TTL time.Duration
		// Now overrides the clock. Tests only.
		Now func() time.Time
	}
)

// NewRegistry creates a thread registry backed by the given store.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("thread registry: store is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{store: opts.Store, ttl: ttl, now: now}, nil
}

// Create makes a new active thread with a generated ID and an expiry of
// now + TTL. The metadata and context maps are stored as given. No event is
// emitted for thread creation.
func (r *Registry) Create(ctx context.Context, metadata, contextData map[string]any) (*Thread, error) {
	now := r.now().UTC()
	t := &Thread{
		ID:        uuid.NewString(),
		Metadata:  metadata,
		Context:   contextData,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if err := r.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// Get resolves a thread by ID. Expired records are reaped lazily and
// reported as ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Thread, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.ExpiresAt.IsZero() && !r.now().UTC().Before(t.ExpiresAt) {
		// Best effort: backends with native TTL reap on their own.
		_ = r.store.Delete(ctx, id)
		return nil, fmt.Errorf("thread %q expired: %w", id, ErrNotFound)
	}
	return t, nil
}

// TTL returns the configured expiry window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}
