// Package redis provides a Redis-backed run store. Each run is a hash whose
// status, error and completion fields are mutated by server-side scripts so
// terminal transitions stay single-shot under concurrent finalizers. A
// per-thread list indexes the most recent runs, newest first.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/threads/run"
)

const (
	// DefaultKeyPrefix namespaces all run keys when none is configured.
	DefaultKeyPrefix = "threads"

	// DefaultTTL bounds how long run records are retained.
	DefaultTTL = 24 * time.Hour

	// retention caps how many runs the per-thread index keeps.
	retention = 100
)

type (
	// Store is a Redis implementation of run.Store.
	Store struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}

	// Options configures a Store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces the run keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
		// TTL bounds run record retention. Defaults to DefaultTTL.
		TTL time.Duration
	}
)

var _ run.Store = (*Store)(nil)

// markProcessingScript moves a pending run to processing. Returns -1 when the
// run is missing, 0 when it already left pending and 1 when applied.
var markProcessingScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return -1 end
if s ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'processing', 'started_at', ARGV[1])
return 1
`)

// finalizeScript applies a terminal transition unless the run is already
// terminal. The status literals mirror run.Status.Terminal. Returns -1 when
// the run is missing, 0 when another finalize won and 1 when applied.
var finalizeScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return -1 end
if s == 'completed' or s == 'failed' or s == 'stopped' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'error', ARGV[2], 'completed_at', ARGV[3])
return 1
`)

// attachScript records the terminal event reference once. Returns -1 when the
// run is missing, otherwise the HSETNX result.
var attachScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HSETNX', KEYS[1], 'terminal_event_id', ARGV[1])
`)

// NewStore creates a Redis-backed run store.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis run store: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// Create persists the run and prepends it to the thread index, evicting runs
// beyond the retention cap.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis marshal run %q: %w", r.ID, err)
	}
	key := s.runKey(r.ThreadID, r.ID)
	index := s.indexKey(r.ThreadID)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "data", data, "status", string(r.Status))
	pipe.Expire(ctx, key, s.ttl)
	pipe.LPush(ctx, index, r.ID)
	pipe.Expire(ctx, index, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create run %q: %w: %w", r.ID, run.ErrUnavailable, err)
	}

	// Evict runs pushed past the retention window. Concurrent creators may
	// race here; deleting the same keys twice is harmless.
	evicted, err := s.rdb.LRange(ctx, index, retention, -1).Result()
	if err != nil {
		return fmt.Errorf("redis trim runs of thread %q: %w: %w", r.ThreadID, run.ErrUnavailable, err)
	}
	if len(evicted) > 0 {
		keys := make([]string, len(evicted))
		for i, id := range evicted {
			keys[i] = s.runKey(r.ThreadID, id)
		}
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, keys...)
		pipe.LTrim(ctx, index, 0, retention-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis trim runs of thread %q: %w: %w", r.ThreadID, run.ErrUnavailable, err)
		}
	}
	return nil
}

// Get returns the run with the given ID within the thread.
func (s *Store) Get(ctx context.Context, threadID, runID string) (*run.Run, error) {
	fields, err := s.rdb.HGetAll(ctx, s.runKey(threadID, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get run %q: %w: %w", runID, run.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("run %q: %w", runID, run.ErrNotFound)
	}
	return fromFields(runID, fields)
}

// List returns the most recent runs of the thread, newest first.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]*run.Run, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.LRange(ctx, s.indexKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list runs of thread %q: %w: %w", threadID, run.ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.runKey(threadID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list runs of thread %q: %w: %w", threadID, run.ErrUnavailable, err)
	}

	runs := make([]*run.Run, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Hash expired while still indexed.
			continue
		}
		r, err := fromFields(ids[i], fields)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// MarkProcessing transitions a pending run to processing.
func (s *Store) MarkProcessing(ctx context.Context, threadID, runID string, at time.Time) error {
	res, err := markProcessingScript.Run(ctx, s.rdb,
		[]string{s.runKey(threadID, runID)},
		at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("redis mark run %q processing: %w: %w", runID, run.ErrUnavailable, err)
	}
	if res == -1 {
		return fmt.Errorf("run %q: %w", runID, run.ErrNotFound)
	}
	return nil
}

// Finalize applies a terminal transition unless another finalize already won.
func (s *Store) Finalize(ctx context.Context, threadID, runID string, status run.Status, errMsg string, at time.Time) (bool, error) {
	res, err := finalizeScript.Run(ctx, s.rdb,
		[]string{s.runKey(threadID, runID)},
		string(status), errMsg, at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis finalize run %q: %w: %w", runID, run.ErrUnavailable, err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("run %q: %w", runID, run.ErrNotFound)
	case 0:
		return false, nil
	}
	return true, nil
}

// AttachTerminalEvent records the terminal event reference. Only the first
// attachment sticks.
func (s *Store) AttachTerminalEvent(ctx context.Context, threadID, runID, eventID string) error {
	res, err := attachScript.Run(ctx, s.rdb,
		[]string{s.runKey(threadID, runID)},
		eventID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis attach terminal event to run %q: %w: %w", runID, run.ErrUnavailable, err)
	}
	if res == -1 {
		return fmt.Errorf("run %q: %w", runID, run.ErrNotFound)
	}
	return nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return "redis" }

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) runKey(threadID, runID string) string {
	return s.prefix + ":thread:" + threadID + ":run:" + runID
}

func (s *Store) indexKey(threadID string) string {
	return s.prefix + ":thread:" + threadID + ":runs"
}

// fromFields rebuilds a run from its hash fields. The data field carries the
// creation-time snapshot; status, error, started_at, completed_at and
// terminal_event_id override it with the current values.
func fromFields(runID string, fields map[string]string) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal([]byte(fields["data"]), &r); err != nil {
		return nil, fmt.Errorf("redis decode run %q: %w", runID, err)
	}
	if v, ok := fields["status"]; ok {
		r.Status = run.Status(v)
	}
	if v := fields["error"]; v != "" {
		r.Error = v
	}
	if v := fields["started_at"]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis decode run %q started_at: %w", runID, err)
		}
		r.StartedAt = &at
	}
	if v := fields["completed_at"]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis decode run %q completed_at: %w", runID, err)
		}
		r.CompletedAt = &at
	}
	if v := fields["terminal_event_id"]; v != "" {
		r.TerminalEventID = v
	}
	return &r, nil
}
