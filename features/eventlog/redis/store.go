// Package redis provides an event log backed by Redis Streams. Stream entry
// IDs double as event IDs, which gives strictly increasing identifiers per
// thread without client-side coordination, and XREAD provides the blocking
// tail used by live streaming sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/threads/eventlog"
)

const (
	// DefaultKeyPrefix namespaces all event log keys when none is configured.
	DefaultKeyPrefix = "threads"

	// DefaultMaxLen caps the per-thread stream length. Trimming is
	// approximate so appends stay O(1).
	DefaultMaxLen = 1000

	// DefaultTTL bounds event retention. The TTL is refreshed on every
	// append so it tracks thread activity.
	DefaultTTL = 7 * 24 * time.Hour
)

type (
	// Store is a Redis Streams implementation of eventlog.Store.
	Store struct {
		rdb    *redis.Client
		prefix string
		maxLen int64
		ttl    time.Duration
	}

	// Options configures a Store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces the stream keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
		// MaxLen caps the stream length. Defaults to DefaultMaxLen.
		MaxLen int64
		// TTL bounds event retention. Defaults to DefaultTTL.
		TTL time.Duration
	}
)

var _ eventlog.Store = (*Store)(nil)

// NewStore creates a Redis Streams event log.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis event log: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: opts.Client, prefix: prefix, maxLen: maxLen, ttl: ttl}, nil
}

// Append adds the event to the thread stream and assigns the entry ID.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis marshal event: %w", err)
	}
	key := s.key(e.ThreadID)
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"event": data},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis append event to thread %q: %w: %w", e.ThreadID, eventlog.ErrUnavailable, err)
	}
	e.ID = id
	// Refresh retention on activity.
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire events of thread %q: %w: %w", e.ThreadID, eventlog.ErrUnavailable, err)
	}
	return nil
}

// Get returns the event with the given ID.
func (s *Store) Get(ctx context.Context, threadID, id string) (*eventlog.Event, error) {
	if id == "" {
		return nil, eventlog.ErrNotFound
	}
	if err := validateCursor(id); err != nil {
		return nil, err
	}
	msgs, err := s.rdb.XRange(ctx, s.key(threadID), id, id).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get event %q: %w: %w", id, eventlog.ErrUnavailable, err)
	}
	if len(msgs) == 0 {
		return nil, eventlog.ErrNotFound
	}
	return decode(msgs[0])
}

// List returns up to limit events after the cursor, ascending.
func (s *Store) List(ctx context.Context, threadID, afterID string, limit int) ([]*eventlog.Event, error) {
	if err := validateCursor(afterID); err != nil {
		return nil, err
	}
	start := "-"
	if afterID != "" {
		// Exclusive range start.
		start = "(" + afterID
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.rdb.XRangeN(ctx, s.key(threadID), start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.rdb.XRange(ctx, s.key(threadID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis list events of thread %q: %w: %w", threadID, eventlog.ErrUnavailable, err)
	}
	return decodeAll(msgs)
}

// Read blocks up to the given duration for events after the cursor. An empty
// result with a nil error means the wait expired.
func (s *Store) Read(ctx context.Context, threadID, afterID string, limit int, block time.Duration) ([]*eventlog.Event, error) {
	if err := validateCursor(afterID); err != nil {
		return nil, err
	}
	if block <= 0 {
		return s.List(ctx, threadID, afterID, limit)
	}
	// XREAD returns entries strictly after the given ID; 0 reads from the
	// beginning of the stream.
	start := afterID
	if start == "" {
		start = "0"
	}
	var count int64
	if limit > 0 {
		count = int64(limit)
	}
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.key(threadID), start},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis read events of thread %q: %w: %w", threadID, eventlog.ErrUnavailable, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeAll(res[0].Messages)
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return "redis" }

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) key(threadID string) string {
	return s.prefix + ":thread:" + threadID + ":events"
}

func decodeAll(msgs []redis.XMessage) ([]*eventlog.Event, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	evs := make([]*eventlog.Event, len(msgs))
	for i, msg := range msgs {
		ev, err := decode(msg)
		if err != nil {
			return nil, err
		}
		evs[i] = ev
	}
	return evs, nil
}

// decode rebuilds an event from a stream entry. The entry ID is authoritative
// because the payload is marshaled before the ID is known.
func decode(msg redis.XMessage) (*eventlog.Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return nil, fmt.Errorf("redis event %q: missing event field", msg.ID)
	}
	var ev eventlog.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("redis decode event %q: %w", msg.ID, err)
	}
	ev.ID = msg.ID
	return &ev, nil
}

// validateCursor checks that the cursor is a well-formed stream entry ID,
// either <ms> or <ms>-<seq>. Empty cursors are valid and mean "from the
// beginning".
func validateCursor(cursor string) error {
	if cursor == "" {
		return nil
	}
	ms, seq, hasSeq := strings.Cut(cursor, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return fmt.Errorf("%q: %w", cursor, eventlog.ErrInvalidCursor)
	}
	if hasSeq {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return fmt.Errorf("%q: %w", cursor, eventlog.ErrInvalidCursor)
		}
	}
	return nil
}
