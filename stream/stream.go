// Package stream implements the session protocol that serves a thread's
// event log to one client connection.
//
// A session catches up from the client's cursor, tails live appends, emits
// keep-alives while the transport is quiet and closes with a distinguishable
// reason: the thread's runs reached terminal status, the client went idle or
// hit the session cap, the consumer fell behind, the transport dropped, or
// the store failed. Sessions are read-only over the log; any number may tail
// the same thread concurrently, each with its own cursor.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"goa.design/threads/eventlog"
	"goa.design/threads/thread"
)

var (
	// ErrSessionTimeout indicates the session closed because the client went
	// idle or the session reached its maximum duration.
	ErrSessionTimeout = errors.New("stream session timed out")

	// ErrSlowConsumer indicates the session closed because the client could
	// not keep up with event production.
	ErrSlowConsumer = errors.New("stream consumer too slow")
)

// Default session tuning. Values apply when Options leaves them zero.
const (
	DefaultKeepAlive   = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxDuration = 30 * time.Minute
	DefaultBuffer      = 100
	DefaultReadBatch   = 100
	DefaultReadBlock   = 5 * time.Second
)

// Reason is the final close reason of a session. Every session ends with
// exactly one.
type Reason string

const (
	// ReasonTerminal means every run the session observed reached a terminal
	// event and the session closed cleanly after flushing it.
	ReasonTerminal Reason = "terminal"
	// ReasonIdleTimeout means no business event arrived within the idle
	// window.
	ReasonIdleTimeout Reason = "idle_timeout"
	// ReasonMaxDuration means the session hit its lifetime cap.
	ReasonMaxDuration Reason = "max_duration"
	// ReasonDisconnect means the client went away. Clean close, never an
	// error.
	ReasonDisconnect Reason = "client_disconnect"
	// ReasonBackpressure means the client consumed too slowly and the
	// session refused to buffer further.
	ReasonBackpressure Reason = "backpressure"
	// ReasonStoreError means the event log failed mid-session.
	ReasonStoreError Reason = "store_error"
)

type (
	// Frame is one wire-protocol item. Persisted events carry their log ID;
	// synthetic frames (waiting, keep-alive, close errors) carry none.
	Frame struct {
		// ID is the log ID of the underlying event, empty for synthetic
		// frames.
		ID string
		// Name is the wire event name.
		Name string
		// Data is the JSON-encoded frame body.
		Data []byte
	}

	// Sink is the outbound half of a client connection. Send blocks until
	// the frame is handed to the transport and returns an error once the
	// client is gone.
	Sink interface {
		Send(ctx context.Context, f *Frame) error
	}

	// ThreadResolver resolves thread existence at session setup.
	ThreadResolver interface {
		Get(ctx context.Context, id string) (*thread.Thread, error)
	}

	// Options configures a Manager.
	Options struct {
		// Threads resolves thread IDs. Required.
		Threads ThreadResolver
		// Events is the event log backend. Required.
		Events eventlog.Store
		// KeepAlive is the quiet interval after which a synthetic keep-alive
		// frame is emitted. Defaults to DefaultKeepAlive.
		KeepAlive time.Duration
		// IdleTimeout closes the session when no business event arrives for
		// this long. Defaults to DefaultIdleTimeout.
		IdleTimeout time.Duration
		// MaxDuration caps the total session lifetime. Defaults to
		// DefaultMaxDuration.
		MaxDuration time.Duration
		// Buffer bounds the number of undelivered events held per session.
		// Defaults to DefaultBuffer.
		Buffer int
		// ReadBatch caps events fetched per log read. Defaults to
		// DefaultReadBatch.
		ReadBatch int
		// ReadBlock bounds how long a live log read blocks waiting for new
		// events. Defaults to DefaultReadBlock.
		ReadBlock time.Duration
	}

	// Manager opens stream sessions over a thread registry and an event log.
	Manager struct {
		threads     ThreadResolver
		events      eventlog.Store
		keepAlive   time.Duration
		idleTimeout time.Duration
		maxDuration time.Duration
		buffer      int
		readBatch   int
		readBlock   time.Duration
		metrics     *sessionMetrics
	}
)

// New creates a stream session manager.
func New(opts Options) (*Manager, error) {
	if opts.Threads == nil {
		return nil, errors.New("stream manager: thread resolver is required")
	}
	if opts.Events == nil {
		return nil, errors.New("stream manager: event store is required")
	}
	m := &Manager{
		threads:     opts.Threads,
		events:      opts.Events,
		keepAlive:   opts.KeepAlive,
		idleTimeout: opts.IdleTimeout,
		maxDuration: opts.MaxDuration,
		buffer:      opts.Buffer,
		readBatch:   opts.ReadBatch,
		readBlock:   opts.ReadBlock,
		metrics:     newSessionMetrics(),
	}
	if m.keepAlive <= 0 {
		m.keepAlive = DefaultKeepAlive
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.maxDuration <= 0 {
		m.maxDuration = DefaultMaxDuration
	}
	if m.buffer <= 0 {
		m.buffer = DefaultBuffer
	}
	if m.readBatch <= 0 {
		m.readBatch = DefaultReadBatch
	}
	if m.readBlock <= 0 {
		m.readBlock = DefaultReadBlock
	}
	return m, nil
}

// Open validates the thread and performs the first catch-up read so setup
// failures surface before any frame is written. The returned session is
// primed with the events already read and ready to Serve.
func (m *Manager) Open(ctx context.Context, threadID, lastID string) (*Session, error) {
	if _, err := m.threads.Get(ctx, threadID); err != nil {
		return nil, err
	}
	primed, err := m.events.List(ctx, threadID, lastID, m.readBatch)
	if err != nil {
		return nil, fmt.Errorf("catch up thread %q: %w", threadID, err)
	}
	return &Session{
		m:         m,
		threadID:  threadID,
		resume:    lastID,
		primed:    primed,
		synthetic: len(primed) == 0 && lastID == "",
		seen:      make(map[string]bool),
	}, nil
}

// sessionMetrics holds the instrument set shared by all sessions of a
// manager.
type sessionMetrics struct {
	opened    metric.Int64Counter
	closed    metric.Int64Counter
	delivered metric.Int64Counter
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter("goa.design/threads/stream")
	opened, _ := meter.Int64Counter("stream.sessions.opened",
		metric.WithDescription("Stream sessions opened."))
	closed, _ := meter.Int64Counter("stream.sessions.closed",
		metric.WithDescription("Stream sessions closed, by reason."))
	delivered, _ := meter.Int64Counter("stream.events.delivered",
		metric.WithDescription("Log events delivered to stream clients."))
	return &sessionMetrics{opened: opened, closed: closed, delivered: delivered}
}

func (sm *sessionMetrics) sessionOpened(ctx context.Context) {
	sm.opened.Add(ctx, 1)
}

func (sm *sessionMetrics) sessionClosed(ctx context.Context, reason Reason) {
	sm.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (sm *sessionMetrics) eventDelivered(ctx context.Context) {
	sm.delivered.Add(ctx, 1)
}
