package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/threads/eventlog"
	loginmem "goa.design/threads/eventlog/inmem"
	"goa.design/threads/run"
	runinmem "goa.design/threads/run/inmem"
	"goa.design/threads/stream"
	"goa.design/threads/thread"
	threadinmem "goa.design/threads/thread/inmem"
)

// captureSink records frames. An optional per-send delay simulates a slow
// client; fail simulates a dropped connection.
type captureSink struct {
	mu     sync.Mutex
	frames []*stream.Frame
	delay  time.Duration
	fail   bool
}

func (s *captureSink) Send(ctx context.Context, f *stream.Frame) error {
	s.mu.Lock()
	fail, delay := s.fail, s.delay
	s.mu.Unlock()
	if fail {
		return errors.New("client gone")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.frames = append(s.frames, &cp)
	return nil
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Name
	}
	return out
}

func (s *captureSink) frame(i int) *stream.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type harness struct {
	threads  *thread.Registry
	runs     *runinmem.Store
	events   *loginmem.Store
	appender *eventlog.Appender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := thread.NewRegistry(thread.RegistryOptions{Store: threadinmem.New()})
	require.NoError(t, err)
	runs := runinmem.New()
	events := loginmem.New()
	appender, err := eventlog.NewAppender(eventlog.AppenderOptions{Events: events, Runs: runs})
	require.NoError(t, err)
	return &harness{threads: registry, runs: runs, events: events, appender: appender}
}

func (h *harness) manager(t *testing.T, opts stream.Options) *stream.Manager {
	t.Helper()
	opts.Threads = h.threads
	opts.Events = h.events
	if opts.KeepAlive == 0 {
		opts.KeepAlive = time.Hour
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = time.Hour
	}
	m, err := stream.New(opts)
	require.NoError(t, err)
	return m
}

func (h *harness) newThread(t *testing.T) *thread.Thread {
	t.Helper()
	th, err := h.threads.Create(context.Background(), nil, nil)
	require.NoError(t, err)
	return th
}

func (h *harness) newRun(t *testing.T, threadID, runID string) {
	t.Helper()
	err := h.runs.Create(context.Background(), &run.Run{
		ID:        runID,
		ThreadID:  threadID,
		Task:      "ping",
		Status:    run.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

// TestServeDeliversLogAndClosesOnTerminal walks the full happy path: a run
// records waiting, a business result and its terminal event; a client
// streaming from the start receives exactly those three frames in order and
// the session closes cleanly.
func TestServeDeliversLogAndClosesOnTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")

	_, err := h.appender.Append(ctx, th.ID, eventlog.TypeWaiting, "r1", nil)
	require.NoError(t, err)
	_, err = h.appender.Append(ctx, th.ID, "result", "r1", map[string]string{"content": "pong"})
	require.NoError(t, err)
	terminal, err := h.appender.AppendTerminal(ctx, th.ID, "r1", run.StatusCompleted, nil)
	require.NoError(t, err)

	m := h.manager(t, stream.Options{})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(ctx, sink)
	require.NoError(t, serveErr)
	require.Equal(t, stream.ReasonTerminal, reason)
	require.Equal(t, []string{"waiting", "result", "status"}, sink.names())
	require.Equal(t, terminal.ID, sess.Cursor())

	// Every delivered frame carries its log ID.
	for i := range sink.len() {
		require.NotEmpty(t, sink.frame(i).ID)
	}
}

// TestServeResumesAfterCursor reconnects with last_id set to the first
// event's ID and must receive only the rest of the log.
func TestServeResumesAfterCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")

	waiting, err := h.appender.Append(ctx, th.ID, eventlog.TypeWaiting, "r1", nil)
	require.NoError(t, err)
	_, err = h.appender.Append(ctx, th.ID, "result", "r1", map[string]string{"content": "pong"})
	require.NoError(t, err)
	_, err = h.appender.AppendTerminal(ctx, th.ID, "r1", run.StatusCompleted, nil)
	require.NoError(t, err)

	m := h.manager(t, stream.Options{})
	sess, err := m.Open(ctx, th.ID, waiting.ID)
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(ctx, sink)
	require.NoError(t, serveErr)
	require.Equal(t, stream.ReasonTerminal, reason)
	require.Equal(t, []string{"result", "status"}, sink.names())
}

// TestServeEmptyLogEmitsSyntheticWaiting opens a session on a thread with no
// events and no cursor: the client must immediately learn the connection is
// established via a synthetic waiting frame that carries no log ID.
func TestServeEmptyLogEmitsSyntheticWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)

	m := h.manager(t, stream.Options{IdleTimeout: 150 * time.Millisecond})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(ctx, sink)
	require.Equal(t, stream.ReasonIdleTimeout, reason)
	require.ErrorIs(t, serveErr, stream.ErrSessionTimeout)

	names := sink.names()
	require.GreaterOrEqual(t, len(names), 2)
	require.Equal(t, "waiting", names[0])
	require.Empty(t, sink.frame(0).ID, "synthetic frames carry no log ID")
	require.Equal(t, "error", names[len(names)-1], "idle timeout must be client-visible")
}

// TestServeEmitsKeepAlives verifies the transport is held open with
// synthetic keep-alive frames while no business events flow.
func TestServeEmitsKeepAlives(t *testing.T) {
	h := newHarness(t)
	th := h.newThread(t)

	m := h.manager(t, stream.Options{KeepAlive: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(ctx, sink)
	require.NoError(t, serveErr, "disconnect is a clean close")
	require.Equal(t, stream.ReasonDisconnect, reason)

	keepAlives := 0
	for _, name := range sink.names() {
		if name == "keep_alive" {
			keepAlives++
		}
	}
	require.GreaterOrEqual(t, keepAlives, 2)
}

// TestServeDeliversLiveAppends streams a thread while a worker appends
// events concurrently and verifies the session closes on the terminal event.
func TestServeDeliversLiveAppends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")

	m := h.manager(t, stream.Options{ReadBlock: 100 * time.Millisecond})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	type outcome struct {
		reason stream.Reason
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		reason, serveErr := sess.Serve(ctx, sink)
		done <- outcome{reason, serveErr}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = h.appender.Append(ctx, th.ID, eventlog.TypeWaiting, "r1", nil)
	require.NoError(t, err)
	_, err = h.appender.Append(ctx, th.ID, "result", "r1", map[string]string{"content": "pong"})
	require.NoError(t, err)
	_, err = h.appender.AppendTerminal(ctx, th.ID, "r1", run.StatusCompleted, nil)
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, stream.ReasonTerminal, out.reason)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close on terminal event")
	}

	names := sink.names()
	require.Equal(t, "status", names[len(names)-1])
}

// TestServeWaitsForAllSeenRuns keeps the session open until every run it
// observed reaches a terminal event.
func TestServeWaitsForAllSeenRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")
	h.newRun(t, th.ID, "r2")

	_, err := h.appender.Append(ctx, th.ID, eventlog.TypeWaiting, "r1", nil)
	require.NoError(t, err)
	_, err = h.appender.Append(ctx, th.ID, eventlog.TypeWaiting, "r2", nil)
	require.NoError(t, err)
	_, err = h.appender.AppendTerminal(ctx, th.ID, "r1", run.StatusCompleted, nil)
	require.NoError(t, err)

	m := h.manager(t, stream.Options{ReadBlock: 100 * time.Millisecond})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	done := make(chan stream.Reason, 1)
	go func() {
		reason, _ := sess.Serve(ctx, sink)
		done <- reason
	}()

	select {
	case reason := <-done:
		t.Fatalf("session closed with %q while run r2 is still live", reason)
	case <-time.After(300 * time.Millisecond):
	}

	_, err = h.appender.AppendTerminal(ctx, th.ID, "r2", run.StatusFailed, nil)
	require.NoError(t, err)

	select {
	case reason := <-done:
		require.Equal(t, stream.ReasonTerminal, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after last terminal event")
	}
}

// TestServeMaxDuration forces the lifetime cap and expects a client-visible
// close frame.
func TestServeMaxDuration(t *testing.T) {
	h := newHarness(t)
	th := h.newThread(t)

	m := h.manager(t, stream.Options{
		KeepAlive:   50 * time.Millisecond,
		MaxDuration: 200 * time.Millisecond,
	})
	sess, err := m.Open(context.Background(), th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(context.Background(), sink)
	require.Equal(t, stream.ReasonMaxDuration, reason)
	require.ErrorIs(t, serveErr, stream.ErrSessionTimeout)

	names := sink.names()
	require.Equal(t, "error", names[len(names)-1])
}

// TestServeBackpressureClosesSession feeds a large backlog to a sink slower
// than the reader's patience and expects a backpressure close instead of
// unbounded buffering.
func TestServeBackpressureClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")

	for range 10 {
		_, err := h.appender.Append(ctx, th.ID, "result", "r1", map[string]string{"content": "chunk"})
		require.NoError(t, err)
	}

	m := h.manager(t, stream.Options{Buffer: 1})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{delay: 400 * time.Millisecond}
	reason, serveErr := sess.Serve(ctx, sink)
	require.Equal(t, stream.ReasonBackpressure, reason)
	require.ErrorIs(t, serveErr, stream.ErrSlowConsumer)
}

// TestServeDisconnectMidStream drops the sink while events remain and
// expects a clean close with no error.
func TestServeDisconnectMidStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)
	h.newRun(t, th.ID, "r1")
	_, err := h.appender.Append(ctx, th.ID, "result", "r1", nil)
	require.NoError(t, err)

	m := h.manager(t, stream.Options{})
	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{fail: true}
	reason, serveErr := sess.Serve(ctx, sink)
	require.NoError(t, serveErr)
	require.Equal(t, stream.ReasonDisconnect, reason)
}

// failingReads wraps the in-memory log and fails every blocking read,
// simulating a store outage after catch-up.
type failingReads struct {
	*loginmem.Store
}

func (f *failingReads) Read(ctx context.Context, threadID, afterID string, limit int, block time.Duration) ([]*eventlog.Event, error) {
	return nil, eventlog.ErrUnavailable
}

func TestServeStoreFailureMidSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t)

	m, err := stream.New(stream.Options{
		Threads:     h.threads,
		Events:      &failingReads{h.events},
		KeepAlive:   time.Hour,
		IdleTimeout: time.Hour,
		MaxDuration: time.Hour,
	})
	require.NoError(t, err)

	sess, err := m.Open(ctx, th.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	reason, serveErr := sess.Serve(ctx, sink)
	require.Equal(t, stream.ReasonStoreError, reason)
	require.ErrorIs(t, serveErr, eventlog.ErrUnavailable)

	names := sink.names()
	require.Equal(t, "error", names[len(names)-1])
}

func TestOpenUnknownThread(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, stream.Options{})
	_, err := m.Open(context.Background(), "missing", "")
	require.ErrorIs(t, err, thread.ErrNotFound)
}

func TestOpenInvalidCursor(t *testing.T) {
	h := newHarness(t)
	th := h.newThread(t)
	m := h.manager(t, stream.Options{})
	_, err := m.Open(context.Background(), th.ID, "not-a-cursor")
	require.ErrorIs(t, err, eventlog.ErrInvalidCursor)
}
