package eventlog_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/threads/eventlog"
	loginmem "goa.design/threads/eventlog/inmem"
	"goa.design/threads/run"
	runinmem "goa.design/threads/run/inmem"
)

type fixture struct {
	events   *loginmem.Store
	runs     *runinmem.Store
	appender *eventlog.Appender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := loginmem.New()
	runs := runinmem.New()
	appender, err := eventlog.NewAppender(eventlog.AppenderOptions{Events: events, Runs: runs})
	require.NoError(t, err)
	return &fixture{events: events, runs: runs, appender: appender}
}

func (f *fixture) createRun(t *testing.T, threadID, runID string) {
	t.Helper()
	err := f.runs.Create(context.Background(), &run.Run{
		ID:        runID,
		ThreadID:  threadID,
		Task:      "summarize",
		Status:    run.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestAppendRecordsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.appender.Append(ctx, "t1", eventlog.TypeWaiting, "r1", map[string]string{"task": "summarize"})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.Equal(t, eventlog.TypeWaiting, e.Type)
	require.Equal(t, "r1", e.RunID)
	require.False(t, e.Timestamp.IsZero())

	listed, err := f.events.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, e.ID, listed[0].ID)
}

func TestAppendRejectsEmptyType(t *testing.T) {
	f := newFixture(t)
	_, err := f.appender.Append(context.Background(), "t1", "", "r1", nil)
	require.Error(t, err)
}

func TestAppendRawPayloadPassthrough(t *testing.T) {
	f := newFixture(t)
	raw := json.RawMessage(`{"chunk":"hello"}`)
	e, err := f.appender.Append(context.Background(), "t1", "message", "r1", raw)
	require.NoError(t, err)
	require.JSONEq(t, `{"chunk":"hello"}`, string(e.Payload))
}

func TestAppendTerminalFinalizesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	e, err := f.appender.AppendTerminal(ctx, "t1", "r1", run.StatusCompleted, map[string]string{"result": "ok"})
	require.NoError(t, err)
	require.Equal(t, eventlog.TypeStatus, e.Type)
	require.Equal(t, run.StatusCompleted, e.Status)
	require.True(t, e.Terminal())

	r, err := f.runs.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, r.Status)
	require.Equal(t, e.ID, r.TerminalEventID)
	require.NotNil(t, r.CompletedAt)
}

func TestAppendTerminalIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	first, err := f.appender.AppendTerminal(ctx, "t1", "r1", run.StatusCompleted, nil)
	require.NoError(t, err)

	// A second terminal append, even with a different status, returns the
	// existing event and writes nothing.
	second, err := f.appender.AppendTerminal(ctx, "t1", "r1", run.StatusFailed, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, run.StatusCompleted, second.Status)

	r, err := f.runs.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, r.Status)

	evs, err := f.events.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	terminal := 0
	for _, e := range evs {
		if e.Terminal() {
			terminal++
		}
	}
	require.Equal(t, 1, terminal, "exactly one terminal event in the log")
}

func TestAppendTerminalConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*eventlog.Event, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := run.StatusCompleted
			if i%2 == 0 {
				status = run.StatusStopped
			}
			results[i], errs[i] = f.appender.AppendTerminal(ctx, "t1", "r1", status, nil)
		}(i)
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].ID, results[i].ID, "all callers must converge on one event")
	}

	evs, err := f.events.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestAppendTerminalRejectsNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "t1", "r1")
	_, err := f.appender.AppendTerminal(context.Background(), "t1", "r1", run.StatusProcessing, nil)
	require.Error(t, err)
}

func TestAppendTerminalUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.appender.AppendTerminal(context.Background(), "t1", "missing", run.StatusCompleted, nil)
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestAppendTerminalRepairsMissingEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	// Simulate a writer that finalized the run and crashed before appending
	// the terminal event.
	applied, err := f.runs.Finalize(ctx, "t1", "r1", run.StatusFailed, "worker crash", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, applied)

	e, err := f.appender.AppendTerminal(ctx, "t1", "r1", run.StatusCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, e.Status, "repair reflects the recorded status")

	r, err := f.runs.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, e.ID, r.TerminalEventID)
}

func TestFailRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	e, err := f.appender.FailRun(ctx, "t1", "r1", "queue unreachable", nil)
	require.NoError(t, err)
	require.Equal(t, eventlog.TypeError, e.Type)
	require.Equal(t, run.StatusFailed, e.Status)
	require.True(t, e.Terminal())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	require.Equal(t, "queue unreachable", payload["error"])

	r, err := f.runs.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, r.Status)
	require.Equal(t, "queue unreachable", r.Error)
}

func TestMarkProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "t1", "r1")

	require.NoError(t, f.appender.MarkProcessing(ctx, "t1", "r1"))
	r, err := f.runs.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusProcessing, r.Status)
	require.NotNil(t, r.StartedAt)
}

func TestSystemTypes(t *testing.T) {
	require.True(t, eventlog.TypeWaiting.System())
	require.True(t, eventlog.TypeKeepAlive.System())
	require.True(t, eventlog.TypeError.System())
	require.False(t, eventlog.TypeStatus.System())
	require.False(t, eventlog.Type("message").System())
}
