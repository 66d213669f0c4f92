package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/threads/dispatch"
	clientspulse "goa.design/threads/features/dispatch/pulse/clients/pulse"
)

func newSubscriberHarness(t *testing.T) (*Subscriber, *mockSink) {
	t.Helper()
	sink := &mockSink{events: make(chan *streaming.Event, 4)}
	stream := &mockStream{sink: sink}
	client := &mockClient{streams: map[string]clientspulse.Stream{DefaultStreamName: stream}}
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)
	return sub, sink
}

func TestSubscribeEmitsTasks(t *testing.T) {
	sub, sink := newSubscriberHarness(t)

	tasks, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(&dispatch.Task{
		ThreadID:   "th-1",
		RunID:      "r-1",
		Task:       "summarize",
		EnqueuedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	sink.events <- &streaming.Event{ID: "1-0", EventName: taskEventName, Payload: payload}

	select {
	case task := <-tasks:
		require.Equal(t, "th-1", task.ThreadID)
		require.Equal(t, "r-1", task.RunID)
		require.Equal(t, "summarize", task.Task)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for task")
	}

	// The event is acked only after the task is handed over.
	require.Eventually(t, func() bool { return sink.ackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, errs)
}

func TestSubscribeDecodeError(t *testing.T) {
	sub, sink := newSubscriberHarness(t)

	tasks, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	sink.events <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "pulse decode task")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decode error")
	}
	_, ok := <-tasks
	require.False(t, ok, "task channel should be closed")
	require.Zero(t, sink.ackCount(), "undecodable events must stay pending")
}

func TestSubscribeCancelClosesChannels(t *testing.T) {
	sub, sink := newSubscriberHarness(t)

	tasks, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-tasks:
		require.False(t, ok, "task channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	_, ok := <-errs
	require.False(t, ok, "error channel should be closed")

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	require.True(t, closed, "cancel must close the sink")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
}
