package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/threads/dispatch"
	clientspulse "goa.design/threads/features/dispatch/pulse/clients/pulse"
)

// DefaultSinkName identifies the worker consumer group. All workers sharing
// the name compete for tasks.
const DefaultSinkName = "threads_worker"

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume tasks. Required.
		Client clientspulse.Client
		// StreamName identifies the task stream. Defaults to
		// DefaultStreamName.
		StreamName string
		// SinkName identifies the consumer group. Defaults to
		// DefaultSinkName.
		SinkName string
		// Buffer specifies the task channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes the dispatch stream and emits tasks. Each task is
	// acknowledged after it is handed to the worker, so unprocessed tasks are
	// redelivered when a worker dies.
	Subscriber struct {
		client     clientspulse.Client
		streamName string
		sinkName   string
		buffer     int
	}
)

var _ dispatch.Subscriber = (*Subscriber)(nil)

// NewSubscriber constructs a Pulse-backed task subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.StreamName
	if streamName == "" {
		streamName = DefaultStreamName
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = DefaultSinkName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client:     opts.Client,
		streamName: streamName,
		sinkName:   sinkName,
		buffer:     buffer,
	}, nil
}

// Subscribe opens the consumer group and returns channels for tasks and
// consumption errors. The returned cancel function stops consumption, closes
// the sink and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan *dispatch.Task, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open task stream %q: %w", s.streamName, err)
	}
	sink, err := str.NewSink(ctx, s.sinkName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open task sink %q: %w", s.sinkName, err)
	}
	tasks := make(chan *dispatch.Task, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, tasks, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return tasks, errs, cancelFunc, nil
}

// consume reads events from the sink, decodes them into tasks and emits them.
// Events are acked only after successful emission so a crashed worker leaves
// its task pending for redelivery. Closes both channels on ctx cancellation
// or when the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *dispatch.Task, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var task dispatch.Task
			if err := json.Unmarshal(evt.Payload, &task); err != nil {
				errs <- fmt.Errorf("pulse decode task: %w", err)
				return
			}
			select {
			case out <- &task:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
