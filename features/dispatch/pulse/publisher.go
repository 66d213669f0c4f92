// Package pulse implements the task dispatch channel on goa.design/pulse
// streams. The publisher appends tasks to a shared stream; subscribers open a
// consumer group on it so a pool of workers competes for tasks with
// at-least-once delivery.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/threads/dispatch"
	clientspulse "goa.design/threads/features/dispatch/pulse/clients/pulse"
)

const (
	// DefaultStreamName is the Pulse stream carrying dispatched tasks.
	DefaultStreamName = "task_dispatch"

	// taskEventName labels task entries on the stream.
	taskEventName = "task"
)

type (
	// PublisherOptions configures a Pulse-backed publisher.
	PublisherOptions struct {
		// Client is the Pulse client used to publish tasks. Required.
		Client clientspulse.Client
		// StreamName identifies the task stream. Defaults to
		// DefaultStreamName.
		StreamName string
	}

	// Publisher appends tasks to the dispatch stream.
	Publisher struct {
		stream clientspulse.Stream
		name   string
	}
)

var _ dispatch.Publisher = (*Publisher)(nil)

// NewPublisher constructs a Pulse-backed task publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open task stream %q: %w", name, err)
	}
	return &Publisher{stream: stream, name: name}, nil
}

// Publish appends the task to the dispatch stream. The task carries the
// caller's trace context so worker spans join the originating trace.
func (p *Publisher) Publish(ctx context.Context, t *dispatch.Task) error {
	tracer := otel.Tracer("goa.design/threads/features/dispatch/pulse")
	ctx, span := tracer.Start(
		ctx,
		"dispatch.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pulse"),
			attribute.String("messaging.destination.name", p.name),
			attribute.String("messaging.operation", "publish"),
			attribute.String("threads.thread_id", t.ThreadID),
			attribute.String("threads.run_id", t.RunID),
			attribute.String("threads.task", t.Task),
		),
	)
	defer span.End()

	dispatch.InjectTraceContext(ctx, t)

	payload, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal task")
		return fmt.Errorf("marshal task for run %q: %w", t.RunID, err)
	}
	eventID, err := p.stream.Add(ctx, taskEventName, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish task")
		return fmt.Errorf("publish task for run %q: %w: %w", t.RunID, dispatch.ErrUnavailable, err)
	}
	span.AddEvent(
		"threads.task_published",
		trace.WithAttributes(attribute.String("threads.event_id", eventID)),
	)
	return nil
}
