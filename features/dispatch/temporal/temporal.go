// Package temporal implements the task dispatch channel on Temporal
// workflows. The publisher starts one workflow per run keyed by the run ID,
// so duplicate publishes of the same run join the running execution instead
// of spawning a second one. NewWorker builds the matching worker that invokes
// a task handler as an activity.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/threads/dispatch"
)

const (
	// DefaultTaskQueue is the Temporal task queue carrying dispatched runs.
	DefaultTaskQueue = "threads-tasks"

	// DefaultWorkflowName is the registered name of the task workflow.
	DefaultWorkflowName = "ThreadTaskRun"

	// taskActivityName is the registered name of the task handler activity.
	taskActivityName = "ExecuteThreadTask"
)

type (
	// PublisherOptions configures a Temporal-backed publisher.
	PublisherOptions struct {
		// Client is the Temporal client. Required.
		Client client.Client
		// TaskQueue routes workflows to workers. Defaults to
		// DefaultTaskQueue.
		TaskQueue string
		// WorkflowName is the workflow type to start. Defaults to
		// DefaultWorkflowName.
		WorkflowName string
	}

	// Publisher starts one task workflow per dispatched run.
	Publisher struct {
		c        client.Client
		queue    string
		workflow string
	}

	// TaskHandler executes a dispatched task. It runs as a Temporal activity
	// and is retried per the workflow retry policy.
	TaskHandler func(ctx context.Context, t *dispatch.Task) error
)

var _ dispatch.Publisher = (*Publisher)(nil)

// NewPublisher constructs a Temporal-backed task publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	name := opts.WorkflowName
	if name == "" {
		name = DefaultWorkflowName
	}
	return &Publisher{c: opts.Client, queue: queue, workflow: name}, nil
}

// Publish starts the task workflow. The workflow ID is derived from the run
// ID so re-publishing a run that is still executing is a no-op.
func (p *Publisher) Publish(ctx context.Context, t *dispatch.Task) error {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(t.RunID),
		TaskQueue: p.queue,
	}
	if _, err := p.c.ExecuteWorkflow(ctx, opts, p.workflow, t); err != nil {
		return fmt.Errorf("temporal start task workflow for run %q: %w: %w", t.RunID, dispatch.ErrUnavailable, err)
	}
	return nil
}

// WorkflowID derives the workflow identifier for a run.
func WorkflowID(runID string) string {
	return "task:" + runID
}

// WorkerOptions configures a task worker.
type WorkerOptions struct {
	// Client is the Temporal client. Required.
	Client client.Client
	// TaskQueue must match the publisher queue. Defaults to DefaultTaskQueue.
	TaskQueue string
	// WorkflowName must match the publisher workflow name. Defaults to
	// DefaultWorkflowName.
	WorkflowName string
	// Handler executes dispatched tasks. Required.
	Handler TaskHandler
	// ActivityTimeout bounds a single handler attempt. Defaults to 10
	// minutes.
	ActivityTimeout time.Duration
	// MaxAttempts caps handler retries. Defaults to 3.
	MaxAttempts int32
}

// NewWorker builds a Temporal worker that executes dispatched tasks with the
// given handler. Callers run it with worker.Run or Start/Stop.
func NewWorker(opts WorkerOptions) (worker.Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("task handler is required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	name := opts.WorkflowName
	if name == "" {
		name = DefaultWorkflowName
	}
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	w := worker.New(opts.Client, queue, worker.Options{})
	w.RegisterWorkflowWithOptions(
		taskWorkflow(timeout, attempts),
		workflow.RegisterOptions{Name: name},
	)
	w.RegisterActivityWithOptions(
		func(ctx context.Context, t *dispatch.Task) error { return opts.Handler(ctx, t) },
		activity.RegisterOptions{Name: taskActivityName},
	)
	return w, nil
}

// taskWorkflow returns the workflow function that runs the task handler as a
// single activity with the configured retry policy.
func taskWorkflow(timeout time.Duration, attempts int32) func(workflow.Context, *dispatch.Task) error {
	return func(ctx workflow.Context, t *dispatch.Task) error {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: timeout,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: attempts,
			},
		})
		return workflow.ExecuteActivity(ctx, taskActivityName, t).Get(ctx, nil)
	}
}
