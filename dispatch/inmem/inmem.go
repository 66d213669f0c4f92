// Package inmem provides an in-process implementation of the dispatch
// channel. It is intended for tests and single-process deployments where the
// worker runs next to the coordinator.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/threads/dispatch"
)

// publishGrace bounds how long Publish waits for buffer room before
// reporting the queue full.
const publishGrace = 100 * time.Millisecond

// Queue is a bounded in-process dispatch channel. Subscribers compete for
// tasks; each task is delivered to exactly one of them.
type Queue struct {
	tasks chan *dispatch.Task

	mu     sync.Mutex
	closed bool
}

var (
	_ dispatch.Publisher  = (*Queue)(nil)
	_ dispatch.Subscriber = (*Queue)(nil)
)

// NewQueue creates a queue buffering up to size tasks. A non-positive size
// defaults to 64.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{tasks: make(chan *dispatch.Task, size)}
}

// Publish enqueues the task. It fails when the buffer stays full beyond a
// short grace period.
func (q *Queue) Publish(ctx context.Context, t *dispatch.Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("queue closed: %w", dispatch.ErrUnavailable)
	}
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishGrace):
		return fmt.Errorf("queue full: %w", dispatch.ErrUnavailable)
	}
}

// Subscribe returns channels delivering published tasks. Multiple
// subscribers compete; a task goes to exactly one.
func (q *Queue) Subscribe(ctx context.Context) (<-chan *dispatch.Task, <-chan error, context.CancelFunc, error) {
	out := make(chan *dispatch.Task)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-runCtx.Done():
				return
			case t, ok := <-q.tasks:
				if !ok {
					return
				}
				select {
				case out <- t:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	return out, errs, context.CancelFunc(cancel), nil
}

// Close marks the queue closed for publishing. Subscribers drain what is
// buffered and then block until canceled.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
