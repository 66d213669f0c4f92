// Package middleware provides reusable dispatch.Publisher middlewares such as
// publish rate limiting.
package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"goa.design/threads/dispatch"
)

type (
	// PublishLimiter applies a token bucket on top of a dispatch.Publisher.
	// It blocks callers until capacity is available, bounding the rate at
	// which runs reach the worker pool.
	//
	// The limiter is process-local and designed to sit at the dispatch
	// channel boundary. Callers construct a single instance per process and
	// wrap the underlying dispatch.Publisher with Middleware before passing
	// it to the coordinator.
	PublishLimiter struct {
		limiter *rate.Limiter
	}

	limitedPublisher struct {
		next    dispatch.Publisher
		limiter *PublishLimiter
	}
)

// NewPublishLimiter constructs a PublishLimiter allowing perSecond publishes
// with the given burst.
//
// perSecond is expressed in publishes per second. When burst is zero or
// negative, it is clamped to the per-second rate so a quiet limiter admits up
// to one second of traffic at once.
func NewPublishLimiter(perSecond float64, burst int) *PublishLimiter {
	if perSecond <= 0 {
		// Default to a conservative budget when callers do not provide one.
		perSecond = 100
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &PublishLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Middleware returns a dispatch.Publisher middleware that enforces the
// publish rate limit.
func (l *PublishLimiter) Middleware() func(dispatch.Publisher) dispatch.Publisher {
	return func(next dispatch.Publisher) dispatch.Publisher {
		if next == nil {
			return nil
		}
		return &limitedPublisher{
			next:    next,
			limiter: l,
		}
	}
}

// Publish enforces the limiter before delegating to the underlying publisher.
func (p *limitedPublisher) Publish(ctx context.Context, t *dispatch.Task) error {
	if err := p.limiter.wait(ctx); err != nil {
		return err
	}
	return p.next.Publish(ctx, t)
}

func (l *PublishLimiter) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

var _ dispatch.Publisher = (*limitedPublisher)(nil)
