// Package httpapi binds the coordinator service and the stream session
// manager to the HTTP surface of the agent gateway.
//
// Routes:
//
//	POST /agent/threads/initiate                 create a thread
//	GET  /agent/threads/:thread_id               read a thread record
//	POST /agent/threads/:thread_id/execute       dispatch a task, returns the pending run
//	GET  /agent/threads/:thread_id/stream        tail the event log (server-sent events)
//	GET  /agent/threads/:thread_id/runs          list recent runs, newest first
//	GET  /agent/threads/:thread_id/runs/:run_id  read one run
//
// Domain sentinels map to statuses: not found 404, conflict 409, invalid
// cursor 400, dispatch failure 500, store unavailable 503. A stream that
// times out before its first byte gets 408; after the first byte the failure
// travels in-band as a final error frame.
package httpapi

import (
	"errors"

	"github.com/labstack/echo/v4"

	"goa.design/threads/coordinator"
	"goa.design/threads/stream"
)

type (
	// Options configures a Handler.
	Options struct {
		// Coordinator executes thread and run operations. Required.
		Coordinator *coordinator.Service
		// Streams opens stream sessions over the event log. Required.
		Streams *stream.Manager
	}

	// Handler serves the agent thread routes.
	Handler struct {
		svc     *coordinator.Service
		streams *stream.Manager
	}
)

// New validates the options and creates the handler.
func New(opts Options) (*Handler, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("httpapi: coordinator is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("httpapi: stream manager is required")
	}
	return &Handler{svc: opts.Coordinator, streams: opts.Streams}, nil
}

// RegisterRoutes registers the agent thread routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/agent/threads/initiate", h.InitiateThread)
	e.GET("/agent/threads/:thread_id", h.GetThread)
	e.POST("/agent/threads/:thread_id/execute", h.ExecuteTask)
	e.GET("/agent/threads/:thread_id/stream", h.StreamThread)
	e.GET("/agent/threads/:thread_id/runs", h.ListRuns)
	e.GET("/agent/threads/:thread_id/runs/:run_id", h.GetRun)
}
