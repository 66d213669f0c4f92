package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"goa.design/threads/stream"
)

// StreamThread serves the thread's event log as a server-sent event stream.
// Catch-up starts after the optional last_id cursor; the connection then
// tails live appends until the session protocol closes it.
// GET /agent/threads/:thread_id/stream?last_id=
func (h *Handler) StreamThread(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	lastID := strings.TrimSpace(c.QueryParam("last_id"))

	sess, err := h.streams.Open(ctx, threadID, lastID)
	if err != nil {
		return writeError(c, err)
	}

	sink := &sseSink{resp: c.Response()}
	reason, err := sess.Serve(ctx, sink)
	if err != nil && !sink.wrote {
		// The session ended before producing a single byte, so the failure
		// can still travel as a status code instead of an in-band frame.
		return writeError(c, err)
	}
	log.Debugf(ctx, "stream closed: thread=%s reason=%s cursor=%q", threadID, reason, sess.Cursor())
	return nil
}

// sseSink writes stream frames in server-sent event format. Headers are set
// lazily on the first frame so session setup errors can still produce a JSON
// status response.
type sseSink struct {
	resp  *echo.Response
	wrote bool
}

// Send writes one frame and flushes it to the client. Persisted events carry
// their log ID on the id: line for cursor resumption; synthetic frames have
// none.
func (s *sseSink) Send(_ context.Context, f *stream.Frame) error {
	if !s.wrote {
		h := s.resp.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.resp.WriteHeader(http.StatusOK)
		s.wrote = true
	}
	if f.ID != "" {
		if _, err := fmt.Fprintf(s.resp, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.resp, "event: %s\ndata: %s\n\n", f.Name, f.Data); err != nil {
		return err
	}
	if flusher, ok := s.resp.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

var _ stream.Sink = (*sseSink)(nil)
