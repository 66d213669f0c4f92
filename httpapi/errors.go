package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"goa.design/threads/coordinator"
	"goa.design/threads/eventlog"
	"goa.design/threads/run"
	"goa.design/threads/stream"
	"goa.design/threads/thread"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders a domain error as an HTTP response. Server-side
// failures are logged, client errors are not.
func writeError(c echo.Context, err error) error {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorf(c.Request().Context(), err, "%s %s failed", c.Request().Method, c.Path())
	}
	return c.JSON(status, errorResponse{Code: code, Message: err.Error()})
}

// classify maps domain sentinels to an HTTP status and a stable error code.
// Dispatch failures are matched before store availability because the
// coordinator wraps both sentinels into the same chain.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, thread.ErrNotFound),
		errors.Is(err, run.ErrNotFound),
		errors.Is(err, eventlog.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, run.ErrRunInProgress):
		return http.StatusConflict, "conflict"
	case errors.Is(err, eventlog.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, coordinator.ErrDispatchFailed):
		return http.StatusInternalServerError, "dispatch_failed"
	case errors.Is(err, stream.ErrSessionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "session_timeout"
	case errors.Is(err, thread.ErrUnavailable),
		errors.Is(err, run.ErrUnavailable),
		errors.Is(err, eventlog.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
