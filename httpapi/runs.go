package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"goa.design/threads/run"
)

type (
	// executeRequest is the body of POST /agent/threads/:thread_id/execute.
	executeRequest struct {
		Task       string         `json:"task"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	// runResponse is the wire form of a run record.
	runResponse struct {
		RunID           string     `json:"run_id"`
		ThreadID        string     `json:"thread_id"`
		Task            string     `json:"task"`
		Status          run.Status `json:"status"`
		Error           string     `json:"error,omitempty"`
		CreatedAt       time.Time  `json:"created_at"`
		StartedAt       *time.Time `json:"started_at,omitempty"`
		CompletedAt     *time.Time `json:"completed_at,omitempty"`
		TerminalEventID string     `json:"terminal_event_id,omitempty"`
	}

	runsResponse struct {
		Runs []runResponse `json:"runs"`
	}
)

func toRunResponse(r *run.Run) runResponse {
	return runResponse{
		RunID:           r.ID,
		ThreadID:        r.ThreadID,
		Task:            r.Task,
		Status:          r.Status,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		TerminalEventID: r.TerminalEventID,
	}
}

// ExecuteTask accepts a task for asynchronous execution within the thread
// and returns the pending run. Execution progress is observed through the
// stream route, never through this response.
// POST /agent/threads/:thread_id/execute
func (h *Handler) ExecuteTask(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "invalid request body"})
	}
	if req.Task == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "task is required"})
	}

	r, err := h.svc.Execute(ctx, threadID, req.Task, req.Parameters)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRunResponse(r))
}

// ListRuns returns the thread's most recent runs, newest first.
// GET /agent/threads/:thread_id/runs?limit=
func (h *Handler) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "limit must be a non-negative integer"})
		}
		limit = v
	}

	runs, err := h.svc.ListRuns(ctx, threadID, limit)
	if err != nil {
		return writeError(c, err)
	}
	resp := runsResponse{Runs: make([]runResponse, len(runs))}
	for i, r := range runs {
		resp.Runs[i] = toRunResponse(r)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRun returns one run record.
// GET /agent/threads/:thread_id/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	r, err := h.svc.GetRun(c.Request().Context(), c.Param("thread_id"), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRunResponse(r))
}
