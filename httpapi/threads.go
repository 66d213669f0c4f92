package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"goa.design/threads/thread"
)

type (
	// initiateRequest is the body of POST /agent/threads/initiate. Both maps
	// are opaque and stored as given.
	initiateRequest struct {
		Metadata map[string]any `json:"metadata,omitempty"`
		Context  map[string]any `json:"context,omitempty"`
	}

	// initiateResponse carries the identifiers the client needs to execute
	// tasks and tail the stream.
	initiateResponse struct {
		ThreadID  string        `json:"thread_id"`
		Status    thread.Status `json:"status"`
		CreatedAt time.Time     `json:"created_at"`
		ExpiresAt time.Time     `json:"expires_at"`
	}

	// threadResponse is the full thread record.
	threadResponse struct {
		ThreadID  string         `json:"thread_id"`
		Status    thread.Status  `json:"status"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Context   map[string]any `json:"context,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
		ExpiresAt time.Time      `json:"expires_at"`
	}
)

// InitiateThread creates a new active thread.
// POST /agent/threads/initiate
func (h *Handler) InitiateThread(c echo.Context) error {
	ctx := c.Request().Context()

	var req initiateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "invalid request body"})
	}

	t, err := h.svc.CreateThread(ctx, req.Metadata, req.Context)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, initiateResponse{
		ThreadID:  t.ID,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
}

// GetThread returns the thread record.
// GET /agent/threads/:thread_id
func (h *Handler) GetThread(c echo.Context) error {
	t, err := h.svc.GetThread(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, threadResponse{
		ThreadID:  t.ID,
		Status:    t.Status,
		Metadata:  t.Metadata,
		Context:   t.Context,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
}
