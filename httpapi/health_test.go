package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type stubPinger struct {
	name string
	err  error
}

func (p stubPinger) Name() string               { return p.name }
func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthEndpoints(t *testing.T) {
	t.Run("healthy dependencies", func(t *testing.T) {
		e := echo.New()
		RegisterHealth(e, stubPinger{name: "redis"}, stubPinger{name: "mongo"})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, getRequest("/healthz"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing dependency", func(t *testing.T) {
		e := echo.New()
		RegisterHealth(e, stubPinger{name: "redis", err: errors.New("connection refused")})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, getRequest("/healthz"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("liveness ignores dependencies", func(t *testing.T) {
		e := echo.New()
		RegisterHealth(e, stubPinger{name: "redis", err: errors.New("connection refused")})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, getRequest("/livez"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
