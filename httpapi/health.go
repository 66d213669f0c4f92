package httpapi

import (
	"github.com/labstack/echo/v4"
	"goa.design/clue/health"
)

// RegisterHealth mounts the health endpoints. /healthz reports the status of
// every registered dependency and returns 503 when any is down; /livez only
// reports that the process serves requests.
func RegisterHealth(e *echo.Echo, pingers ...health.Pinger) {
	e.GET("/healthz", echo.WrapHandler(health.Handler(health.NewChecker(pingers...))))
	e.GET("/livez", echo.WrapHandler(health.Handler(health.NewChecker())))
}
