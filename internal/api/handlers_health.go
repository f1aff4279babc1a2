// handlers_health.go - Health check and shutdown handlers
package api

import (
	"crypto/subtle"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	deps *Dependencies
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(deps *Dependencies) *HealthHandlerImpl {
	return &HealthHandlerImpl{deps: deps}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  h.deps.Version,
		"sessions": h.deps.Sessions.Count(),
	})
}

// HandleShutdown stops the process. Only loopback callers holding the
// per-process token get through; everything else is answered with an
// empty 204 so port scanners learn nothing.
func (h *HealthHandlerImpl) HandleShutdown(c echo.Context) error {
	if !isLoopback(c.Request().RemoteAddr) {
		return c.NoContent(http.StatusNoContent)
	}

	token := c.FormValue("token")
	if token == "" {
		token = c.Request().Header.Get("X-Shutdown-Token")
	}
	if h.deps.ShutdownToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.deps.ShutdownToken)) != 1 {
		return c.NoContent(http.StatusNoContent)
	}

	h.deps.Logger.Info("shutdown requested")
	if h.deps.RequestShutdown != nil {
		go h.deps.RequestShutdown()
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "shutting down"})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
