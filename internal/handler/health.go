// Package handler provides the admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// RelayStatus is the view of the relay reported by the status endpoint.
type RelayStatus interface {
	Addr() string
	Upstream() string
	LivePairs() int64
	Restarts() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	relay   RelayStatus
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(relay RelayStatus, v Version) *HealthHandler {
	return &HealthHandler{relay: relay, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"listen_addr":   h.relay.Addr(),
		"upstream_addr": h.relay.Upstream(),
		"live_pairs":    h.relay.LivePairs(),
		"loop_restarts": h.relay.Restarts(),
	})
}
