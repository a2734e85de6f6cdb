package statemanager

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes adds state endpoints to an Echo group
func (m *Manager) RegisterRoutes(g *echo.Group) {
	g.GET("/state", m.handleListOperations)
	g.GET("/state/:id", m.handleGetOperation)
	g.GET("/state/stats", m.handleGetStats)
	g.GET("/state/health", m.handleGetHealth)
}

// handleListOperations returns all tracked operations
func (m *Manager) handleListOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, m.ListOperations())
}

// handleGetOperation returns a specific operation by ID
func (m *Manager) handleGetOperation(c echo.Context) error {
	id := c.Param("id")
	op := m.GetOperation(id)
	if op == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "operation not found",
		})
	}
	return c.JSON(http.StatusOK, op)
}

// handleGetStats returns aggregated statistics
func (m *Manager) handleGetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, m.GetStats())
}

// handleGetHealth returns the trailing-hour health report: error counts per
// category, average execution time, rate-limited count, and stuck-row
// count. Accepts an optional "window" query param in minutes, default 60.
func (m *Manager) handleGetHealth(c echo.Context) error {
	window := time.Hour
	if raw := c.QueryParam("window"); raw != "" {
		if minutes, err := time.ParseDuration(raw + "m"); err == nil {
			window = minutes
		}
	}
	since := time.Now().Add(-window)
	return c.JSON(http.StatusOK, m.HealthSince(c.Request().Context(), since))
}
