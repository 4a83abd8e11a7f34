// Package v1 serves the admission API: runs, interrupts, reports, webhooks
// and changesets.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler handles v1 API requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new v1 handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes registers the v1 routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	v1 := e.Group("/v1")

	// Runs
	v1.POST("/runs", h.CreateRun)
	v1.GET("/runs", h.ListRuns)
	v1.GET("/runs/:run_id", h.GetRun)
	v1.POST("/runs/:run_id/approve", h.ApproveRun)
	v1.GET("/runs/:run_id/events", h.GetRunEvents)
	v1.POST("/runs/:run_id/interrupts/resolve", h.ResolveInterrupt)
	v1.POST("/runs/:run_id/reports", h.SubmitReport)
	v1.GET("/runs/:run_id/changesets", h.ListChangesets)

	// Changesets
	v1.GET("/changesets/:changeset_id", h.GetChangeset)
	v1.POST("/changesets/:changeset_id/approve", h.ApproveChangeset)
	v1.POST("/changesets/:changeset_id/apply", h.ApplyChangeset)
	v1.POST("/changesets/:changeset_id/redrive", h.RedriveChangeset)

	// Webhooks
	v1.POST("/webhooks/:source", h.IngestWebhook)
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
