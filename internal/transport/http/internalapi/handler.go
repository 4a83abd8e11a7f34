// Package internalapi serves the worker API: claim, execute and the live
// audit stream. It is bound to the internal port only.
package internalapi

import (
	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/ws"
)

// Handler handles internal API requests.
type Handler struct {
	service  *service.Service
	streamer *ws.Streamer
}

// NewHandler creates a new internal API handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		service:  svc,
		streamer: ws.NewStreamer(svc, ws.DefaultConfig()),
	}
}

// RegisterRoutes registers the internal routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	internal := e.Group("/internal")
	internal.POST("/claims", h.Claim)
	internal.POST("/runs/:run_id/execute", h.Execute)
	internal.GET("/runs/:run_id/events/stream", h.streamer.Handle)
}
