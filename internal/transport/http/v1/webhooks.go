package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

// IngestWebhook handles POST /v1/webhooks/:source.
func (h *Handler) IngestWebhook(c echo.Context) error {
	var req domain.WebhookRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	event, err := h.service.IngestWebhook(c.Request().Context(), c.Param("source"), req)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"event_id": event.EventID,
		"seq":      event.Seq,
	})
}
