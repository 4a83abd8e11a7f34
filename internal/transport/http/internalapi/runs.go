package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

// Claim handles POST /internal/claims.
func (h *Handler) Claim(c echo.Context) error {
	var req domain.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	ids, err := h.service.Claim(c.Request().Context(), req.WorkerID, req.Limit, req.LeaseSeconds)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, domain.ClaimResponse{RunIDs: ids})
}

// Execute handles POST /internal/runs/:run_id/execute.
func (h *Handler) Execute(c echo.Context) error {
	var req domain.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	run, err := h.service.Execute(c.Request().Context(), c.Param("run_id"), req.WorkerID)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, domain.NewRunView(run, h.service.Now()))
}
