package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

// GetChangeset handles GET /v1/changesets/:changeset_id.
func (h *Handler) GetChangeset(c echo.Context) error {
	cs, err := h.service.GetChangeset(c.Request().Context(), c.Param("changeset_id"))
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, cs)
}

// ListChangesets handles GET /v1/runs/:run_id/changesets.
func (h *Handler) ListChangesets(c echo.Context) error {
	changesets, err := h.service.ListChangesets(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	if changesets == nil {
		changesets = []domain.Changeset{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changesets": changesets})
}

// ApproveChangeset handles POST /v1/changesets/:changeset_id/approve.
// Approval applies the changeset; a denial answers 403 with the denied
// changeset attached.
func (h *Handler) ApproveChangeset(c echo.Context) error {
	var req domain.ApproveChangesetRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	cs, err := h.service.ApproveChangeset(c.Request().Context(), c.Param("changeset_id"), req.ApprovedBy)
	if err != nil {
		if cs != nil {
			return httperr.Respond(c, err, cs)
		}
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, cs)
}

// ApplyChangeset handles POST /v1/changesets/:changeset_id/apply, resuming an
// approved changeset whose apply was cancelled.
func (h *Handler) ApplyChangeset(c echo.Context) error {
	cs, err := h.service.ApplyChangeset(c.Request().Context(), c.Param("changeset_id"))
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, cs)
}

// RedriveChangeset handles POST /v1/changesets/:changeset_id/redrive.
func (h *Handler) RedriveChangeset(c echo.Context) error {
	var req domain.RedriveChangesetRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	cs, err := h.service.RedriveChangeset(c.Request().Context(), c.Param("changeset_id"), req.RequestedBy)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusCreated, cs)
}
