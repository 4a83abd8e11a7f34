package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

const maxBodyBytes = 1 << 20

// CreateRun handles POST /v1/runs. The body is a RunSpec plus an optional
// created_by field.
func (h *Handler) CreateRun(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return httperr.BadRequest(c, "failed to read request body")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	var createdBy string
	if v, ok := raw["created_by"]; ok {
		if err := json.Unmarshal(v, &createdBy); err != nil {
			return httperr.BadRequest(c, "created_by must be a string")
		}
		delete(raw, "created_by")
	}
	specJSON, err := json.Marshal(raw)
	if err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	spec, err := domain.DecodeRunSpec(specJSON)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}

	run, err := h.service.CreateRun(c.Request().Context(), spec, createdBy)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusCreated, domain.CreateRunResponse{RunID: run.RunID, Status: run.Status})
}

// ApproveRun handles POST /v1/runs/:run_id/approve.
func (h *Handler) ApproveRun(c echo.Context) error {
	var req domain.ApproveRunRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	run, err := h.service.ApproveRun(c.Request().Context(), c.Param("run_id"), req.ApprovedBy)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, domain.CreateRunResponse{RunID: run.RunID, Status: run.Status})
}

// GetRun handles GET /v1/runs/:run_id.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, domain.NewRunView(run, h.service.Now()))
}

// ListRuns handles GET /v1/runs?status=&limit=.
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}

	runs, err := h.service.ListRuns(c.Request().Context(), domain.RunStatus(c.QueryParam("status")), limit)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	now := h.service.Now()
	views := make([]domain.RunView, 0, len(runs))
	for i := range runs {
		views = append(views, domain.NewRunView(&runs[i], now))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": views})
}

// GetRunEvents handles GET /v1/runs/:run_id/events?type=&after_seq=&limit=.
// type may be repeated or comma separated.
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	if _, err := h.service.GetRun(c.Request().Context(), runID); err != nil {
		return httperr.Respond(c, err, nil)
	}

	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}

	events, err := h.service.ListEvents(c.Request().Context(), runID, afterSeq, eventTypes(c), limit)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"events": events,
	})
}

// ResolveInterrupt handles POST /v1/runs/:run_id/interrupts/resolve.
func (h *Handler) ResolveInterrupt(c echo.Context) error {
	var req domain.ResolveInterruptRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	run, err := h.service.ResolveInterrupt(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusOK, domain.NewRunView(run, h.service.Now()))
}

// SubmitReport handles POST /v1/runs/:run_id/reports.
func (h *Handler) SubmitReport(c echo.Context) error {
	var req domain.ReportRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	ref, err := h.service.RecordReport(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}
	return c.JSON(http.StatusCreated, ref)
}

func eventTypes(c echo.Context) []string {
	var types []string
	for _, v := range c.QueryParams()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	return types
}
