// Package httperr maps control plane errors onto HTTP responses.
package httperr

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Stable error codes.
const (
	CodeValidation   = "validation_error"
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeLease        = "lease_error"
	CodeInternal     = "internal_error"
)

// Body is the JSON error envelope.
type Body struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Reason  string   `json:"reason,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	Details any      `json:"details,omitempty"`
}

// Classify returns the HTTP status and body for err.
func Classify(err error) (int, Body) {
	var (
		verr *domain.ValidationError
		perr *domain.PolicyDeniedError
		nerr *domain.NotFoundError
		serr *domain.InvalidStateError
		lerr *domain.LeaseError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, Body{Error: verr.Error(), Code: CodeValidation, Issues: verr.Issues}
	case errors.As(err, &perr):
		return http.StatusForbidden, Body{Error: perr.Error(), Code: perr.ReasonCode}
	case errors.As(err, &nerr):
		return http.StatusNotFound, Body{Error: nerr.Error(), Code: CodeNotFound}
	case errors.As(err, &serr):
		return http.StatusConflict, Body{Error: serr.Error(), Code: CodeInvalidState, Reason: serr.State}
	case errors.As(err, &lerr):
		return http.StatusConflict, Body{Error: lerr.Error(), Code: CodeLease, Reason: lerr.Reason}
	default:
		return http.StatusInternalServerError, Body{Error: err.Error(), Code: CodeInternal}
	}
}

// Respond writes err as JSON. details, when non-nil, is attached to the body.
func Respond(c echo.Context, err error, details any) error {
	status, body := Classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	body.Details = details
	return c.JSON(status, body)
}

// BadRequest writes a validation error with a single issue.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Body{Error: msg, Code: CodeValidation, Issues: []string{msg}})
}
