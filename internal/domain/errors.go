package domain

import (
	"fmt"
	"strings"
)

// ValidationError aggregates validation issues with a RunSpec or changeset.
// The caller is at fault; it is never retried.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

// Add appends a non-empty issue.
func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// OrNil returns nil when no issues were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// InvalidStateError reports an operation attempted from the wrong lifecycle state.
type InvalidStateError struct {
	Entity    string
	ID        string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Operation, e.Entity, e.ID, e.State)
}

// Lease error reasons.
const (
	LeaseReasonMissing = "no_lease"
	LeaseReasonExpired = "expired"
	LeaseReasonForeign = "foreign"
)

// LeaseError reports a missing, expired or foreign lease. Callers should re-claim.
type LeaseError struct {
	RunID    string
	WorkerID string
	Reason   string
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("worker %s holds no valid lease on run %s (%s)", e.WorkerID, e.RunID, e.Reason)
}

// PolicyDeniedError is a deterministic policy denial.
type PolicyDeniedError struct {
	ReasonCode string
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.ReasonCode
}

// TransientWriteError is a retryable tracker failure (network, rate limit).
type TransientWriteError struct {
	Err error
}

func (e *TransientWriteError) Error() string {
	return "transient write error: " + errString(e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

// PermanentWriteError is a tracker failure that must not be retried.
// Class becomes the changeset's reason code when set.
type PermanentWriteError struct {
	Class string
	Err   error
}

func (e *PermanentWriteError) Error() string {
	return "permanent write error: " + errString(e.Err)
}

func (e *PermanentWriteError) Unwrap() error { return e.Err }

// ReasonCode returns the stable reason code for this failure.
func (e *PermanentWriteError) ReasonCode() string {
	if e.Class == "" {
		return ReasonPermanentWriteError
	}
	return e.Class
}

// BudgetExhaustedError is a run-level terminal failure.
type BudgetExhaustedError struct {
	RunID string
	Usage Usage
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("run %s exhausted its budget (tokens=%d tool_calls=%d wall_clock_ms=%d)",
		e.RunID, e.Usage.Tokens, e.Usage.ToolCalls, e.Usage.WallClockMs)
}

// NotFoundError reports a missing run or changeset.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
