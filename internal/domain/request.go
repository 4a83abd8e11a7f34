package domain

import (
	"encoding/json"
	"time"
)

// CreateRunResponse is returned by create-run.
type CreateRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// ApproveRunRequest approves a run pending approval.
type ApproveRunRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// ClaimRequest asks for up to Limit runs leased for LeaseSeconds.
type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	Limit        int    `json:"limit"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// ClaimResponse lists the run ids awarded to the worker.
type ClaimResponse struct {
	RunIDs []string `json:"run_ids"`
}

// ExecuteRequest advances a run by one step.
type ExecuteRequest struct {
	WorkerID string `json:"worker_id"`
}

// ResolveInterruptRequest carries an operator decision on a pending interrupt.
type ResolveInterruptRequest struct {
	DecidedBy string `json:"decided_by"`
	Decision  string `json:"decision"` // approve or reject
}

// WebhookRequest is an external event correlated by run id.
type WebhookRequest struct {
	RunID   string          `json:"run_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReportRequest submits a generated report for a run.
type ReportRequest struct {
	Name    string          `json:"name"`
	Summary string          `json:"summary,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// ApproveChangesetRequest approves a proposed changeset.
type ApproveChangesetRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// RedriveChangesetRequest re-proposes a dead-lettered changeset.
type RedriveChangesetRequest struct {
	RequestedBy string `json:"requested_by"`
}

// RunView is the API representation of a run. Expired leases are omitted.
type RunView struct {
	RunID            string        `json:"run_id"`
	Status           RunStatus     `json:"status"`
	CreatedBy        string        `json:"created_by"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	Lease            *Lease        `json:"lease"`
	Attempt          int           `json:"attempt"`
	Usage            Usage         `json:"usage"`
	PendingInterrupt *Interrupt    `json:"pending_interrupt,omitempty"`
	Artifacts        []ArtifactRef `json:"artifacts"`
	ReasonCode       string        `json:"reason_code,omitempty"`
	CreatedAt        int64         `json:"created_at"`
	UpdatedAt        int64         `json:"updated_at"`
}

// NewRunView builds the view of run as observed at now.
func NewRunView(run *Run, now time.Time) RunView {
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = []ArtifactRef{}
	}
	return RunView{
		RunID:            run.RunID,
		Status:           run.Status,
		CreatedBy:        run.CreatedBy,
		ApprovedBy:       run.ApprovedBy,
		Lease:            run.ActiveLease(now),
		Attempt:          run.Attempt,
		Usage:            run.Usage,
		PendingInterrupt: run.PendingInterrupt,
		Artifacts:        artifacts,
		ReasonCode:       run.ReasonCode,
		CreatedAt:        run.CreatedAt.UnixMilli(),
		UpdatedAt:        run.UpdatedAt.UnixMilli(),
	}
}
