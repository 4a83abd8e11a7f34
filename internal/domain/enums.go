// Package domain defines the core domain models for the control plane.
package domain

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusPendingApproval RunStatus = "pending_approval"
	RunStatusApproved        RunStatus = "approved"
	RunStatusClaimed         RunStatus = "claimed"
	RunStatusExecuting       RunStatus = "executing"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusDenied          RunStatus = "denied"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusDenied:
		return true
	}
	return false
}

// ChangesetStatus represents the status of a changeset.
type ChangesetStatus string

const (
	ChangesetStatusProposed     ChangesetStatus = "proposed"
	ChangesetStatusApproved     ChangesetStatus = "approved"
	ChangesetStatusDenied       ChangesetStatus = "denied"
	ChangesetStatusApplying     ChangesetStatus = "applying"
	ChangesetStatusApplied      ChangesetStatus = "applied"
	ChangesetStatusFailed       ChangesetStatus = "failed"
	ChangesetStatusDeadLettered ChangesetStatus = "dead_lettered"
)

// IsTerminal reports whether the changeset has reached its single terminal status.
func (s ChangesetStatus) IsTerminal() bool {
	switch s {
	case ChangesetStatusApplied, ChangesetStatusDenied, ChangesetStatusDeadLettered:
		return true
	}
	return false
}

// EventType represents the type of an audit event.
type EventType string

const (
	// Run lifecycle
	EventTypeRunCreated           EventType = "run_created"
	EventTypeRunApproved          EventType = "run_approved"
	EventTypeRunClaimed           EventType = "run_claimed"
	EventTypeRunExecutionStarted  EventType = "run_execution_started"
	EventTypeRunStepCompleted     EventType = "run_step_completed"
	EventTypeRunInterrupted       EventType = "run_interrupted"
	EventTypeInterruptResolved    EventType = "interrupt_resolved"
	EventTypeRunCompleted         EventType = "run_completed"
	EventTypeRunFailed            EventType = "run_failed"
	EventTypeToolCallAuthorized   EventType = "tool_call_authorized"
	EventTypeArtifactStored       EventType = "artifact_stored"
	EventTypeExecuteLeaseRejected EventType = "execute_lease_rejected"

	// Changesets
	EventTypeChangesetProposed       EventType = "changeset_proposed"
	EventTypeChangesetApproved       EventType = "changeset_approved"
	EventTypeChangesetDenied         EventType = "changeset_denied"
	EventTypeChangesetApplying       EventType = "changeset_applying"
	EventTypeChangesetRetryScheduled EventType = "changeset_retry_scheduled"
	EventTypeChangesetApplied        EventType = "changeset_applied"
	EventTypeChangesetNoopIdempotent EventType = "changeset_noop_idempotent"
	EventTypeChangesetDeadLettered   EventType = "changeset_dead_lettered"
	EventTypeChangesetApplyCancelled EventType = "changeset_apply_cancelled"
	EventTypeChangesetRedriven       EventType = "changeset_redriven"
	EventTypeChangesetWrite          EventType = "changeset_write"
	EventTypeChangesetOrphaned       EventType = "changeset_orphaned"
	EventTypePolicyDecision          EventType = "policy_decision"

	// External signals
	EventTypeWebhookReceived EventType = "webhook_received"
	EventTypeReportGenerated EventType = "report_generated"
)

// Reason codes are stable identifiers surfaced on denials and failures.
const (
	ReasonRepoNotAllowlisted      = "repo_not_allowlisted"
	ReasonOperationDenied         = "operation_denied"
	ReasonScopeViolation          = "scope_violation"
	ReasonRetryBudgetExhausted    = "retry_budget_exhausted"
	ReasonPermanentWriteError     = "permanent_write_error"
	ReasonIdempotencyKeyMismatch  = "idempotency_key_mismatch"
	ReasonBudgetExhausted         = "budget_exhausted"
	ReasonToolNotAllowlisted      = "tool_not_allowlisted"
	ReasonEngineFailed            = "engine_failed"
	ReasonCompletedWithoutOutputs = "completed_without_artifacts"
	ReasonInvalidProposal         = "invalid_proposal"
	ReasonApplyInterrupted        = "apply_interrupted"
)

// Write outcomes tag changeset_write events and metrics.
const (
	WriteOutcomeApplied          = "applied"
	WriteOutcomeRetryableFailure = "retryable_failure"
	WriteOutcomePermanentFailure = "permanent_failure"
	WriteOutcomeNoopIdempotent   = "noop_idempotent"
)

// InterruptDecision records how an operator resolved an interrupt.
type InterruptDecision string

const (
	InterruptPending  InterruptDecision = ""
	InterruptApproved InterruptDecision = "approved"
	InterruptRejected InterruptDecision = "rejected"
)
