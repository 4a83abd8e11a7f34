package domain

import (
	"encoding/json"
	"time"
)

// Run is the mutable state of one run. The scheduler owns it exclusively.
type Run struct {
	RunID            string        `json:"run_id"`
	Spec             RunSpec       `json:"spec"`
	Status           RunStatus     `json:"status"`
	CreatedBy        string        `json:"created_by"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	Lease            *Lease        `json:"lease,omitempty"`
	Attempt          int           `json:"attempt"`
	Usage            Usage         `json:"usage"`
	PendingInterrupt *Interrupt    `json:"pending_interrupt,omitempty"`
	LastToolResult   *ToolResult   `json:"last_tool_result,omitempty"`
	Artifacts        []ArtifactRef `json:"artifacts"`
	ReasonCode       string        `json:"reason_code,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	// InterruptVersion increases on every write of PendingInterrupt.
	InterruptVersion int64 `json:"-"`
}

// Lease is a worker's time-bounded exclusive right to advance a run.
type Lease struct {
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidAt reports whether the lease is still held at now.
func (l *Lease) ValidAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// ActiveLease returns the lease if it has not expired, nil otherwise.
// Every reader goes through this; an expired lease is treated as absent.
func (r *Run) ActiveLease(now time.Time) *Lease {
	if r.Lease.ValidAt(now) {
		return r.Lease
	}
	return nil
}

// Usage is the accumulated consumption of a run across steps.
type Usage struct {
	Tokens      int64 `json:"tokens"`
	ToolCalls   int   `json:"tool_calls"`
	WallClockMs int64 `json:"wall_clock_ms"`
}

// Exceeds reports whether any component of u is over the budget.
func (u Usage) Exceeds(b Budget) bool {
	return u.Tokens > b.MaxTotalTokens ||
		u.ToolCalls > b.MaxToolCalls ||
		u.WallClockMs > b.WallClockLimitMs()
}

// Interrupt marks a run suspended on an expensive or risky action.
type Interrupt struct {
	Action    string            `json:"action"`
	Args      json.RawMessage   `json:"args,omitempty"`
	RaisedAt  time.Time         `json:"raised_at"`
	Decision  InterruptDecision `json:"decision,omitempty"`
	DecidedBy string            `json:"decided_by,omitempty"`
}

// ToolResult is the output of the last tool executed for a run.
type ToolResult struct {
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Artifact kinds.
const (
	ArtifactKindChangesetBundle = "changeset_bundle"
	ArtifactKindEngineOutput    = "engine_output"
	ArtifactKindReport          = "report"
)

// ArtifactRef points at an artifact payload held in the artifact store.
type ArtifactRef struct {
	URI  string `json:"uri"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}
