package domain

import (
	"errors"
	"strings"
	"time"
)

// OperationType names a write against the tracker.
type OperationType string

const (
	OperationUpdateField OperationType = "update_field"
	OperationSetStatus   OperationType = "set_status"
	OperationAddLabel    OperationType = "add_label"
	OperationRemoveLabel OperationType = "remove_label"
	OperationAddComment  OperationType = "add_comment"
	OperationCreateIssue OperationType = "create_issue"
	OperationCloseIssue  OperationType = "close_issue"
)

var operationScopes = map[OperationType]string{
	OperationUpdateField: "issues:write",
	OperationSetStatus:   "issues:write",
	OperationCreateIssue: "issues:write",
	OperationCloseIssue:  "issues:write",
	OperationAddLabel:    "labels:write",
	OperationRemoveLabel: "labels:write",
	OperationAddComment:  "comments:write",
}

// RequiredScope returns the tracker scope an operation type needs.
func (t OperationType) RequiredScope() string {
	return operationScopes[t]
}

// Known reports whether t is a supported operation type.
func (t OperationType) Known() bool {
	_, ok := operationScopes[t]
	return ok
}

// Operation is one proposed write against the tracker.
type Operation struct {
	Type   OperationType `json:"type" cbor:"type"`
	Target string        `json:"target,omitempty" cbor:"target"`
	Field  string        `json:"field,omitempty" cbor:"field"`
	Value  any           `json:"value,omitempty" cbor:"value"`
}

// Validate checks a single operation.
func (o Operation) Validate() error {
	if !o.Type.Known() {
		return errors.New("unknown operation type " + string(o.Type))
	}
	if o.Type != OperationCreateIssue && strings.TrimSpace(o.Target) == "" {
		return errors.New("target is required")
	}
	if o.Type == OperationUpdateField && strings.TrimSpace(o.Field) == "" {
		return errors.New("field is required for update_field")
	}
	switch o.Type {
	case OperationUpdateField, OperationSetStatus, OperationAddLabel, OperationRemoveLabel, OperationAddComment, OperationCreateIssue:
		if o.Value == nil {
			return errors.New("value is required for " + string(o.Type))
		}
	}
	return nil
}

// ChangesetProposal is what an engine hands over when it wants tracker writes.
type ChangesetProposal struct {
	Operations []Operation `json:"operations"`
	Nonce      string      `json:"nonce,omitempty"`
	Scopes     []string    `json:"scopes,omitempty"`
	// TransientFailures injects that many transient write failures before
	// the tracker is contacted. Used by drills and tests.
	TransientFailures int `json:"_transient_failures,omitempty"`
}

// Changeset is a proposed set of tracker writes. The apply pipeline owns it exclusively.
type Changeset struct {
	ChangesetID       string          `json:"changeset_id"`
	RunID             string          `json:"run_id"`
	Operations        []Operation     `json:"operations"`
	Scopes            []string        `json:"scopes,omitempty"`
	Nonce             string          `json:"nonce"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Status            ChangesetStatus `json:"status"`
	RetryCount        int             `json:"retry_count"`
	ReasonCode        string          `json:"reason_code,omitempty"`
	TransientFailures int             `json:"_transient_failures,omitempty"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	RedriveOf         string          `json:"redrive_of,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	ExternalRefs      []string        `json:"external_refs,omitempty"`
	BundleURI         string          `json:"bundle_uri,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OperationTypes returns the distinct operation types in proposal order.
func (c *Changeset) OperationTypes() []OperationType {
	seen := make(map[OperationType]bool, len(c.Operations))
	var types []OperationType
	for _, op := range c.Operations {
		if seen[op.Type] {
			continue
		}
		seen[op.Type] = true
		types = append(types, op.Type)
	}
	return types
}

// RequestedScopes returns the scopes the operations need plus any explicitly requested.
func (c *Changeset) RequestedScopes() []string {
	seen := make(map[string]bool)
	var scopes []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	for _, op := range c.Operations {
		add(op.Type.RequiredScope())
	}
	for _, s := range c.Scopes {
		add(s)
	}
	return scopes
}

// ApplicationRecord proves a logical write was applied. At most one exists per key.
type ApplicationRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ChangesetID    string    `json:"changeset_id"`
	AppliedAt      time.Time `json:"applied_at"`
	ExternalRefs   []string  `json:"external_refs,omitempty"`
}
