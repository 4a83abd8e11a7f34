package domain

import "encoding/json"

// AuditEvent is an append-only audit record. RunID is empty when the event
// is not tied to a run.
type AuditEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	RunID      string          `json:"run_id,omitempty"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReasonCode string          `json:"reason_code,omitempty"`
	Ts         int64           `json:"ts"` // Unix milliseconds
}
