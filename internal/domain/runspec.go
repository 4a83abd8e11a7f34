package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// RunSpecSchemaV1 is the only RunSpec schema version accepted at Create.
const RunSpecSchemaV1 = "agent_run_spec/v1"

// RunSpec is the immutable description of a run supplied at creation.
type RunSpec struct {
	SchemaVersion    string              `json:"schema_version"`
	RunID            string              `json:"run_id"`
	Goal             string              `json:"goal"`
	Inputs           RunInputs           `json:"inputs"`
	Execution        ExecutionDescriptor `json:"execution"`
	Intent           string              `json:"intent"`
	RequiresApproval bool                `json:"requires_approval"`
	Adapter          string              `json:"adapter"`
}

// RunInputs carries the context reference and the structured diff of proposed changes.
type RunInputs struct {
	ContextRef string      `json:"context_ref,omitempty"`
	Diff       []Operation `json:"diff,omitempty"`
}

// ExecutionDescriptor selects the graph to run and bounds it.
type ExecutionDescriptor struct {
	Engine                string   `json:"engine"`
	GraphID               string   `json:"graph_id"`
	ThreadID              string   `json:"thread_id,omitempty"`
	Budget                Budget   `json:"budget"`
	Tools                 []string `json:"tools,omitempty"`
	Scope                 Scope    `json:"scope"`
	AllowExpensiveActions bool     `json:"allow_expensive_actions,omitempty"`
}

// Budget limits one run across all of its execution steps.
type Budget struct {
	MaxTotalTokens      int64 `json:"max_total_tokens"`
	MaxToolCalls        int   `json:"max_tool_calls"`
	MaxWallClockSeconds int64 `json:"max_wall_clock_seconds"`
}

// MaxWallClockSeconds caps a run's wall-clock budget at 30 days.
const MaxWallClockSeconds = 30 * 24 * 60 * 60

// WallClockLimitMs is the wall-clock budget in milliseconds. It saturates
// rather than overflowing for budgets that were never validated.
func (b Budget) WallClockLimitMs() int64 {
	if b.MaxWallClockSeconds > math.MaxInt64/1000 {
		return math.MaxInt64
	}
	return b.MaxWallClockSeconds * 1000
}

// Scope is the declared reach of a run against the tracker.
type Scope struct {
	Repo   string   `json:"repo"`
	Scopes []string `json:"scopes,omitempty"`
}

// DecodeRunSpec strictly decodes a RunSpec; unknown fields are rejected.
func DecodeRunSpec(data []byte) (RunSpec, error) {
	var spec RunSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		issues := &ValidationError{}
		issues.Add(fmt.Sprintf("decode run spec: %v", err))
		return RunSpec{}, issues
	}
	return spec, nil
}

// Validate checks the structural requirements of a RunSpec. Whether the
// engine and adapter are known is checked against the engine registry.
func (s RunSpec) Validate() error {
	issues := &ValidationError{}

	if strings.TrimSpace(s.SchemaVersion) != RunSpecSchemaV1 {
		issues.Add(fmt.Sprintf("schema_version must be %q", RunSpecSchemaV1))
	}
	if strings.TrimSpace(s.RunID) == "" {
		issues.Add("run_id is required")
	}
	if strings.TrimSpace(s.Goal) == "" {
		issues.Add("goal is required")
	}
	if strings.TrimSpace(s.Adapter) == "" {
		issues.Add("adapter is required")
	}
	if strings.TrimSpace(s.Execution.Engine) == "" {
		issues.Add("execution.engine is required")
	}
	if strings.TrimSpace(s.Execution.GraphID) == "" {
		issues.Add("execution.graph_id is required")
	}
	if strings.TrimSpace(s.Execution.Scope.Repo) == "" {
		issues.Add("execution.scope.repo is required")
	}

	budget := s.Execution.Budget
	if budget.MaxTotalTokens <= 0 {
		issues.Add("execution.budget.max_total_tokens must be positive")
	}
	if budget.MaxToolCalls <= 0 {
		issues.Add("execution.budget.max_tool_calls must be positive")
	}
	if budget.MaxWallClockSeconds <= 0 {
		issues.Add("execution.budget.max_wall_clock_seconds must be positive")
	} else if budget.MaxWallClockSeconds > MaxWallClockSeconds {
		issues.Add(fmt.Sprintf("execution.budget.max_wall_clock_seconds must be at most %d", MaxWallClockSeconds))
	}

	for i, tool := range s.Execution.Tools {
		if strings.TrimSpace(tool) == "" {
			issues.Add(fmt.Sprintf("execution.tools[%d] is empty", i))
		}
	}
	for i, op := range s.Inputs.Diff {
		if err := op.Validate(); err != nil {
			issues.Add(fmt.Sprintf("inputs.diff[%d]: %s", i, err.Error()))
		}
	}

	return issues.OrNil()
}

// AllowsTool reports whether the tool is on the run's allow-list.
func (s RunSpec) AllowsTool(name string) bool {
	for _, tool := range s.Execution.Tools {
		if tool == name {
			return true
		}
	}
	return false
}
