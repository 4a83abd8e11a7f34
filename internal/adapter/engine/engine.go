// Package engine defines the pluggable execution engine that performs the
// reasoning inside one execution step, plus the registry that selects a
// backend from a RunSpec.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// OutcomeKind is what an engine asks for at the end of a step.
type OutcomeKind string

const (
	OutcomeToolRequest OutcomeKind = "tool_request"
	OutcomeProposal    OutcomeKind = "proposal"
	OutcomeComplete    OutcomeKind = "complete"
	OutcomeFail        OutcomeKind = "fail"
)

// ToolRequest asks the coordinator to run a tool or risky action.
type ToolRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Output is an artifact produced by the engine on completion.
type Output struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

// Outcome is the result of one engine step. Tokens is what the step consumed.
type Outcome struct {
	Kind        OutcomeKind               `json:"kind"`
	Tokens      int64                     `json:"tokens"`
	ToolRequest *ToolRequest              `json:"tool_request,omitempty"`
	Proposal    *domain.ChangesetProposal `json:"proposal,omitempty"`
	Outputs     []Output                  `json:"outputs,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
}

// Engine advances a run by one step. The run is a snapshot; engines must not
// retain or mutate it. Resumption after an interrupt is engine-defined: the
// pending interrupt, with any operator decision, is on the snapshot.
type Engine interface {
	Step(ctx context.Context, run domain.Run, usage domain.Usage) (Outcome, error)
}

// Registry maps adapter identifiers to engine backends and the engine
// identifiers each backend serves.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]registration
}

type registration struct {
	engine  Engine
	engines map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]registration)}
}

// Register binds adapter to e. With no engine ids, the adapter accepts any.
func (r *Registry) Register(adapter string, e Engine, engines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := registration{engine: e}
	if len(engines) > 0 {
		reg.engines = make(map[string]bool, len(engines))
		for _, id := range engines {
			reg.engines[id] = true
		}
	}
	r.adapters[adapter] = reg
}

// Resolve returns the backend for a RunSpec.
func (r *Registry) Resolve(spec domain.RunSpec) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[spec.Adapter]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", spec.Adapter)
	}
	if reg.engines != nil && !reg.engines[spec.Execution.Engine] {
		return nil, fmt.Errorf("adapter %q does not serve engine %q", spec.Adapter, spec.Execution.Engine)
	}
	return reg.engine, nil
}

// Adapters lists registered adapter identifiers.
func (r *Registry) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
