// Package tools holds the server-side actions the coordinator runs once a
// tool request has passed the allow-list and interrupt gates.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds one tool execution when a Tool sets none.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when a tool outlives its timeout.
var ErrTimeout = errors.New("tool call timed out")

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool is one registered action.
type Tool struct {
	Name    string
	Timeout time.Duration
	Run     ExecutorFunc
}

// ExecError wraps a failed execution with the tool name.
type ExecError struct {
	Tool string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Registry stores tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// DefaultRegistry carries the builtin actions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Add registers t. Names are unique.
func (r *Registry) Add(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("executor is required")
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("executor already registered for %s", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Register adds an executor with the default timeout.
func (r *Registry) Register(name string, exec ExecutorFunc) error {
	return r.Add(Tool{Name: name, Run: exec})
}

// Execute runs the named tool under its timeout. The output is always valid
// JSON; a tool returning anything else fails. Failures are *ExecError.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ExecError{Tool: name, Err: errors.New("no executor registered")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	out, err := t.Run(callCtx, args)
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, &ExecError{Tool: name, Err: fmt.Errorf("%w after %s", ErrTimeout, t.Timeout)}
	case err != nil:
		return nil, &ExecError{Tool: name, Err: err}
	case len(out) == 0:
		return json.RawMessage("null"), nil
	case !json.Valid(out):
		return nil, &ExecError{Tool: name, Err: errors.New("tool returned invalid JSON")}
	}
	return out, nil
}

// Names lists registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MustAdd registers t on the default registry or panics.
func MustAdd(t Tool) {
	if err := DefaultRegistry.Add(t); err != nil {
		panic(err)
	}
}
