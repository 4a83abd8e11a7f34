// Package coordinator runs one bounded execution step of a run: it invokes
// the run's engine, enforces the run budget and tool gates, and turns the
// engine's outcome into a run-level result. It never applies changesets.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Proposer records a changeset proposal without applying it.
type Proposer interface {
	Propose(ctx context.Context, run *domain.Run, proposal domain.ChangesetProposal) (*domain.Changeset, domain.ArtifactRef, error)
}

// ToolExecutor runs a gated tool.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ResultKind is the run-level effect of one step.
type ResultKind string

const (
	// ResultContinue leaves the run executing; another step is needed.
	ResultContinue    ResultKind = "continue"
	ResultInterrupted ResultKind = "interrupted"
	ResultCompleted   ResultKind = "completed"
	ResultFailed      ResultKind = "failed"
)

// Terminal reports whether the run is finished.
func (k ResultKind) Terminal() bool {
	return k == ResultCompleted || k == ResultFailed
}

// ToolCall describes a tool that was executed during the step.
type ToolCall struct {
	Name      string `json:"name"`
	Expensive bool   `json:"expensive"`
	// ViaInterrupt is set when an approved interrupt authorized the call.
	ViaInterrupt bool   `json:"via_interrupt,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result is what the scheduler persists and audits after a step.
type Result struct {
	Kind        ResultKind
	OutcomeKind engine.OutcomeKind
	ReasonCode  string
	Detail      string
	Tool        *ToolCall
	Changeset   *domain.Changeset
	// NewArtifacts were appended to the run during this step.
	NewArtifacts []domain.ArtifactRef
}

// Config tunes the coordinator.
type Config struct {
	// ExpensiveActions raise an interrupt unless the run allows them.
	ExpensiveActions []string
	// StepQuantum caps one engine invocation.
	StepQuantum time.Duration
}

// DefaultExpensiveActions are gated when nothing is configured.
var DefaultExpensiveActions = []string{"repo.checkout", "tests.run"}

// Coordinator bounds engine invocations.
type Coordinator struct {
	engines   *engine.Registry
	tools     ToolExecutor
	proposer  Proposer
	artifacts artifact.Store
	clock     clock.Clock
	expensive map[string]bool
	quantum   time.Duration
}

// New creates a Coordinator.
func New(engines *engine.Registry, tools ToolExecutor, proposer Proposer, artifacts artifact.Store, clk clock.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	actions := cfg.ExpensiveActions
	if actions == nil {
		actions = DefaultExpensiveActions
	}
	expensive := make(map[string]bool, len(actions))
	for _, a := range actions {
		expensive[a] = true
	}
	quantum := cfg.StepQuantum
	if quantum <= 0 {
		quantum = time.Minute
	}
	return &Coordinator{
		engines:   engines,
		tools:     tools,
		proposer:  proposer,
		artifacts: artifacts,
		clock:     clk,
		expensive: expensive,
		quantum:   quantum,
	}
}

// IsExpensive reports whether action is gated behind an interrupt.
func (c *Coordinator) IsExpensive(action string) bool {
	return c.expensive[action]
}

// Step advances run by one engine invocation. run is the caller's working
// copy and is updated in place: usage, pending interrupt, last tool result and
// artifacts. Status is left to the caller. An error means nothing should be
// persisted.
func (c *Coordinator) Step(ctx context.Context, run *domain.Run) (Result, error) {
	budget := run.Spec.Execution.Budget
	if run.Usage.Exceeds(budget) {
		return c.exhausted(run), nil
	}

	eng, err := c.engines.Resolve(run.Spec)
	if err != nil {
		return c.fail(run, domain.ReasonEngineFailed, err.Error()), nil
	}

	limitMs := budget.WallClockLimitMs()
	remainingMs := limitMs - run.Usage.WallClockMs
	if remainingMs <= 0 {
		return c.exhausted(run), nil
	}
	timeout := c.quantum
	budgetBound := remainingMs < c.quantum.Milliseconds()
	if budgetBound {
		timeout = time.Duration(remainingMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.clock.Now()
	outcome, stepErr := eng.Step(stepCtx, *run, run.Usage)
	run.Usage.WallClockMs += c.clock.Now().Sub(started).Milliseconds()

	if stepErr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(stepErr, context.DeadlineExceeded) && budgetBound {
			// The step ran into the wall-clock limit.
			if run.Usage.WallClockMs < limitMs {
				run.Usage.WallClockMs = limitMs
			}
			return c.exhausted(run), nil
		}
		if run.Usage.Exceeds(budget) {
			return c.exhausted(run), nil
		}
		return c.fail(run, domain.ReasonEngineFailed, stepErr.Error()), nil
	}

	if outcome.Tokens > 0 {
		run.Usage.Tokens += outcome.Tokens
	}
	if run.Usage.Exceeds(budget) {
		return c.exhausted(run), nil
	}

	switch outcome.Kind {
	case engine.OutcomeToolRequest:
		return c.handleTool(stepCtx, run, outcome)
	case engine.OutcomeProposal:
		return c.handleProposal(ctx, run, outcome)
	case engine.OutcomeComplete:
		return c.handleComplete(ctx, run, outcome)
	case engine.OutcomeFail:
		reason := outcome.Reason
		if reason == "" {
			reason = "engine reported failure"
		}
		res := c.fail(run, domain.ReasonEngineFailed, reason)
		res.OutcomeKind = engine.OutcomeFail
		return res, nil
	default:
		return c.fail(run, domain.ReasonEngineFailed, fmt.Sprintf("unknown outcome kind %q", outcome.Kind)), nil
	}
}

func (c *Coordinator) handleTool(ctx context.Context, run *domain.Run, outcome engine.Outcome) (Result, error) {
	req := outcome.ToolRequest
	if req == nil || req.Name == "" {
		return c.fail(run, domain.ReasonEngineFailed, "tool request without a tool name"), nil
	}
	if !run.Spec.AllowsTool(req.Name) {
		res := c.fail(run, domain.ReasonToolNotAllowlisted, req.Name)
		res.OutcomeKind = engine.OutcomeToolRequest
		return res, nil
	}

	expensive := c.expensive[req.Name]
	viaInterrupt := false
	if expensive && !run.Spec.Execution.AllowExpensiveActions {
		pending := run.PendingInterrupt
		if pending == nil || pending.Action != req.Name || pending.Decision != domain.InterruptApproved {
			raisedAt := c.clock.Now()
			if pending != nil && pending.Action == req.Name && pending.Decision == domain.InterruptPending {
				raisedAt = pending.RaisedAt
			}
			run.PendingInterrupt = &domain.Interrupt{Action: req.Name, Args: req.Args, RaisedAt: raisedAt}
			return Result{Kind: ResultInterrupted, OutcomeKind: engine.OutcomeToolRequest, Detail: req.Name}, nil
		}
		viaInterrupt = true
	}

	run.Usage.ToolCalls++
	if run.Usage.Exceeds(run.Spec.Execution.Budget) {
		return c.exhausted(run), nil
	}

	call := &ToolCall{Name: req.Name, Expensive: expensive, ViaInterrupt: viaInterrupt}
	result := &domain.ToolResult{Tool: req.Name}
	output, err := c.tools.Execute(ctx, req.Name, req.Args)
	if err != nil && ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		// Tool errors go back to the engine; they do not fail the run.
		result.Error = err.Error()
		call.Error = err.Error()
		log.Printf("WARN: tool %s failed for run %s: %v", req.Name, run.RunID, err)
	} else {
		result.Output = output
	}
	run.LastToolResult = result
	run.PendingInterrupt = nil
	return Result{Kind: ResultContinue, OutcomeKind: engine.OutcomeToolRequest, Tool: call}, nil
}

func (c *Coordinator) handleProposal(ctx context.Context, run *domain.Run, outcome engine.Outcome) (Result, error) {
	run.PendingInterrupt = nil
	if outcome.Proposal == nil {
		return c.fail(run, domain.ReasonInvalidProposal, "proposal outcome without a proposal"), nil
	}
	cs, ref, err := c.proposer.Propose(ctx, run, *outcome.Proposal)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			res := c.fail(run, domain.ReasonInvalidProposal, verr.Error())
			res.OutcomeKind = engine.OutcomeProposal
			return res, nil
		}
		return Result{}, fmt.Errorf("failed to propose changeset: %w", err)
	}
	run.Artifacts = append(run.Artifacts, ref)
	return Result{
		Kind:         ResultContinue,
		OutcomeKind:  engine.OutcomeProposal,
		Changeset:    cs,
		NewArtifacts: []domain.ArtifactRef{ref},
	}, nil
}

func (c *Coordinator) handleComplete(ctx context.Context, run *domain.Run, outcome engine.Outcome) (Result, error) {
	run.PendingInterrupt = nil
	var added []domain.ArtifactRef
	for i, out := range outcome.Outputs {
		name := out.Name
		if name == "" {
			name = fmt.Sprintf("output-%d", i)
		}
		ref, err := artifact.Write(ctx, c.artifacts, artifact.OutputKey(run.RunID, name), out.Body)
		if err != nil {
			return Result{}, fmt.Errorf("failed to store engine output %s: %w", name, err)
		}
		added = append(added, ref)
	}
	run.Artifacts = append(run.Artifacts, added...)
	if len(run.Artifacts) == 0 {
		res := c.fail(run, domain.ReasonCompletedWithoutOutputs, "engine completed without producing artifacts")
		res.OutcomeKind = engine.OutcomeComplete
		return res, nil
	}
	return Result{Kind: ResultCompleted, OutcomeKind: engine.OutcomeComplete, NewArtifacts: added}, nil
}

func (c *Coordinator) exhausted(run *domain.Run) Result {
	err := &domain.BudgetExhaustedError{RunID: run.RunID, Usage: run.Usage}
	return c.fail(run, domain.ReasonBudgetExhausted, err.Error())
}

func (c *Coordinator) fail(run *domain.Run, reason, detail string) Result {
	run.PendingInterrupt = nil
	return Result{Kind: ResultFailed, ReasonCode: reason, Detail: detail}
}
