package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// ResolveInterrupt records an operator decision on a run's pending
// interrupt. The decision takes effect on the run's next Execute.
func (s *Service) ResolveInterrupt(ctx context.Context, runID string, req domain.ResolveInterruptRequest) (*domain.Run, error) {
	issues := &domain.ValidationError{}
	if strings.TrimSpace(req.DecidedBy) == "" {
		issues.Add("decided_by is required")
	}
	var decision domain.InterruptDecision
	switch req.Decision {
	case "approve", string(domain.InterruptApproved):
		decision = domain.InterruptApproved
	case "reject", string(domain.InterruptRejected):
		decision = domain.InterruptRejected
	default:
		issues.Add("decision must be approve or reject")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusExecuting || run.PendingInterrupt == nil {
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, State: string(run.Status), Operation: "resolve interrupt of"}
	}
	if run.PendingInterrupt.Decision != domain.InterruptPending {
		return nil, &domain.InvalidStateError{Entity: "interrupt", ID: runID, State: string(run.PendingInterrupt.Decision), Operation: "resolve"}
	}

	resolved := *run.PendingInterrupt
	resolved.Decision = decision
	resolved.DecidedBy = req.DecidedBy

	now := s.clock.Now()
	ok, err := s.store.UpdateRunInterrupt(ctx, runID, &resolved, run.InterruptVersion, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update interrupt: %w", err)
	}
	if !ok {
		current, err := s.getRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if current.PendingInterrupt != nil && current.PendingInterrupt.Decision != domain.InterruptPending {
			return nil, &domain.InvalidStateError{Entity: "interrupt", ID: runID, State: string(current.PendingInterrupt.Decision), Operation: "resolve"}
		}
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, State: string(current.Status), Operation: "resolve interrupt of"}
	}

	s.recordEvent(ctx, runID, domain.EventTypeInterruptResolved, map[string]interface{}{
		"action":     resolved.Action,
		"decision":   decision,
		"decided_by": req.DecidedBy,
	}, "")

	run.PendingInterrupt = &resolved
	run.InterruptVersion++
	run.UpdatedAt = now
	return run, nil
}
