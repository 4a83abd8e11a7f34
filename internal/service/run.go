package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// CreateRun admits a run. Runs that do not require approval start approved.
func (s *Service) CreateRun(ctx context.Context, spec domain.RunSpec, createdBy string) (*domain.Run, error) {
	issues := &domain.ValidationError{}
	if err := spec.Validate(); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			issues.Issues = append(issues.Issues, verr.Issues...)
		} else {
			issues.Add(err.Error())
		}
	}
	if strings.TrimSpace(spec.Adapter) != "" && strings.TrimSpace(spec.Execution.Engine) != "" {
		if _, err := s.engines.Resolve(spec); err != nil {
			issues.Add(err.Error())
		}
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	existing, err := s.store.GetRun(ctx, spec.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if existing != nil {
		return nil, &domain.InvalidStateError{Entity: "run", ID: spec.RunID, State: string(existing.Status), Operation: "create"}
	}

	if createdBy == "" {
		createdBy = "anonymous"
	}
	status := domain.RunStatusPendingApproval
	if !spec.RequiresApproval {
		status = domain.RunStatusApproved
	}
	now := s.clock.Now()
	run := &domain.Run{
		RunID:     spec.RunID,
		Spec:      spec,
		Status:    status,
		CreatedBy: createdBy,
		Artifacts: []domain.ArtifactRef{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.metrics.RunTransition(string(status))

	s.recordEvent(ctx, run.RunID, domain.EventTypeRunCreated, map[string]interface{}{
		"status":            status,
		"created_by":        createdBy,
		"adapter":           spec.Adapter,
		"engine":            spec.Execution.Engine,
		"graph_id":          spec.Execution.GraphID,
		"repo":              spec.Execution.Scope.Repo,
		"requires_approval": spec.RequiresApproval,
	}, "")
	return run, nil
}

// ApproveRun moves a run from pending_approval to approved. Approval is not
// idempotent: approving a run that is past pending_approval is rejected.
func (s *Service) ApproveRun(ctx context.Context, runID, approvedBy string) (*domain.Run, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return nil, &domain.ValidationError{Issues: []string{"approved_by is required"}}
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusPendingApproval {
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, State: string(run.Status), Operation: "approve"}
	}

	ok, err := s.store.ApproveRun(ctx, runID, approvedBy, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to approve run: %w", err)
	}
	if !ok {
		// Lost a race with a concurrent approval.
		current, err := s.getRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, State: string(current.Status), Operation: "approve"}
	}
	s.metrics.RunTransition(string(domain.RunStatusApproved))
	s.recordEvent(ctx, runID, domain.EventTypeRunApproved, map[string]interface{}{
		"approved_by": approvedBy,
	}, "")

	return s.getRun(ctx, runID)
}

// GetRun returns a run or NotFoundError.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.getRun(ctx, runID)
}

// ListRuns lists runs, optionally filtered by status, oldest first.
func (s *Service) ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	runs, err := s.store.ListRuns(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Service) getRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, &domain.NotFoundError{Entity: "run", ID: runID}
	}
	return run, nil
}
