package service

import (
	"context"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// GetChangeset returns a changeset or NotFoundError.
func (s *Service) GetChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	return s.pipeline.Get(ctx, changesetID)
}

// ListChangesets returns a run's changesets in proposal order.
func (s *Service) ListChangesets(ctx context.Context, runID string) ([]domain.Changeset, error) {
	if _, err := s.getRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.pipeline.ListByRun(ctx, runID)
}

// ApproveChangeset approves a proposed changeset and applies it. A policy
// denial is returned as *domain.PolicyDeniedError together with the denied
// changeset.
func (s *Service) ApproveChangeset(ctx context.Context, changesetID, approvedBy string) (*domain.Changeset, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return nil, &domain.ValidationError{Issues: []string{"approved_by is required"}}
	}
	return s.pipeline.Approve(ctx, changesetID, approvedBy)
}

// ApplyChangeset resumes an approved changeset, e.g. after a cancelled apply.
func (s *Service) ApplyChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	return s.pipeline.Apply(ctx, changesetID)
}

// RedriveChangeset re-proposes a dead-lettered or failed changeset under the
// same idempotency key.
func (s *Service) RedriveChangeset(ctx context.Context, changesetID, requestedBy string) (*domain.Changeset, error) {
	if strings.TrimSpace(requestedBy) == "" {
		return nil, &domain.ValidationError{Issues: []string{"requested_by is required"}}
	}
	return s.pipeline.Redrive(ctx, changesetID, requestedBy)
}
