// Package store persists runs, changesets, application records and audit events.
package store

import (
	"context"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// RunStore holds run and lease state. Only the scheduler writes through it.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error)
	ApproveRun(ctx context.Context, runID, approvedBy string, now time.Time) (bool, error)
	ClaimRuns(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]string, error)
	SaveRunStep(ctx context.Context, run *domain.Run, workerID string, now time.Time) (bool, error)
	UpdateRunInterrupt(ctx context.Context, runID string, interrupt *domain.Interrupt, version int64, now time.Time) (bool, error)
}

// ChangesetStore holds changesets and application records. Only the apply pipeline writes through it.
type ChangesetStore interface {
	CreateChangeset(ctx context.Context, cs *domain.Changeset) error
	GetChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error)
	ListChangesetsByRun(ctx context.Context, runID string) ([]domain.Changeset, error)
	UpdateChangeset(ctx context.Context, cs *domain.Changeset, expected domain.ChangesetStatus) (bool, error)
	GetApplicationRecord(ctx context.Context, idempotencyKey string) (*domain.ApplicationRecord, error)
	CountApplicationRecords(ctx context.Context, idempotencyKey string) (int, error)
	CompleteApplication(ctx context.Context, rec *domain.ApplicationRecord, cs *domain.Changeset, expected domain.ChangesetStatus) (bool, error)
}

// EventStore is the append-only audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *domain.AuditEvent) error
	EventsByRunID(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.AuditEvent, error)
	EventsByType(ctx context.Context, eventType domain.EventType, limit int) ([]domain.AuditEvent, error)
}

// Store is everything the control plane persists.
type Store interface {
	RunStore
	ChangesetStore
	EventStore
	Close() error
}
