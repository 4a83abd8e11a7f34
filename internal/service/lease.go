package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/coordinator"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Claim leases up to limit claimable runs to workerID, oldest first. A
// non-positive leaseSeconds uses the default lease. Concurrent claims never
// award the same run twice; losers simply do not get it.
func (s *Service) Claim(ctx context.Context, workerID string, limit, leaseSeconds int) ([]string, error) {
	issues := &domain.ValidationError{}
	if strings.TrimSpace(workerID) == "" {
		issues.Add("worker_id is required")
	}
	if limit <= 0 {
		issues.Add("limit must be positive")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	if limit > s.config.MaxClaimLimit {
		limit = s.config.MaxClaimLimit
	}
	lease := s.config.DefaultLease
	if leaseSeconds > 0 {
		lease = time.Duration(leaseSeconds) * time.Second
	}
	if lease > s.config.MaxLease {
		lease = s.config.MaxLease
	}

	now := s.clock.Now()
	ids, err := s.store.ClaimRuns(ctx, workerID, limit, now, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim runs: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	s.metrics.RunsClaimed(len(ids))
	for _, id := range ids {
		s.metrics.RunTransition(string(domain.RunStatusClaimed))
		s.recordEvent(ctx, id, domain.EventTypeRunClaimed, map[string]interface{}{
			"worker_id":        workerID,
			"lease_expires_at": now.Add(lease).UnixMilli(),
		}, "")
	}
	return ids, nil
}

// Execute advances a leased run by one coordinator step. Only the holder of
// a valid lease may execute; anyone else gets a LeaseError and the run is left
// untouched. Executing a run that already finished returns it unchanged.
func (s *Service) Execute(ctx context.Context, runID, workerID string) (*domain.Run, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, &domain.ValidationError{Issues: []string{"worker_id is required"}}
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	now := s.clock.Now()
	if lerr := checkLease(run, workerID, now); lerr != nil {
		s.recordEvent(ctx, runID, domain.EventTypeExecuteLeaseRejected, map[string]interface{}{
			"worker_id": workerID,
			"reason":    lerr.Reason,
		}, lerr.Reason)
		return nil, lerr
	}
	if run.Status != domain.RunStatusClaimed && run.Status != domain.RunStatusExecuting {
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, State: string(run.Status), Operation: "execute"}
	}

	working := *run
	working.Artifacts = append([]domain.ArtifactRef(nil), run.Artifacts...)
	started := working.Status == domain.RunStatusClaimed
	working.Status = domain.RunStatusExecuting
	working.Attempt++

	result, err := s.coordinator.Step(ctx, &working)
	if err != nil {
		return nil, fmt.Errorf("execution step failed: %w", err)
	}

	switch result.Kind {
	case coordinator.ResultCompleted:
		working.Status = domain.RunStatusCompleted
		working.ReasonCode = ""
	case coordinator.ResultFailed:
		working.Status = domain.RunStatusFailed
		working.ReasonCode = result.ReasonCode
	}
	if working.Status.IsTerminal() {
		working.Lease = nil
		working.PendingInterrupt = nil
	}

	saveAt := s.clock.Now()
	working.UpdatedAt = saveAt
	ok, err := s.saveStep(ctx, &working, workerID, saveAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The lease ran out (and may have been re-claimed) during the step.
		lerr := &domain.LeaseError{RunID: runID, WorkerID: workerID, Reason: domain.LeaseReasonExpired}
		s.recordEvent(ctx, runID, domain.EventTypeExecuteLeaseRejected, map[string]interface{}{
			"worker_id": workerID,
			"reason":    lerr.Reason,
			"attempt":   working.Attempt,
		}, lerr.Reason)
		s.recordOrphanedChangeset(ctx, runID, workerID, result)
		log.Printf("WARN: run %s step %d discarded: lease lost by %s", runID, working.Attempt, workerID)
		return nil, lerr
	}

	s.auditStep(ctx, &working, workerID, started, result)
	return &working, nil
}

// saveStep persists a step result. When an operator decided the pending
// interrupt while the step ran, the decision is carried into the saved run
// and the write is retried; false means the lease was lost.
func (s *Service) saveStep(ctx context.Context, working *domain.Run, workerID string, now time.Time) (bool, error) {
	for i := 0; i < maxSaveAttempts; i++ {
		ok, err := s.store.SaveRunStep(ctx, working, workerID, now)
		if err != nil {
			return false, fmt.Errorf("failed to save run step: %w", err)
		}
		if ok {
			return true, nil
		}
		current, err := s.getRun(ctx, working.RunID)
		if err != nil {
			return false, err
		}
		if checkLease(current, workerID, now) != nil || current.InterruptVersion == working.InterruptVersion {
			return false, nil
		}
		working.PendingInterrupt = mergeInterrupt(current.PendingInterrupt, working.PendingInterrupt)
		working.InterruptVersion = current.InterruptVersion
	}
	return false, nil
}

const maxSaveAttempts = 3

// mergeInterrupt keeps a decision recorded on stored when the step left the
// same interrupt undecided. Otherwise the step's interrupt wins: the step
// moved past the interrupt the decision was made on.
func mergeInterrupt(stored, stepped *domain.Interrupt) *domain.Interrupt {
	if stored == nil || stored.Decision == domain.InterruptPending {
		return stepped
	}
	if stepped != nil && stepped.Decision == domain.InterruptPending &&
		stepped.Action == stored.Action && stepped.RaisedAt.Equal(stored.RaisedAt) {
		merged := *stepped
		merged.Decision = stored.Decision
		merged.DecidedBy = stored.DecidedBy
		return &merged
	}
	log.Printf("WARN: decision %s on %s superseded by a step", stored.Decision, stored.Action)
	return stepped
}

// recordOrphanedChangeset notes a changeset proposed by a step whose result
// was discarded. The changeset and its bundle stay valid; only the run's
// artifact list misses the bundle.
func (s *Service) recordOrphanedChangeset(ctx context.Context, runID, workerID string, result coordinator.Result) {
	if result.Changeset == nil {
		return
	}
	payload := map[string]interface{}{
		"changeset_id": result.Changeset.ChangesetID,
		"worker_id":    workerID,
	}
	if len(result.NewArtifacts) > 0 {
		payload["bundle_uri"] = result.NewArtifacts[0].URI
	}
	s.recordEvent(ctx, runID, domain.EventTypeChangesetOrphaned, payload, domain.LeaseReasonExpired)
}

func checkLease(run *domain.Run, workerID string, now time.Time) *domain.LeaseError {
	lerr := &domain.LeaseError{RunID: run.RunID, WorkerID: workerID}
	switch {
	case run.Lease == nil:
		lerr.Reason = domain.LeaseReasonMissing
	case run.ActiveLease(now) == nil:
		lerr.Reason = domain.LeaseReasonExpired
	case run.Lease.WorkerID != workerID:
		lerr.Reason = domain.LeaseReasonForeign
	default:
		return nil
	}
	return lerr
}

func (s *Service) auditStep(ctx context.Context, run *domain.Run, workerID string, started bool, result coordinator.Result) {
	if started {
		s.metrics.RunTransition(string(domain.RunStatusExecuting))
		s.recordEvent(ctx, run.RunID, domain.EventTypeRunExecutionStarted, map[string]interface{}{
			"worker_id": workerID,
		}, "")
	}

	if result.Tool != nil {
		s.recordEvent(ctx, run.RunID, domain.EventTypeToolCallAuthorized, result.Tool, "")
	}
	for _, ref := range result.NewArtifacts {
		s.recordEvent(ctx, run.RunID, domain.EventTypeArtifactStored, ref, "")
	}

	s.recordEvent(ctx, run.RunID, domain.EventTypeRunStepCompleted, map[string]interface{}{
		"worker_id": workerID,
		"attempt":   run.Attempt,
		"outcome":   result.OutcomeKind,
		"result":    result.Kind,
		"usage":     run.Usage,
	}, "")

	switch result.Kind {
	case coordinator.ResultInterrupted:
		s.recordEvent(ctx, run.RunID, domain.EventTypeRunInterrupted, run.PendingInterrupt, "")
	case coordinator.ResultCompleted:
		s.metrics.RunTransition(string(domain.RunStatusCompleted))
		s.recordEvent(ctx, run.RunID, domain.EventTypeRunCompleted, map[string]interface{}{
			"artifacts": run.Artifacts,
			"usage":     run.Usage,
		}, "")
	case coordinator.ResultFailed:
		s.metrics.RunTransition(string(domain.RunStatusFailed))
		s.recordEvent(ctx, run.RunID, domain.EventTypeRunFailed, map[string]interface{}{
			"detail": result.Detail,
			"usage":  run.Usage,
		}, result.ReasonCode)
	}
}
