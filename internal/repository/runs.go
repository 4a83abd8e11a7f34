package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

const runColumns = `run_id, spec, status, created_by, approved_by, lease_worker_id, lease_acquired_at,
	lease_expires_at, attempt, usage, pending_interrupt, last_tool_result, artifacts, reason_code,
	created_at, updated_at, interrupt_version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var spec string
	var approvedBy, leaseWorker, usage, interrupt, toolResult, artifacts, reason sql.NullString
	var leaseAcquired, leaseExpires sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&run.RunID, &spec, &run.Status, &run.CreatedBy, &approvedBy, &leaseWorker,
		&leaseAcquired, &leaseExpires, &run.Attempt, &usage, &interrupt, &toolResult, &artifacts,
		&reason, &createdAt, &updatedAt, &run.InterruptVersion); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(spec), &run.Spec); err != nil {
		return nil, fmt.Errorf("decode spec for run %s: %w", run.RunID, err)
	}
	run.ApprovedBy = approvedBy.String
	run.ReasonCode = reason.String
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)

	if leaseWorker.Valid && leaseExpires.Valid {
		run.Lease = &domain.Lease{
			WorkerID:   leaseWorker.String,
			AcquiredAt: fromMillis(leaseAcquired.Int64),
			ExpiresAt:  fromMillis(leaseExpires.Int64),
		}
	}
	if err := decodeColumn(usage, &run.Usage); err != nil {
		return nil, fmt.Errorf("decode usage for run %s: %w", run.RunID, err)
	}
	if interrupt.Valid {
		run.PendingInterrupt = &domain.Interrupt{}
		if err := decodeColumn(interrupt, run.PendingInterrupt); err != nil {
			return nil, fmt.Errorf("decode interrupt for run %s: %w", run.RunID, err)
		}
	}
	if toolResult.Valid {
		run.LastToolResult = &domain.ToolResult{}
		if err := decodeColumn(toolResult, run.LastToolResult); err != nil {
			return nil, fmt.Errorf("decode tool result for run %s: %w", run.RunID, err)
		}
	}
	if err := decodeColumn(artifacts, &run.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for run %s: %w", run.RunID, err)
	}
	return &run, nil
}

// runState is the mutable part of a run in column form.
type runState struct {
	leaseWorker   sql.NullString
	leaseAcquired sql.NullInt64
	leaseExpires  sql.NullInt64
	usage         sql.NullString
	interrupt     sql.NullString
	toolResult    sql.NullString
	artifacts     sql.NullString
}

func encodeRunState(run *domain.Run) (runState, error) {
	var st runState
	var err error
	if run.Lease != nil {
		st.leaseWorker = sql.NullString{String: run.Lease.WorkerID, Valid: true}
		st.leaseAcquired = sql.NullInt64{Int64: toMillis(run.Lease.AcquiredAt), Valid: true}
		st.leaseExpires = sql.NullInt64{Int64: toMillis(run.Lease.ExpiresAt), Valid: true}
	}
	if st.usage, err = jsonColumn(run.Usage); err != nil {
		return st, err
	}
	if st.interrupt, err = jsonColumn(run.PendingInterrupt); err != nil {
		return st, err
	}
	if st.toolResult, err = jsonColumn(run.LastToolResult); err != nil {
		return st, err
	}
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = []domain.ArtifactRef{}
	}
	if st.artifacts, err = jsonColumn(artifacts); err != nil {
		return st, err
	}
	return st, nil
}

// CreateRun persists a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	spec, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	st, err := encodeRunState(run)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, string(spec), run.Status, run.CreatedBy, nullString(run.ApprovedBy),
		st.leaseWorker, st.leaseAcquired, st.leaseExpires, run.Attempt, st.usage, st.interrupt,
		st.toolResult, st.artifacts, nullString(run.ReasonCode),
		toMillis(run.CreatedAt), toMillis(run.UpdatedAt), run.InterruptVersion)
	return err
}

// GetRun retrieves a run by ID. It returns (nil, nil) when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs oldest first, optionally filtered by status.
func (s *SQLiteStore) ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ApproveRun moves a run from pending_approval to approved. It returns false
// when the run is missing or not pending approval.
func (s *SQLiteStore) ApproveRun(ctx context.Context, runID, approvedBy string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, approved_by = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusApproved, approvedBy, toMillis(now), runID, domain.RunStatusPendingApproval)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type claimCandidate struct {
	runID     string
	status    domain.RunStatus
	expiresAt int64
}

// ClaimRuns leases up to limit claimable runs to workerID, oldest first.
// A run is claimable when approved, or when claimed/executing under an expired
// lease. Each award is a compare-and-set on (status, lease_expires_at) inside
// one transaction, so a run observed by two racing claimers is awarded once.
func (s *SQLiteStore) ClaimRuns(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := toMillis(now)
	rows, err := tx.QueryContext(ctx,
		`SELECT run_id, status, COALESCE(lease_expires_at, 0) FROM runs
		 WHERE status = ? OR (status IN (?, ?) AND COALESCE(lease_expires_at, 0) <= ?)
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		domain.RunStatusApproved, domain.RunStatusClaimed, domain.RunStatusExecuting, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable runs: %w", err)
	}
	var candidates []claimCandidate
	for rows.Next() {
		var c claimCandidate
		if err := rows.Scan(&c.runID, &c.status, &c.expiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable run: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	expiresMs := nowMs + lease.Milliseconds()
	claimed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, lease_worker_id = ?, lease_acquired_at = ?, lease_expires_at = ?, updated_at = ?
			 WHERE run_id = ? AND status = ? AND COALESCE(lease_expires_at, 0) = ?`,
			domain.RunStatusClaimed, workerID, nowMs, expiresMs, nowMs,
			c.runID, c.status, c.expiresAt)
		if err != nil {
			return nil, fmt.Errorf("claim run %s: %w", c.runID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if affected == 0 {
			// Another claimer won this run.
			continue
		}
		claimed = append(claimed, c.runID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// SaveRunStep persists the result of one execution step. The write only
// lands while workerID still holds an unexpired lease at now and the pending
// interrupt is still at run.InterruptVersion; false means nothing was written.
// On success run.InterruptVersion is advanced to the stored version.
func (s *SQLiteStore) SaveRunStep(ctx context.Context, run *domain.Run, workerID string, now time.Time) (bool, error) {
	st, err := encodeRunState(run)
	if err != nil {
		return false, fmt.Errorf("failed to encode run state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, lease_worker_id = ?, lease_acquired_at = ?, lease_expires_at = ?,
			attempt = ?, usage = ?, pending_interrupt = ?, last_tool_result = ?, artifacts = ?,
			reason_code = ?, updated_at = ?, interrupt_version = interrupt_version + 1
		 WHERE run_id = ? AND lease_worker_id = ? AND lease_expires_at > ? AND interrupt_version = ?`,
		run.Status, st.leaseWorker, st.leaseAcquired, st.leaseExpires,
		run.Attempt, st.usage, st.interrupt, st.toolResult, st.artifacts,
		nullString(run.ReasonCode), toMillis(now),
		run.RunID, workerID, toMillis(now), run.InterruptVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	run.InterruptVersion++
	return true, nil
}

// UpdateRunInterrupt records a decision on the undecided pending interrupt
// of an executing run. It is a compare-and-set on version: false means the
// interrupt was replaced or already decided, and nothing was written.
func (s *SQLiteStore) UpdateRunInterrupt(ctx context.Context, runID string, interrupt *domain.Interrupt, version int64, now time.Time) (bool, error) {
	col, err := jsonColumn(interrupt)
	if err != nil {
		return false, fmt.Errorf("failed to encode interrupt: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pending_interrupt = ?, updated_at = ?, interrupt_version = interrupt_version + 1
		 WHERE run_id = ? AND status = ? AND interrupt_version = ? AND pending_interrupt IS NOT NULL
			AND COALESCE(json_extract(pending_interrupt, '$.decision'), '') = ''`,
		col, toMillis(now), runID, domain.RunStatusExecuting, version)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
