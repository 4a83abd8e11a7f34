package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

const changesetColumns = `changeset_id, run_id, operations, scopes, nonce, idempotency_key, status,
	retry_count, reason_code, transient_failures, approved_by, redrive_of, last_error, external_refs,
	bundle_uri, created_at, updated_at`

func scanChangeset(row rowScanner) (*domain.Changeset, error) {
	var cs domain.Changeset
	var ops string
	var scopes, reason, approvedBy, redriveOf, lastError, refs, bundle sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&cs.ChangesetID, &cs.RunID, &ops, &scopes, &cs.Nonce, &cs.IdempotencyKey,
		&cs.Status, &cs.RetryCount, &reason, &cs.TransientFailures, &approvedBy, &redriveOf,
		&lastError, &refs, &bundle, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ops), &cs.Operations); err != nil {
		return nil, fmt.Errorf("decode operations for changeset %s: %w", cs.ChangesetID, err)
	}
	if err := decodeColumn(scopes, &cs.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for changeset %s: %w", cs.ChangesetID, err)
	}
	if err := decodeColumn(refs, &cs.ExternalRefs); err != nil {
		return nil, fmt.Errorf("decode external refs for changeset %s: %w", cs.ChangesetID, err)
	}
	cs.ReasonCode = reason.String
	cs.ApprovedBy = approvedBy.String
	cs.RedriveOf = redriveOf.String
	cs.LastError = lastError.String
	cs.BundleURI = bundle.String
	cs.CreatedAt = fromMillis(createdAt)
	cs.UpdatedAt = fromMillis(updatedAt)
	return &cs, nil
}

// CreateChangeset persists a new changeset.
func (s *SQLiteStore) CreateChangeset(ctx context.Context, cs *domain.Changeset) error {
	ops, err := json.Marshal(cs.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}
	scopes, err := jsonColumn(cs.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	refs, err := jsonColumn(cs.ExternalRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal external refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changesets (`+changesetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ChangesetID, cs.RunID, string(ops), scopes, cs.Nonce, cs.IdempotencyKey, cs.Status,
		cs.RetryCount, nullString(cs.ReasonCode), cs.TransientFailures, nullString(cs.ApprovedBy),
		nullString(cs.RedriveOf), nullString(cs.LastError), refs, nullString(cs.BundleURI),
		toMillis(cs.CreatedAt), toMillis(cs.UpdatedAt))
	return err
}

// GetChangeset retrieves a changeset by ID. It returns (nil, nil) when not found.
func (s *SQLiteStore) GetChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	cs, err := scanChangeset(s.db.QueryRowContext(ctx,
		`SELECT `+changesetColumns+` FROM changesets WHERE changeset_id = ?`, changesetID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// ListChangesetsByRun lists the changesets of a run in proposal order.
func (s *SQLiteStore) ListChangesetsByRun(ctx context.Context, runID string) ([]domain.Changeset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changesetColumns+` FROM changesets WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Changeset
	for rows.Next() {
		cs, err := scanChangeset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func updateChangeset(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, cs *domain.Changeset, expected domain.ChangesetStatus) (bool, error) {
	refs, err := jsonColumn(cs.ExternalRefs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal external refs: %w", err)
	}
	res, err := exec.ExecContext(ctx,
		`UPDATE changesets SET status = ?, retry_count = ?, reason_code = ?, approved_by = ?,
			last_error = ?, external_refs = ?, bundle_uri = ?, updated_at = ?
		 WHERE changeset_id = ? AND status = ?`,
		cs.Status, cs.RetryCount, nullString(cs.ReasonCode), nullString(cs.ApprovedBy),
		nullString(cs.LastError), refs, nullString(cs.BundleURI), toMillis(cs.UpdatedAt),
		cs.ChangesetID, expected)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateChangeset writes the mutable fields of cs if it is still in the expected
// status. Applied changesets never match because nothing transitions out of applied.
func (s *SQLiteStore) UpdateChangeset(ctx context.Context, cs *domain.Changeset, expected domain.ChangesetStatus) (bool, error) {
	if expected == domain.ChangesetStatusApplied {
		return false, nil
	}
	return updateChangeset(ctx, s.db, cs, expected)
}

// GetApplicationRecord looks up the proof of application for a key. It returns (nil, nil) when absent.
func (s *SQLiteStore) GetApplicationRecord(ctx context.Context, idempotencyKey string) (*domain.ApplicationRecord, error) {
	var rec domain.ApplicationRecord
	var appliedAt int64
	var refs sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, changeset_id, applied_at, external_refs FROM application_records WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&rec.IdempotencyKey, &rec.ChangesetID, &appliedAt, &refs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.AppliedAt = fromMillis(appliedAt)
	if err := decodeColumn(refs, &rec.ExternalRefs); err != nil {
		return nil, fmt.Errorf("decode external refs: %w", err)
	}
	return &rec, nil
}

// CountApplicationRecords counts records for a key; at most one ever exists.
func (s *SQLiteStore) CountApplicationRecords(ctx context.Context, idempotencyKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM application_records WHERE idempotency_key = ?`, idempotencyKey).Scan(&n)
	return n, err
}

// CompleteApplication records the application and moves the changeset to its
// new status in one transaction. It returns false without writing anything when
// a record for the key already exists. When the changeset left the expected
// status the record is still committed, since the write it describes happened,
// and false is returned.
func (s *SQLiteStore) CompleteApplication(ctx context.Context, rec *domain.ApplicationRecord, cs *domain.Changeset, expected domain.ChangesetStatus) (bool, error) {
	refs, err := jsonColumn(rec.ExternalRefs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal external refs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO application_records (idempotency_key, changeset_id, applied_at, external_refs)
		 VALUES (?, ?, ?, ?) ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, rec.ChangesetID, toMillis(rec.AppliedAt), refs)
	if err != nil {
		return false, fmt.Errorf("insert application record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	ok, err := updateChangeset(ctx, tx, cs, expected)
	if err != nil {
		return false, fmt.Errorf("update changeset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit application: %w", err)
	}
	return ok, nil
}
