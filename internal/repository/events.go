package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// AppendEvent appends an audit event and sets its Seq. There is no update or
// delete counterpart; the table rejects both.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.AuditEvent) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, run_id, type, payload, reason_code, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, nullString(event.RunID), event.Type, payload, nullString(event.ReasonCode), event.Ts)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read event seq: %w", err)
	}
	event.Seq = seq
	return nil
}

const eventColumns = `seq, event_id, run_id, type, payload, reason_code, ts`

func scanEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	defer rows.Close()
	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var runID, payload, reason sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.EventID, &runID, &ev.Type, &payload, &reason, &ev.Ts); err != nil {
			return nil, err
		}
		ev.RunID = runID.String
		ev.ReasonCode = reason.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventsByRunID returns a run's events in insertion order, after afterSeq and
// optionally restricted to types.
func (s *SQLiteStore) EventsByRunID(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsByType returns the most recent events of one type, oldest first.
func (s *SQLiteStore) EventsByType(ctx context.Context, eventType domain.EventType, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM (
		SELECT ` + eventColumns + ` FROM audit_events WHERE type = ? ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += `) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
