package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverMattn   = "sqlite3" // cgo, github.com/mattn/go-sqlite3
	DriverModernc = "sqlite"  // pure Go, modernc.org/sqlite
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn with the cgo driver.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return Open(DriverMattn, dsn)
}

// Open opens and migrates a SQLite database using the given driver.
func Open(driver, dsn string) (*SQLiteStore, error) {
	if driver == "" {
		driver = DriverMattn
	}
	if driver != DriverMattn && driver != DriverModernc {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, buildDSN(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection per store. In-memory databases would otherwise split per
	// connection, and file databases serialize writers across stores through
	// immediate transactions and the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func buildDSN(driver, dsn string) string {
	if isMemoryDSN(dsn) {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if driver == DriverModernc {
		return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			spec TEXT NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			approved_by TEXT,
			lease_worker_id TEXT,
			lease_acquired_at INTEGER,
			lease_expires_at INTEGER,
			attempt INTEGER NOT NULL DEFAULT 0,
			usage TEXT,
			pending_interrupt TEXT,
			last_tool_result TEXT,
			artifacts TEXT,
			reason_code TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			interrupt_version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS changesets (
			changeset_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			operations TEXT NOT NULL,
			scopes TEXT,
			nonce TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			reason_code TEXT,
			transient_failures INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT,
			redrive_of TEXT,
			last_error TEXT,
			external_refs TEXT,
			bundle_uri TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changesets_run ON changesets(run_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_changesets_idempotency ON changesets(idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS application_records (
			idempotency_key TEXT PRIMARY KEY,
			changeset_id TEXT NOT NULL,
			applied_at INTEGER NOT NULL,
			external_refs TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			run_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			reason_code TEXT,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type, seq)`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
		BEGIN
			SELECT RAISE(ABORT, 'audit_events is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
		BEGIN
			SELECT RAISE(ABORT, 'audit_events is append-only');
		END`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonColumn marshals v for a nullable TEXT column; nil values stay NULL.
func jsonColumn(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeColumn(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
