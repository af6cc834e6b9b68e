// Package store provides SQLite-backed persistence for PulZ state.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the canonical timestamp format: ISO8601 UTC, second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// Store wraps the database with a process-wide write lock. Reads take the
// shared side of the lock; writers must never perform network I/O while
// holding it.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body_excerpt TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	raw_json TEXT NOT NULL DEFAULT '{}',
	scored_json TEXT NOT NULL DEFAULT '{}',
	proposal_id TEXT,
	status TEXT NOT NULL DEFAULT '',
	inserted_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}',
	text TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ends_at TEXT NOT NULL,
	status TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	mission_id TEXT,
	lane TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	approved_by TEXT,
	inputs_json TEXT NOT NULL DEFAULT '{}',
	outputs_json TEXT NOT NULL DEFAULT '{}',
	logs_text TEXT NOT NULL DEFAULT '',
	error TEXT,
	metrics_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS telemetry_events (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	mission_id TEXT,
	proposal_id TEXT,
	execution_id TEXT,
	type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_signals_source ON signals(source);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_proposals_signal ON proposals(signal_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_proposal ON executions(proposal_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_type ON telemetry_events(type);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_events(ts);
`

// Open creates or opens the database at dbPath and ensures the schema exists.
// Migrations are additive only: columns are added when missing, never dropped.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	added := []struct {
		table, column, definition string
	}{
		{"proposals", "approved_at", "TEXT"},
		{"proposals", "executing_at", "TEXT"},
		{"proposals", "executed_at", "TEXT"},
		{"proposals", "execution_mode", "TEXT"},
		{"proposals", "estimated_revenue_cents", "INTEGER"},
		{"proposals", "realized_revenue_cents", "INTEGER"},
		{"proposals", "mission_id", "TEXT"},
		{"artifacts", "execution_id", "TEXT"},
		{"artifacts", "kind", "TEXT"},
		{"artifacts", "path", "TEXT"},
		{"artifacts", "sha256", "TEXT"},
		{"missions", "authority_mode", "TEXT"},
	}
	for _, m := range added {
		if err := ensureColumn(db, m.table, m.column, m.definition); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id)`); err != nil {
		return fmt.Errorf("create artifacts execution index: %w", err)
	}
	return nil
}

// ensureColumn adds a column when it is absent from the table.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("check %s.%s column: %w", table, column, err)
	}
	if count == 0 {
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("add %s.%s column: %w", table, column, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NowISO returns the current UTC time in the canonical layout.
func NowISO() string {
	return time.Now().UTC().Format(TimeLayout)
}

// HashID derives a stable 16-hex-character identifier from value.
func HashID(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
