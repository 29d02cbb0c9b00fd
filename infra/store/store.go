// Package store persists homes, appliances, device configuration,
// schedules, saved states and the decision audit log in SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database holding every table the engine
// needs.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS homes (
    id TEXT PRIMARY KEY,
    plan_id TEXT,
    region_code TEXT,
    discom_id TEXT,
    strategy TEXT,
    grid_protection INTEGER,
    autopilot INTEGER
);
CREATE TABLE IF NOT EXISTS appliances (
    id TEXT PRIMARY KEY,
    home_id TEXT,
    name TEXT,
    category TEXT,
    status TEXT,
    power_w REAL,
    plug_id TEXT
);
CREATE TABLE IF NOT EXISTS device_config (
    appliance_id TEXT PRIMARY KEY,
    home_id TEXT,
    is_delegated INTEGER,
    preferred_action TEXT,
    protected_enabled INTEGER,
    protected_start TEXT,
    protected_end TEXT,
    override_active INTEGER,
    override_until INTEGER
);
CREATE TABLE IF NOT EXISTS schedules (
    id TEXT PRIMARY KEY,
    appliance_id TEXT,
    start_time TEXT,
    end_time TEXT,
    repeat_type TEXT,
    is_active INTEGER,
    created_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_schedules_appliance ON schedules(appliance_id);
CREATE TABLE IF NOT EXISTS saved_state (
    id TEXT PRIMARY KEY,
    appliance_id TEXT,
    home_id TEXT,
    status TEXT,
    reason TEXT,
    saved_at INTEGER,
    restored INTEGER,
    restored_at INTEGER
);
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts INTEGER,
    appliance_id TEXT,
    record TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_appliance ON audit_log(appliance_id);
`

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Concurrent readers during the evaluation tick.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
