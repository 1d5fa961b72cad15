// Package db provides SQLite database management for campuslink.
// Two databases per data directory: campuslink.db (credentials) and
// campuslink-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	StateDBFile = "campuslink.db"
	AuditDBFile = "campuslink-audit.db"
)

// StateSchema defines the credential store tables.
const StateSchema = `
PRAGMA journal_mode=WAL;

-- Key/value metadata (KDF salt, passphrase verifier)
CREATE TABLE IF NOT EXISTS store_meta (
    key             TEXT PRIMARY KEY,
    value           BLOB NOT NULL
);

-- Sealed login credentials, one row per identity
CREATE TABLE IF NOT EXISTS credentials (
    identity        TEXT PRIMARY KEY,
    username        TEXT NOT NULL,
    sealed          BLOB NOT NULL,      -- AES-GCM nonce || ciphertext
    server          TEXT DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    last_used_at    TEXT
);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    identity        TEXT NOT NULL DEFAULT '',
    connection_id   TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_identity ON audit_log(identity);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

// OpenStateDB opens or creates the credential database in dir.
func OpenStateDB(dir string) (*sql.DB, error) {
	return open(dir, StateDBFile, StateSchema, "state")
}

// OpenAuditDB opens or creates the append-only audit database in dir.
func OpenAuditDB(dir string) (*sql.DB, error) {
	return open(dir, AuditDBFile, AuditSchema, "audit")
}

func open(dir, file, schema, name string) (*sql.DB, error) {
	if err := EnsureDataDir(dir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, file)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", name, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing %s schema: %w", name, err)
	}

	return db, nil
}

// EnsureDataDir creates the data directory layout.
func EnsureDataDir(dir string) error {
	for _, d := range []string{dir, filepath.Join(dir, "captures")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
