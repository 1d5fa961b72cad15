// Package audit provides the append-only audit log of connection lifecycle
// events. Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventConnectionOpened EventType = "connection_opened"
	EventVPNLogin         EventType = "vpn_login"
	EventVPNLoginFailed   EventType = "vpn_login_failed"
	EventSSOLogin         EventType = "sso_login"
	EventSSOLoginFailed   EventType = "sso_login_failed"
	EventReconnect        EventType = "reconnect"
	EventUnhealthy        EventType = "unhealthy"
	EventIdleTimeout      EventType = "idle_timeout"
	EventConnectionClosed EventType = "connection_closed"
	EventCredentialSaved  EventType = "credential_saved"
	EventCredentialRemove EventType = "credential_removed"
)

// Record is one row of the audit log.
type Record struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Identity     string    `json:"identity"`
	ConnectionID string    `json:"connection_id"`
	EventType    EventType `json:"event_type"`
	Detail       string    `json:"detail"`
}

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, resuming the existing chain.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow("SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log appends an event to the chain.
func (al *Logger) Log(eventType EventType, identity, connectionID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := chainHash(al.lastHash, now.Format(time.RFC3339Nano), string(eventType), identity, connectionID, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, identity, connection_id, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		identity,
		connectionID,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// Recent returns the newest records, optionally filtered by identity.
func (al *Logger) Recent(identity string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, timestamp, identity, connection_id, event_type, detail FROM audit_log"
	args := []any{}
	if identity != "" {
		query += " WHERE identity = ?"
		args = append(args, identity)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts string
			et string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Identity, &r.ConnectionID, &et, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.EventType = EventType(et)
		out = append(out, r)
	}
	return out, rows.Err()
}

// chainHash links a record to its predecessor:
// SHA-256(previousHash + timestamp + eventType + identity + connectionID + detail)
func chainHash(prev, ts, eventType, identity, connectionID, detail string) string {
	h := sha256.Sum256([]byte(prev + ts + eventType + identity + connectionID + detail))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, identity, connection_id, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, identity, connectionID, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &identity, &connectionID, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		if chainHash(previousHash, ts, eventType, identity, connectionID, detail) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}
