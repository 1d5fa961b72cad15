// Package credstore keeps portal and SSO passwords sealed at rest so that
// connections can re-authenticate after a reconnect without asking the user.
package credstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/vault"
)

const (
	metaSalt      = "kdf_salt"
	metaVerifier  = "verifier"
	verifierLabel = "store:verifier"
	verifierPlain = "campuslink credential store v1"
)

var (
	ErrNotFound        = errors.New("credentials not found")
	ErrWrongPassphrase = errors.New("wrong passphrase for credential store")
)

// Entry describes stored credentials without their secrets.
type Entry struct {
	Identity   string     `json:"identity"`
	Username   string     `json:"username"`
	Server     string     `json:"server,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type sealedSecret struct {
	VPNPassword string `json:"vpn_password"`
	SSOPassword string `json:"sso_password,omitempty"`
}

// Store is a passphrase-protected credential table in the state database.
type Store struct {
	db     *sql.DB
	sealer *vault.Sealer
	audit  *audit.Logger
}

// Open unlocks the store in db. The first Open initializes the salt and a
// verifier; later opens with a different passphrase fail with
// ErrWrongPassphrase. al may be nil.
func Open(db *sql.DB, passphrase string, al *audit.Logger) (*Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}

	salt, err := readMeta(db, metaSalt)
	if errors.Is(err, sql.ErrNoRows) {
		return initialize(db, passphrase, al)
	}
	if err != nil {
		return nil, err
	}

	sealer := vault.NewSealer(passphrase, salt)
	verifier, err := readMeta(db, metaVerifier)
	if err != nil {
		sealer.Close()
		return nil, err
	}
	plain, err := sealer.Open(verifierLabel, verifier)
	if err != nil || !bytes.Equal(plain, []byte(verifierPlain)) {
		sealer.Close()
		return nil, ErrWrongPassphrase
	}
	return &Store{db: db, sealer: sealer, audit: al}, nil
}

func initialize(db *sql.DB, passphrase string, al *audit.Logger) (*Store, error) {
	salt, err := vault.NewSalt()
	if err != nil {
		return nil, err
	}
	sealer := vault.NewSealer(passphrase, salt)
	verifier, err := sealer.Seal(verifierLabel, []byte(verifierPlain))
	if err != nil {
		sealer.Close()
		return nil, err
	}

	tx, err := db.Begin()
	if err != nil {
		sealer.Close()
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}
	for key, value := range map[string][]byte{metaSalt: salt, metaVerifier: verifier} {
		if _, err := tx.Exec("INSERT INTO store_meta (key, value) VALUES (?, ?)", key, value); err != nil {
			tx.Rollback()
			sealer.Close()
			return nil, fmt.Errorf("writing %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		sealer.Close()
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}
	return &Store{db: db, sealer: sealer, audit: al}, nil
}

func readMeta(db *sql.DB, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRow("SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

func sealLabel(identity string) string { return "identity:" + identity }

// Save stores or replaces the credentials for identity.
func (s *Store) Save(identity string, creds connection.Credentials, server string) error {
	if identity == "" || creds.Username == "" || creds.VPNPassword == "" {
		return fmt.Errorf("identity, username and VPN password are required")
	}

	secret, _ := json.Marshal(sealedSecret{VPNPassword: creds.VPNPassword, SSOPassword: creds.SSOPassword})
	sealed, err := s.sealer.Seal(sealLabel(identity), secret)
	if err != nil {
		return fmt.Errorf("sealing credentials: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		`INSERT INTO credentials (identity, username, sealed, server, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   username = excluded.username,
		   sealed = excluded.sealed,
		   server = excluded.server,
		   updated_at = excluded.updated_at`,
		identity, creds.Username, sealed, server, now, now,
	)
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	if s.audit != nil {
		s.audit.Log(audit.EventCredentialSaved, identity, "", map[string]string{
			"username":    creds.Username,
			"server":      server,
			"sso":         fmt.Sprint(creds.SSOPassword != ""),
			"fingerprint": vault.HashSecret(sealed),
		})
	}
	return nil
}

// Credentials returns the stored credentials for identity and records the
// use. It satisfies connection.CredentialSource.
func (s *Store) Credentials(ctx context.Context, identity string) (connection.Credentials, error) {
	var (
		username string
		sealed   []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT username, sealed FROM credentials WHERE identity = ?", identity,
	).Scan(&username, &sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return connection.Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
		}
		return connection.Credentials{}, fmt.Errorf("querying credentials: %w", err)
	}

	plain, err := s.sealer.Open(sealLabel(identity), sealed)
	if err != nil {
		return connection.Credentials{}, fmt.Errorf("unsealing credentials for %s: %w", identity, err)
	}
	var secret sealedSecret
	if err := json.Unmarshal(plain, &secret); err != nil {
		return connection.Credentials{}, fmt.Errorf("decoding credentials for %s: %w", identity, err)
	}

	s.db.ExecContext(ctx, "UPDATE credentials SET last_used_at = ? WHERE identity = ?",
		time.Now().UTC().Format(time.RFC3339), identity)

	return connection.Credentials{
		Username:    username,
		VPNPassword: secret.VPNPassword,
		SSOPassword: secret.SSOPassword,
	}, nil
}

// Get returns the entry for identity.
func (s *Store) Get(identity string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT identity, username, server, created_at, updated_at, last_used_at
		 FROM credentials WHERE identity = ?`, identity)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
		}
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return e, nil
}

// List returns every entry ordered by identity.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT identity, username, server, created_at, updated_at, last_used_at
		 FROM credentials ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credentials: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Delete removes the credentials for identity.
func (s *Store) Delete(identity string) error {
	result, err := s.db.Exec("DELETE FROM credentials WHERE identity = ?", identity)
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if s.audit != nil {
		s.audit.Log(audit.EventCredentialRemove, identity, "", nil)
	}
	return nil
}

// Close zeroes the store key. The database stays open.
func (s *Store) Close() {
	s.sealer.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                    Entry
		createdAt, updatedAt string
		lastUsed             sql.NullString
	)
	if err := row.Scan(&e.Identity, &e.Username, &e.Server, &createdAt, &updatedAt, &lastUsed); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		e.LastUsedAt = &t
	}
	return &e, nil
}
