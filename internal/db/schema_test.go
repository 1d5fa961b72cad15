package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenStateDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenStateDB(dir)
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"store_meta", "credentials"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, StateDBFile)); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestOpenAuditDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'",
	).Scan(&name)
	if err != nil {
		t.Error("audit_log table not found")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := OpenStateDB(dir)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "captures")); err != nil {
		t.Errorf("captures directory missing: %v", err)
	}
}
