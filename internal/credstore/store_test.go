package credstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/db"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := db.OpenStateDB(dir)
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, dir
}

var testCreds = connection.Credentials{Username: "20240001", VPNPassword: "vpn-pass", SSOPassword: "sso-pass"}

func TestSaveAndLoad(t *testing.T) {
	d, _ := openTestDB(t)
	s, err := Open(d, "passphrase", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Save("alice", testCreds, "vpn.example.edu"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Credentials(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if got != testCreds {
		t.Errorf("got %+v, want %+v", got, testCreds)
	}

	entry, err := s.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Server != "vpn.example.edu" || entry.LastUsedAt == nil {
		t.Errorf("entry = %+v", entry)
	}

	var sealed []byte
	d.QueryRow("SELECT sealed FROM credentials WHERE identity = 'alice'").Scan(&sealed)
	if len(sealed) == 0 || string(sealed) == "vpn-pass" {
		t.Error("credentials should be sealed at rest")
	}
}

func TestSaveReplaces(t *testing.T) {
	d, _ := openTestDB(t)
	s, _ := Open(d, "passphrase", nil)
	defer s.Close()

	s.Save("alice", testCreds, "")
	updated := connection.Credentials{Username: "20240001", VPNPassword: "rotated"}
	if err := s.Save("alice", updated, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := s.Credentials(context.Background(), "alice")
	if got != updated {
		t.Errorf("got %+v", got)
	}
	entries, _ := s.List()
	if len(entries) != 1 {
		t.Errorf("List returned %d entries", len(entries))
	}
}

func TestReopenWithPassphrase(t *testing.T) {
	d, _ := openTestDB(t)
	s, _ := Open(d, "right", nil)
	s.Save("alice", testCreds, "")
	s.Close()

	if _, err := Open(d, "wrong", nil); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}

	again, err := Open(d, "right", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if got, err := again.Credentials(context.Background(), "alice"); err != nil || got != testCreds {
		t.Errorf("after reopen: %+v, %v", got, err)
	}
}

func TestNotFoundAndDelete(t *testing.T) {
	d, _ := openTestDB(t)
	s, _ := Open(d, "passphrase", nil)
	defer s.Close()

	if _, err := s.Credentials(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Credentials(ghost): %v", err)
	}
	if err := s.Delete("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(ghost): %v", err)
	}

	s.Save("alice", testCreds, "")
	if err := s.Delete("alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}

func TestSaveValidates(t *testing.T) {
	d, _ := openTestDB(t)
	s, _ := Open(d, "passphrase", nil)
	defer s.Close()

	if err := s.Save("alice", connection.Credentials{Username: "x"}, ""); err == nil {
		t.Error("expected error without VPN password")
	}
	if _, err := Open(d, "", nil); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestAuditTrail(t *testing.T) {
	d, dir := openTestDB(t)
	auditDB, err := db.OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer auditDB.Close()
	al, _ := audit.NewLogger(auditDB)

	s, _ := Open(d, "passphrase", al)
	defer s.Close()
	s.Save("alice", testCreds, "")
	s.Delete("alice")

	records, err := al.Recent("alice", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(records))
	}
	for _, r := range records {
		if r.EventType != audit.EventCredentialSaved && r.EventType != audit.EventCredentialRemove {
			t.Errorf("unexpected event %s", r.EventType)
		}
	}
}

type fakeSecrets struct {
	secrets map[string]string
	asked   string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.asked = aws.ToString(in.SecretId)
	v, ok := f.secrets[f.asked]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestSecretsManagerSource(t *testing.T) {
	fake := &fakeSecrets{secrets: map[string]string{
		"campuslink/alice": `{"username":"20240001","vpn_password":"vpn-pass","sso_password":"sso-pass"}`,
		"campuslink/bob":   `{"vpn_password":"only-vpn"}`,
		"campuslink/bad":   `not json`,
	}}
	src := NewSecretsManagerSource(fake, "campuslink/")
	ctx := context.Background()

	got, err := src.Credentials(ctx, "alice")
	if err != nil {
		t.Fatalf("Credentials(alice): %v", err)
	}
	if got != testCreds || fake.asked != "campuslink/alice" {
		t.Errorf("got %+v from %s", got, fake.asked)
	}

	got, _ = src.Credentials(ctx, "bob")
	if got.Username != "bob" || got.SSOPassword != "" {
		t.Errorf("username should default to identity: %+v", got)
	}

	if _, err := src.Credentials(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret: %v", err)
	}
	if _, err := src.Credentials(ctx, "bad"); err == nil {
		t.Error("expected decode error")
	}
}
