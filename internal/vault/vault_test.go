package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T, passphrase string) (*Sealer, []byte) {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	return NewSealer(passphrase, salt), salt
}

func TestSealAndOpen(t *testing.T) {
	s, salt := newTestSealer(t, "testpassphrase123")
	defer s.Close()

	secret := []byte(`{"vpn_password":"hunter2","sso_password":"correct horse"}`)
	sealed, err := s.Seal("identity:20240001", secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Fatal("sealed blob contains plaintext")
	}

	got, err := s.Open("identity:20240001", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("Got %q, want %q", got, secret)
	}

	// Same passphrase and salt derive the same key
	again := NewSealer("testpassphrase123", salt)
	defer again.Close()
	if _, err := again.Open("identity:20240001", sealed); err != nil {
		t.Fatalf("Open with re-derived key: %v", err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	s, salt := newTestSealer(t, "correctpassphrase")
	sealed, _ := s.Seal("k", []byte("v"))

	wrong := NewSealer("wrongpassphrase", salt)
	if _, err := wrong.Open("k", sealed); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestLabelIsAuthenticated(t *testing.T) {
	s, _ := newTestSealer(t, "pass")
	sealed, _ := s.Seal("identity:a", []byte("secret"))
	if _, err := s.Open("identity:b", sealed); err == nil {
		t.Fatal("blob must not open under a different label")
	}
}

func TestNoncesAreUnique(t *testing.T) {
	s, _ := newTestSealer(t, "pass")
	a, _ := s.Seal("k", []byte("same"))
	b, _ := s.Seal("k", []byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext should differ")
	}
}

func TestClosedSealer(t *testing.T) {
	s, _ := newTestSealer(t, "pass")
	s.Close()
	if _, err := s.Seal("k", []byte("v")); !errors.Is(err, ErrSealerClosed) {
		t.Fatalf("expected ErrSealerClosed, got %v", err)
	}
}

func TestShortBlob(t *testing.T) {
	s, _ := newTestSealer(t, "pass")
	if _, err := s.Open("k", []byte("short")); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestHashSecret(t *testing.T) {
	h := HashSecret([]byte("test-secret"))
	if len(h) != 15 || h[:7] != "sha256:" {
		t.Errorf("HashSecret format: %q", h)
	}
}
