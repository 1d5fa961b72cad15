// Package integration_test exercises the full campuslink lifecycle
// end-to-end: credential storage, VPN and SSO login through the registry,
// typed requests, forced reconnect, shutdown and the audit chain.
//
// These tests use real SQLite databases in temp directories and an
// in-process portal.
package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/artifact"
	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/credstore"
	"github.com/campuslink/campuslink/internal/db"
	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/gateway"
	"github.com/campuslink/campuslink/internal/portaltest"
	"github.com/campuslink/campuslink/internal/registry"
)

type stack struct {
	portal  *portaltest.Portal
	auditDB *sql.DB
	audit   *audit.Logger
	store   *credstore.Store
	reg     *registry.Registry
	svc     *gateway.Service
	rec     *events.Recorder
	capture *artifact.LocalStore
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()
	s := &stack{portal: portaltest.New(t)}

	auditDB, err := db.OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { auditDB.Close() })
	s.auditDB = auditDB
	if s.audit, err = audit.NewLogger(auditDB); err != nil {
		t.Fatalf("audit logger: %v", err)
	}

	stateDB, err := db.OpenStateDB(dir)
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { stateDB.Close() })
	if s.store, err = credstore.Open(stateDB, "integration-pass", s.audit); err != nil {
		t.Fatalf("open store: %v", err)
	}

	s.rec = events.NewRecorder(64)
	s.capture = artifact.NewLocalStore(t.TempDir())
	s.reg = registry.New(s.portal.Config(), zerolog.Nop(),
		connection.WithEventSink(events.Multi{events.NewAuditSink(s.audit), s.rec}),
		connection.WithCaptureStore(s.capture),
		connection.WithCredentialSource(s.store),
	)
	t.Cleanup(s.reg.CloseAll)
	s.svc = gateway.NewService(s.reg, s.store, auditDB, zerolog.Nop())
	return s
}

func TestFullSessionLifecycle(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	var hits atomic.Int32
	s.portal.Mux.HandleFunc("/jw/schedule", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{weeks: 18, courses: ['Networks', 'Compilers']}`)
	})

	err := s.store.Save("alice", connection.Credentials{
		Username:    portaltest.Username,
		VPNPassword: portaltest.VPNPassword,
		SSOPassword: portaltest.SSOPassword,
	}, s.portal.URL())
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := s.svc.Connect(ctx, "alice", s.portal.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if info.State != connection.StateFullyAuthenticated.String() {
		t.Fatalf("state = %s", info.State)
	}

	c, ok := s.reg.Get("alice")
	if !ok {
		t.Fatal("connection not registered")
	}

	type schedule struct {
		Weeks   int      `json:"weeks"`
		Courses []string `json:"courses"`
	}
	req := connection.Request{URL: "/jw/schedule", UseCache: true}
	got, err := connection.Fetch[schedule](ctx, c, req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Weeks != 18 || len(got.Courses) != 2 {
		t.Errorf("schedule = %+v", got)
	}
	if _, err := connection.Fetch[schedule](ctx, c, req); err != nil || hits.Load() != 1 {
		t.Errorf("cached fetch: hits=%d err=%v", hits.Load(), err)
	}

	// A forced reconnect logs in again from the store and skips the cache.
	req.ForceReconnect = true
	if _, err := connection.Fetch[schedule](ctx, c, req); err != nil {
		t.Fatalf("forced fetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if s.portal.VPNLogins() != 2 || s.portal.SSOLogins() != 2 {
		t.Errorf("logins: vpn=%d sso=%d", s.portal.VPNLogins(), s.portal.SSOLogins())
	}
	if c.State() != connection.StateFullyAuthenticated {
		t.Errorf("state after reconnect = %s", c.State())
	}

	if err := s.svc.Disconnect("alice"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := connection.Fetch[schedule](ctx, c, connection.Request{URL: "/jw/schedule"}); err == nil {
		t.Error("expected fetch on closed connection to fail")
	}

	seen := map[events.Type]int{}
	for _, ev := range s.rec.Drain() {
		seen[ev.Type]++
	}
	for _, typ := range []events.Type{events.Opened, events.VPNLogin, events.SSOLogin, events.Reconnect, events.Closed} {
		if seen[typ] == 0 {
			t.Errorf("missing %s event", typ)
		}
	}

	valid, count, err := s.svc.VerifyAudit()
	if err != nil || !valid {
		t.Fatalf("audit chain: valid=%v err=%v", valid, err)
	}
	// credential_saved plus the connection lifecycle.
	if count < 6 {
		t.Errorf("audit records = %d", count)
	}
	recent, err := s.audit.Recent("alice", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != count {
		t.Errorf("recent = %d, verify counted %d", len(recent), count)
	}
}

func TestUndecodableResponseCaptured(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	s.portal.Mux.HandleFunc("/jw/broken", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	})
	s.store.Save("bob", connection.Credentials{
		Username:    portaltest.Username,
		VPNPassword: portaltest.VPNPassword,
	}, "")

	if _, err := s.svc.Connect(ctx, "bob", s.portal.URL()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c, _ := s.reg.Get("bob")

	_, err := connection.Fetch[map[string]any](ctx, c, connection.Request{URL: "/jw/broken"})
	if err == nil {
		t.Fatal("expected parse failure")
	}

	captured, err := s.capture.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(captured) == 0 {
		t.Error("expected undecodable body to be captured")
	}
	valid, invalid, err := s.capture.VerifyIntegrity()
	if err != nil || len(invalid) != 0 || valid != len(captured) {
		t.Errorf("capture integrity: valid=%d invalid=%v err=%v", valid, invalid, err)
	}
}

func TestWrongPassphraseLocksStore(t *testing.T) {
	dir := t.TempDir()
	stateDB, err := db.OpenStateDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer stateDB.Close()

	store, err := credstore.Open(stateDB, "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	store.Save("carol", connection.Credentials{Username: "carol", VPNPassword: "pw"}, "")
	store.Close()

	if _, err := credstore.Open(stateDB, "second", nil); err == nil {
		t.Fatal("expected wrong passphrase to be rejected")
	}
	reopened, err := credstore.Open(stateDB, "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	creds, err := reopened.Credentials(context.Background(), "carol")
	if err != nil || creds.VPNPassword != "pw" {
		t.Errorf("credentials = %+v, %v", creds, err)
	}
}
