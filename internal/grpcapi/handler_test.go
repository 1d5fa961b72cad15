package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/gateway"
	"github.com/campuslink/campuslink/internal/portaltest"
	"github.com/campuslink/campuslink/internal/registry"
)

type staticSource map[string]connection.Credentials

func (s staticSource) Credentials(_ context.Context, identity string) (connection.Credentials, error) {
	c, ok := s[identity]
	if !ok {
		return c, fmt.Errorf("unknown identity %s", identity)
	}
	return c, nil
}

func setupHandler(t *testing.T) (*Handler, *portaltest.Portal) {
	t.Helper()
	portal := portaltest.New(t)
	portal.Mux.HandleFunc("/api/grades", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"course": "Networks", "score": 92}`)
	})

	reg := registry.New(portal.Config(), zerolog.Nop())
	t.Cleanup(reg.CloseAll)
	creds := staticSource{
		"alice": {Username: portaltest.Username, VPNPassword: portaltest.VPNPassword},
	}
	return NewHandler(gateway.NewService(reg, creds, nil, zerolog.Nop())), portal
}

func call(t *testing.T, h *Handler, method string, params any) *RPCResponse {
	t.Helper()
	req := &RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return h.Handle(context.Background(), req)
}

func TestHandleUnknownMethod(t *testing.T) {
	h, _ := setupHandler(t)
	resp := call(t, h, "nope", nil)
	if !strings.Contains(resp.Error, "unknown method") {
		t.Errorf("expected unknown method error, got %+v", resp)
	}
}

func TestHandleMethods(t *testing.T) {
	h, _ := setupHandler(t)
	got := h.Methods()
	sort.Strings(got)
	want := []string{
		"audit.verify",
		"connection.close",
		"connection.connect",
		"connection.fetch",
		"connection.status",
		"registry.cleanup",
		"registry.list",
		"registry.stats",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("methods = %v", got)
	}
}

func TestHandleConnectionLifecycle(t *testing.T) {
	h, portal := setupHandler(t)

	resp := call(t, h, "connection.connect", map[string]string{"identity": "alice", "server": portal.URL()})
	if resp.Error != "" {
		t.Fatalf("connect: %s", resp.Error)
	}
	var info connection.Info
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatal(err)
	}
	if !info.VPNLogin || info.Identity != "alice" {
		t.Errorf("info = %+v", info)
	}

	resp = call(t, h, "registry.stats", nil)
	var stats registry.Stats
	json.Unmarshal(resp.Result, &stats)
	if stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp = call(t, h, "connection.fetch", map[string]string{"identity": "alice", "server": portal.URL(), "url": "/api/grades"})
	if resp.Error != "" {
		t.Fatalf("fetch: %s", resp.Error)
	}
	var grades struct {
		Course string `json:"course"`
		Score  int    `json:"score"`
	}
	json.Unmarshal(resp.Result, &grades)
	if grades.Course != "Networks" || grades.Score != 92 {
		t.Errorf("grades = %+v", grades)
	}

	if resp := call(t, h, "connection.close", map[string]string{"identity": "alice"}); resp.Error != "" {
		t.Fatalf("close: %s", resp.Error)
	}
	if resp := call(t, h, "connection.status", map[string]string{"identity": "alice"}); resp.Error == "" {
		t.Error("expected error after close")
	}
}

func TestHandleInvalidParams(t *testing.T) {
	h, _ := setupHandler(t)
	for _, method := range []string{"connection.connect", "connection.status", "connection.close"} {
		if resp := call(t, h, method, map[string]string{}); !strings.Contains(resp.Error, "identity is required") {
			t.Errorf("%s: got %+v", method, resp)
		}
	}
	resp := h.Handle(context.Background(), &RPCRequest{Method: "connection.fetch", Params: json.RawMessage(`[`)})
	if !strings.Contains(resp.Error, "invalid params") {
		t.Errorf("fetch: got %+v", resp)
	}
}

func TestHandleVerifyAuditWithoutLog(t *testing.T) {
	h, _ := setupHandler(t)
	if resp := call(t, h, "audit.verify", nil); resp.Error == "" {
		t.Error("expected error when no audit log is configured")
	}
}

func TestClientOverGRPC(t *testing.T) {
	h, portal := setupHandler(t)

	lis := bufconn.Listen(1 << 20)
	srv := newServer(lis, h.service, zerolog.Nop())
	go srv.Serve()
	defer srv.Stop()

	client, err := Dial("passthrough:///bufnet", "", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	var info connection.Info
	if err := client.Call(ctx, "connection.connect", map[string]string{"identity": "alice", "server": portal.URL()}, &info); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if info.State != connection.StateVPNAuthenticated.String() {
		t.Errorf("state = %s", info.State)
	}

	var list []connection.Info
	if err := client.Call(ctx, "registry.list", nil, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	if err := client.Call(ctx, "connection.status", map[string]string{"identity": "bob"}, nil); err == nil {
		t.Error("expected error for unknown identity")
	}
}
