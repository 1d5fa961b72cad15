package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"login", New(KindLogin, "vpn login", "rejected"), KindLogin},
		{"wrapped parse", fmt.Errorf("outer: %w", Wrap(KindParse, "decode", errors.New("bad json"))), KindParse},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransportClassification(t *testing.T) {
	if err := Transport("get", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !Is(Transport("get", errors.New("connection refused")), KindConnection) {
		t.Error("refused connection should classify as connection")
	}
	if !Is(Transport("get", fmt.Errorf("dial: %w", context.DeadlineExceeded)), KindTimeout) {
		t.Error("deadline should classify as timeout")
	}

	login := New(KindLogin, "sso login", "no redirect")
	if got := Transport("get", login); !Is(got, KindLogin) {
		t.Errorf("already classified error was reclassified: %v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindLogin, "vpn login", "portal rejected credentials")
	want := "vpn login: login failure: portal rejected credentials"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	if Wrap(KindParse, "decode", nil) != nil {
		t.Error("wrapping nil should yield nil")
	}
}
