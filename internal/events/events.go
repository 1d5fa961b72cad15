// Package events publishes connection lifecycle events to pluggable sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle transition.
type Type string

const (
	Opened         Type = "opened"
	VPNLogin       Type = "vpn_login"
	VPNLoginFailed Type = "vpn_login_failed"
	SSOLogin       Type = "sso_login"
	SSOLoginFailed Type = "sso_login_failed"
	Reconnect      Type = "reconnect"
	Unhealthy      Type = "unhealthy"
	IdleTimeout    Type = "idle_timeout"
	Closed         Type = "closed"
)

// Event is a single lifecycle notification.
type Event struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Identity     string            `json:"identity"`
	ConnectionID string            `json:"connection_id"`
	Server       string            `json:"server,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	Time         time.Time         `json:"time"`
}

// New stamps an event with an ID and the current time.
func New(t Type, identity, connectionID string, detail map[string]string) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         t,
		Identity:     identity,
		ConnectionID: connectionID,
		Detail:       detail,
		Time:         time.Now().UTC(),
	}
}

// Sink receives lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Used by tests and the CLI's verbose mode.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Events returns the channel of recorded events.
func (r *Recorder) Events() <-chan Event { return r.ch }

// Drain returns the events recorded so far without blocking.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
