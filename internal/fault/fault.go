// Package fault defines the failure taxonomy shared by the handshake, retry
// and connection layers. Every failure surfaced by the engine carries a Kind
// so callers and retry policies can decide what to do with it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindConnection is a transport-level failure. Retryable.
	KindConnection Kind = "connection"
	// KindLogin is a rejected handshake. Never retried.
	KindLogin Kind = "login"
	// KindTimeout is a deadline or I/O timeout. Retryable.
	KindTimeout Kind = "timeout"
	// KindParse is an unexpected response shape. Retryable up to the policy limit.
	KindParse Kind = "parse"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport classifies an error returned by an HTTP round trip.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are inspected for
// timeouts and otherwise reported with an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
