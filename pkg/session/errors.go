package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ConnectReason classifies why a connect attempt failed.
type ConnectReason int

const (
	Unreachable ConnectReason = iota
	Refused
	AuthRejected
	Timeout
)

func (r ConnectReason) String() string {
	switch r {
	case Refused:
		return "connection refused"
	case AuthRejected:
		return "authentication rejected"
	case Timeout:
		return "timed out"
	default:
		return "unreachable"
	}
}

// ConnectError is returned by Connect and EnsureConnected. It never implies
// that any persisted state changed.
type ConnectError struct {
	Reason ConnectReason
	Addr   Address
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Addr, e.Reason)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is a ConnectError with the given reason.
func IsReason(err error, reason ConnectReason) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Reason == reason
}

// DialError classifies a transport error raised while dialing. Drivers use it
// for everything that happens before authentication.
func DialError(addr Address, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}

	reason := Unreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		reason = Timeout
	case errors.Is(err, syscall.ECONNREFUSED):
		reason = Refused
	}
	return &ConnectError{Reason: reason, Addr: addr, Err: err}
}

// AuthError wraps a login rejection.
func AuthError(addr Address, err error) *ConnectError {
	return &ConnectError{Reason: AuthRejected, Addr: addr, Err: err}
}
