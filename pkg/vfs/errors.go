package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Error kinds shared by the local filesystem and every remote driver.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("already exists")
	ErrIO               = errors.New("i/o error")
	ErrDiskFull         = errors.New("disk full")
	ErrInterrupted      = errors.New("interrupted")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrProtocol         = errors.New("unexpected server response")
	ErrTimeout          = errors.New("timed out")
	ErrValidation       = errors.New("invalid input")
)

var kinds = []error{
	ErrNotFound,
	ErrPermissionDenied,
	ErrAlreadyExists,
	ErrDiskFull,
	ErrInterrupted,
	ErrNotConnected,
	ErrConnectionLost,
	ErrProtocol,
	ErrTimeout,
	ErrValidation,
	ErrIO,
}

// OpError records a failed operation on a path together with its error kind.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil && e.Err.Error() != msg {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps err as an OpError of the given kind.
func NewError(op, path string, kind, err error) error {
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf returns the taxonomy sentinel carried by err, or ErrIO.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}

// IsConnectionLost reports whether err means the control connection is gone.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}

// FromOS maps a host filesystem error into the taxonomy.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var op2 *OpError
	if errors.As(err, &op2) {
		return err
	}
	switch {
	case errors.Is(err, syscall.ENOTEMPTY):
		// Errno reports ENOTEMPTY as fs.ErrExist too
		return NewError(op, path, ErrIO, err)
	case errors.Is(err, fs.ErrNotExist):
		return NewError(op, path, ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return NewError(op, path, ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrExist):
		return NewError(op, path, ErrAlreadyExists, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return NewError(op, path, ErrDiskFull, err)
	case errors.Is(err, syscall.EINTR), errors.Is(err, os.ErrClosed):
		return NewError(op, path, ErrInterrupted, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return NewError(op, path, ErrTimeout, err)
	}
	return NewError(op, path, ErrIO, err)
}

// FromNet maps a transport error seen after login. Anything that means the
// peer is gone becomes ErrConnectionLost.
func FromNet(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewError(op, path, ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return NewError(op, path, ErrConnectionLost, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(op, path, ErrConnectionLost, err)
	}
	return nil
}
