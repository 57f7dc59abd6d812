package session

import (
	"context"
	"io"
	"time"

	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// Driver is one authenticated control connection speaking a concrete
// protocol. Drivers classify their errors into the vfs taxonomy: anything
// meaning the link is gone must match vfs.ErrConnectionLost.
type Driver interface {
	List(ctx context.Context, path string) ([]vfs.DirEntry, error)
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	DeleteFile(ctx context.Context, path string) error
	DeleteEmptyDir(ctx context.Context, path string) error
	Size(ctx context.Context, path string) (int64, error)
	Getwd(ctx context.Context) (string, error)

	// Retrieve and Store open the data channel of a single transfer. Closing
	// an upload writer waits for the server to confirm the file.
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)
	Store(ctx context.Context, path string) (io.WriteCloser, error)

	// Abort tears down the open data channel, if any, and brings the control
	// channel back to a usable state. It may be called from another goroutine.
	Abort() error
	Close() error
}

// Dialer opens and authenticates a Driver. Failures are *ConnectError.
type Dialer func(ctx context.Context, addr Address, timeout time.Duration) (Driver, error)
