// Package endpoint gives the local filesystem and the remote session one
// capability surface, so planning and transfers never branch on the side.
package endpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// Side identifies a pane.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Local {
		return Remote
	}
	return Local
}

// Endpoint is one side of a transfer.
type Endpoint interface {
	Side() Side
	List(ctx context.Context, dir string) ([]vfs.DirEntry, error)
	Stat(ctx context.Context, path string) (vfs.DirEntry, error)
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	// Delete removes a file or an empty directory.
	Delete(ctx context.Context, path string, kind vfs.Kind) error
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	Join(dir, name string) string
	Dir(path string) string
	Base(path string) string
}

// ErrBinary is returned by ReadText for content that is not text.
var ErrBinary = errors.New("binary file")

// ReadText reads at most limit bytes of path for the viewer. truncated is
// set when the file is larger than limit.
func ReadText(ctx context.Context, ep Endpoint, path string, limit int64) (text string, truncated bool, err error) {
	r, err := ep.OpenRead(ctx, path)
	if err != nil {
		return "", false, err
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	cerr := r.Close()
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > limit {
		data = data[:limit]
		truncated = true
	} else if cerr != nil {
		// Closing early may make the server complain; only a full read
		// must end cleanly.
		return "", false, cerr
	}

	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(trimPartialRune(data)) {
		return "", truncated, vfs.NewError("view", path, vfs.ErrValidation, ErrBinary)
	}
	return string(data), truncated, nil
}

// trimPartialRune drops a rune cut in half by the read limit.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}
