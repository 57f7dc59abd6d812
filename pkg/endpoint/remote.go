package endpoint

import (
	"context"
	"io"
	"path"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// RemoteFS is the server side, reached through the session. It never
// reconnects on its own: without a connection every call fails with
// vfs.ErrNotConnected.
type RemoteFS struct {
	s *session.Session
}

// NewRemote returns the remote endpoint for s.
func NewRemote(s *session.Session) *RemoteFS {
	return &RemoteFS{s: s}
}

func (r *RemoteFS) Side() Side { return Remote }

// Session returns the underlying session.
func (r *RemoteFS) Session() *session.Session { return r.s }

func (r *RemoteFS) List(ctx context.Context, dir string) ([]vfs.DirEntry, error) {
	return r.s.List(ctx, dir)
}

// Stat lists the parent directory, the one lookup every server supports.
func (r *RemoteFS) Stat(ctx context.Context, p string) (vfs.DirEntry, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		if !r.s.Connected() {
			return vfs.DirEntry{}, vfs.NewError("stat", p, vfs.ErrNotConnected, nil)
		}
		return vfs.DirEntry{Name: "/", Kind: vfs.KindDir}, nil
	}

	entries, err := r.s.List(ctx, path.Dir(p))
	if err != nil {
		return vfs.DirEntry{}, err
	}
	e, ok := vfs.Find(entries, path.Base(p))
	if !ok {
		return vfs.DirEntry{}, vfs.NewError("stat", p, vfs.ErrNotFound, nil)
	}
	return e, nil
}

func (r *RemoteFS) Mkdir(ctx context.Context, p string) error {
	return r.s.Mkdir(ctx, p)
}

func (r *RemoteFS) Rename(ctx context.Context, from, to string) error {
	return r.s.Rename(ctx, from, to)
}

func (r *RemoteFS) Delete(ctx context.Context, p string, kind vfs.Kind) error {
	if kind == vfs.KindDir {
		return r.s.DeleteEmptyDir(ctx, p)
	}
	return r.s.DeleteFile(ctx, p)
}

func (r *RemoteFS) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	return r.s.OpenDataChannel(ctx, p, session.Download)
}

func (r *RemoteFS) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	return r.s.OpenDataChannel(ctx, p, session.Upload)
}

func (r *RemoteFS) Join(dir, name string) string { return path.Join(dir, name) }
func (r *RemoteFS) Dir(p string) string          { return path.Dir(p) }
func (r *RemoteFS) Base(p string) string         { return path.Base(p) }
