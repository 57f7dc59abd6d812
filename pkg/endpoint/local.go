package endpoint

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// LocalFS is the host filesystem.
type LocalFS struct{}

// NewLocal returns the local endpoint.
func NewLocal() *LocalFS {
	return &LocalFS{}
}

func (l *LocalFS) Side() Side { return Local }

func (l *LocalFS) List(ctx context.Context, dir string) ([]vfs.DirEntry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, vfs.FromOS("list", dir, err)
	}

	entries := make([]vfs.DirEntry, 0, len(items))
	for _, item := range items {
		// Follows symlinks; broken ones are listed as plain files.
		info, err := os.Stat(filepath.Join(dir, item.Name()))
		if err != nil {
			info, err = item.Info()
			if err != nil {
				continue
			}
		}
		e := entryFromInfo(item.Name(), info)
		e.Symlink = item.Type()&os.ModeSymlink != 0
		entries = append(entries, e)
	}
	return entries, nil
}

func entryFromInfo(name string, info os.FileInfo) vfs.DirEntry {
	e := vfs.DirEntry{
		Name:    name,
		Kind:    vfs.KindFile,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Perm:    info.Mode().Perm(),
		HasPerm: true,
	}
	if info.IsDir() {
		e.Kind = vfs.KindDir
		e.Size = 0
	}
	return e
}

func (l *LocalFS) Stat(ctx context.Context, path string) (vfs.DirEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return vfs.DirEntry{}, vfs.FromOS("stat", path, err)
	}
	e := entryFromInfo(filepath.Base(path), info)
	if li, err := os.Lstat(path); err == nil {
		e.Symlink = li.Mode()&os.ModeSymlink != 0
	}
	return e, nil
}

func (l *LocalFS) Mkdir(ctx context.Context, path string) error {
	return vfs.FromOS("mkdir", path, os.Mkdir(path, 0755))
}

// Rename refuses to replace an existing target, matching the remote side.
func (l *LocalFS) Rename(ctx context.Context, from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return vfs.NewError("rename", to, vfs.ErrAlreadyExists, os.ErrExist)
	}
	return vfs.FromOS("rename", from, os.Rename(from, to))
}

func (l *LocalFS) Delete(ctx context.Context, path string, kind vfs.Kind) error {
	return vfs.FromOS("delete", path, os.Remove(path))
}

func (l *LocalFS) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, vfs.FromOS("open", path, err)
	}
	return &localFile{f: f, op: "read", path: path}, nil
}

func (l *LocalFS) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, vfs.FromOS("create", path, err)
	}
	return &localFile{f: f, op: "write", path: path}, nil
}

func (l *LocalFS) Join(dir, name string) string { return filepath.Join(dir, name) }
func (l *LocalFS) Dir(path string) string        { return filepath.Dir(path) }
func (l *LocalFS) Base(path string) string       { return filepath.Base(path) }

// localFile classifies os errors into the taxonomy.
type localFile struct {
	f    *os.File
	op   string
	path string
}

func (lf *localFile) Read(p []byte) (int, error) {
	n, err := lf.f.Read(p)
	if err != nil && err != io.EOF {
		err = vfs.FromOS(lf.op, lf.path, err)
	}
	return n, err
}

func (lf *localFile) Write(p []byte) (int, error) {
	n, err := lf.f.Write(p)
	if err != nil {
		err = vfs.FromOS(lf.op, lf.path, err)
	}
	return n, err
}

func (lf *localFile) Close() error {
	return vfs.FromOS(lf.op, lf.path, lf.f.Close())
}
