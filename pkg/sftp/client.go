// Package sftp is the sftp:// driver of the session layer.
package sftp

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	sshdial "github.com/quocson95/ftpdeck/pkg/ssh"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

var errAborted = errors.New("transfer aborted")

// SFTP status codes (draft-ietf-secsh-filexfer) that change the error kind.
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxFailure          = 4
	fxBadMessage       = 5
	fxNoConnection     = 6
	fxConnectionLost   = 7
	fxOpUnsupported    = 8
	fxFileExists       = 11
	fxNoSpace          = 14
	fxQuotaExceeded    = 15
	fxDirNotEmpty      = 18
)

// Client wraps SFTP client functionality
type Client struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client

	mu      sync.Mutex
	file    *sftp.File
	aborted bool
}

// Dial connects over SSH and starts the sftp subsystem. It satisfies
// session.Dialer.
func Dial(ctx context.Context, addr session.Address, timeout time.Duration) (session.Driver, error) {
	cfg := &sshdial.Config{
		Host:     addr.Host,
		Port:     addr.Port,
		Username: addr.User,
		Password: addr.Password,
		KeyFiles: sshdial.DefaultKeyFiles(),
		Timeout:  timeout,
	}

	sshClient, err := sshdial.Dial(ctx, cfg)
	if err != nil {
		if errors.Is(err, sshdial.ErrAuthFailed) || errors.Is(err, sshdial.ErrHostKeyMismatch) {
			return nil, session.AuthError(addr, err)
		}
		return nil, session.DialError(addr, err)
	}

	c, err := NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, session.DialError(addr, err)
	}
	return c, nil
}

// NewClient creates a new SFTP client from an existing SSH connection
func NewClient(sshClient *ssh.Client) (*Client, error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, err
	}
	return &Client{sshClient: sshClient, sftpClient: sftpClient}, nil
}

func newClientFromSFTP(sftpClient *sftp.Client) *Client {
	return &Client{sftpClient: sftpClient}
}

// run bounds fn by ctx. A request that outlives its deadline leaves the
// connection in an unknown state, so the transport is closed.
func (c *Client) run(ctx context.Context, op, path string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return vfs.NewError(op, path, vfs.ErrTimeout, err)
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return mapError(op, path, err)
	case <-ctx.Done():
		c.closeTransport()
		return vfs.NewError(op, path, vfs.ErrTimeout, ctx.Err())
	}
}

func (c *Client) List(ctx context.Context, path string) ([]vfs.DirEntry, error) {
	var infos []os.FileInfo
	err := c.run(ctx, "list", path, func() error {
		var err error
		infos, err = c.sftpClient.ReadDir(path)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]vfs.DirEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "" || name == "." || name == ".." {
			continue
		}
		entry := vfs.DirEntry{
			Name:    name,
			Kind:    vfs.KindFile,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Perm:    info.Mode().Perm(),
			HasPerm: true,
		}
		if info.IsDir() {
			entry.Kind = vfs.KindDir
			entry.Size = 0
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	err := c.run(ctx, "mkdir", path, func() error {
		return c.sftpClient.Mkdir(path)
	})
	if err == nil || vfs.IsConnectionLost(err) || errors.Is(err, vfs.ErrTimeout) {
		return err
	}
	// Servers commonly answer a generic failure for an existing directory.
	if info, serr := c.sftpClient.Stat(path); serr == nil && info.IsDir() {
		return vfs.NewError("mkdir", path, vfs.ErrAlreadyExists, err)
	}
	return err
}

func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.run(ctx, "rename", from, func() error {
		return c.sftpClient.Rename(from, to)
	})
}

func (c *Client) DeleteFile(ctx context.Context, path string) error {
	return c.run(ctx, "delete", path, func() error {
		return c.sftpClient.Remove(path)
	})
}

func (c *Client) DeleteEmptyDir(ctx context.Context, path string) error {
	return c.run(ctx, "rmdir", path, func() error {
		return c.sftpClient.RemoveDirectory(path)
	})
}

func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := c.run(ctx, "size", path, func() error {
		info, err := c.sftpClient.Stat(path)
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	})
	return size, err
}

func (c *Client) Getwd(ctx context.Context) (string, error) {
	var dir string
	err := c.run(ctx, "pwd", "", func() error {
		var err error
		dir, err = c.sftpClient.Getwd()
		return err
	})
	return dir, err
}

func (c *Client) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	var f *sftp.File
	err := c.run(ctx, "retrieve", path, func() error {
		var err error
		f, err = c.sftpClient.Open(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.track(f)
	return &remoteFile{c: c, f: f, op: "retrieve", path: path}, nil
}

func (c *Client) Store(ctx context.Context, path string) (io.WriteCloser, error) {
	var f *sftp.File
	err := c.run(ctx, "store", path, func() error {
		var err error
		f, err = c.sftpClient.Create(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.track(f)
	return &remoteFile{c: c, f: f, op: "store", path: path}, nil
}

func (c *Client) track(f *sftp.File) {
	c.mu.Lock()
	c.file = f
	c.aborted = false
	c.mu.Unlock()
}

func (c *Client) untrack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	aborted := c.aborted
	c.file = nil
	c.aborted = false
	return aborted
}

func (c *Client) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Abort closes the remote handle of the running transfer. SFTP requests are
// multiplexed, so the channel stays usable afterwards.
func (c *Client) Abort() error {
	c.mu.Lock()
	c.aborted = true
	f := c.file
	c.mu.Unlock()

	if f != nil {
		// File.Close waits for an in-flight read or write to return.
		go f.Close()
	}
	return nil
}

func (c *Client) closeTransport() {
	if c.sshClient != nil {
		c.sshClient.Close()
	}
	c.sftpClient.Close()
}

// Close closes the SFTP connection
func (c *Client) Close() error {
	err := c.sftpClient.Close()
	if c.sshClient != nil {
		if cerr := c.sshClient.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type remoteFile struct {
	c      *Client
	f      *sftp.File
	op     string
	path   string
	closed bool
}

func (r *remoteFile) Read(p []byte) (int, error) {
	if r.c.isAborted() {
		return 0, vfs.NewError(r.op, r.path, vfs.ErrInterrupted, errAborted)
	}
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		err = r.mapTransfer(err)
	}
	return n, err
}

func (r *remoteFile) Write(p []byte) (int, error) {
	if r.c.isAborted() {
		return 0, vfs.NewError(r.op, r.path, vfs.ErrInterrupted, errAborted)
	}
	n, err := r.f.Write(p)
	if err != nil {
		err = r.mapTransfer(err)
	}
	return n, err
}

func (r *remoteFile) mapTransfer(err error) error {
	if r.c.isAborted() {
		return vfs.NewError(r.op, r.path, vfs.ErrInterrupted, err)
	}
	return mapError(r.op, r.path, err)
}

func (r *remoteFile) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.f.Close()
	if r.c.untrack() {
		return vfs.NewError(r.op, r.path, vfs.ErrInterrupted, errAborted)
	}
	return mapError(r.op, r.path, err)
}

// mapError classifies SFTP status codes and transport errors.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *vfs.OpError
	if errors.As(err, &opErr) {
		return err
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		return vfs.NewError(op, path, statusKind(status.Code), err)
	}
	if errors.Is(err, errAborted) {
		return vfs.NewError(op, path, vfs.ErrInterrupted, err)
	}
	if netErr := vfs.FromNet(op, path, err); netErr != nil {
		return netErr
	}
	if strings.Contains(err.Error(), "connection lost") {
		return vfs.NewError(op, path, vfs.ErrConnectionLost, err)
	}
	return vfs.FromOS(op, path, err)
}

func statusKind(code uint32) error {
	switch code {
	case fxNoSuchFile:
		return vfs.ErrNotFound
	case fxPermissionDenied:
		return vfs.ErrPermissionDenied
	case fxFileExists:
		return vfs.ErrAlreadyExists
	case fxNoSpace, fxQuotaExceeded:
		return vfs.ErrDiskFull
	case fxNoConnection, fxConnectionLost:
		return vfs.ErrConnectionLost
	case fxBadMessage, fxOpUnsupported:
		return vfs.ErrProtocol
	case fxFailure, fxDirNotEmpty:
		return vfs.ErrIO
	}
	return vfs.ErrIO
}
