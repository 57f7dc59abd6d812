// Package ftp is the ftp:// and ftps:// driver of the session layer.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

var errAborted = errors.New("transfer aborted")

// Client is one FTP control connection.
type Client struct {
	conn    *ftp.ServerConn
	addr    session.Address
	timeout time.Duration
	dialCtx context.Context

	mu       sync.Mutex
	control  net.Conn
	dataConn net.Conn
	pipe     *io.PipeReader
	aborted  bool
}

// Dial connects and logs in. It satisfies session.Dialer.
func Dial(ctx context.Context, addr session.Address, timeout time.Duration) (session.Driver, error) {
	c := &Client{
		addr:    addr,
		timeout: timeout,
		dialCtx: ctx,
	}

	opts := []ftp.DialOption{
		ftp.DialWithTimeout(timeout),
		ftp.DialWithContext(ctx),
		ftp.DialWithDialFunc(c.dial),
	}
	if addr.Scheme == "ftps" {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: addr.Host}))
	}

	conn, err := ftp.Dial(addr.HostPort(), opts...)
	if err != nil {
		return nil, session.DialError(addr, err)
	}

	if err := conn.Login(addr.User, addr.Password); err != nil {
		conn.Quit()
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && isAuthCode(tpErr.Code) {
			return nil, session.AuthError(addr, err)
		}
		return nil, session.DialError(addr, err)
	}

	c.conn = conn
	c.dialCtx = context.Background()
	return c, nil
}

func isAuthCode(code int) bool {
	switch code {
	case codeNotLoggedIn, codeInvalidCredentials, codeNeedAccount, codeStorNeedAccount:
		return true
	}
	return false
}

// dial opens the control connection first and data connections afterwards.
// Every socket gets per-call deadlines so no read or write blocks forever.
func (c *Client) dial(network, address string) (net.Conn, error) {
	c.mu.Lock()
	ctx := c.dialCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	dc := &deadlineConn{Conn: conn, timeout: c.timeout}

	c.mu.Lock()
	if c.control == nil {
		c.control = dc
	} else {
		c.dataConn = dc
	}
	c.mu.Unlock()
	return dc, nil
}

func (c *Client) List(ctx context.Context, path string) ([]vfs.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, vfs.NewError("list", path, vfs.ErrTimeout, err)
	}
	entries, err := c.conn.List(path)
	if err != nil {
		return nil, mapError("list", path, err)
	}

	out := make([]vfs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Name == "" || e.Name == "." || e.Name == ".." {
			continue
		}
		entry := vfs.DirEntry{
			Name:    e.Name,
			Kind:    vfs.KindFile,
			Size:    int64(e.Size),
			ModTime: e.Time,
		}
		if e.Type == ftp.EntryTypeFolder {
			entry.Kind = vfs.KindDir
			entry.Size = 0
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return vfs.NewError("mkdir", path, vfs.ErrTimeout, err)
	}
	return mapError("mkdir", path, c.conn.MakeDir(path))
}

func (c *Client) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return vfs.NewError("rename", from, vfs.ErrTimeout, err)
	}
	return mapError("rename", from, c.conn.Rename(from, to))
}

func (c *Client) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return vfs.NewError("delete", path, vfs.ErrTimeout, err)
	}
	return mapError("delete", path, c.conn.Delete(path))
}

func (c *Client) DeleteEmptyDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return vfs.NewError("rmdir", path, vfs.ErrTimeout, err)
	}
	return mapError("rmdir", path, c.conn.RemoveDir(path))
}

func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, vfs.NewError("size", path, vfs.ErrTimeout, err)
	}
	size, err := c.conn.FileSize(path)
	return size, mapError("size", path, err)
}

func (c *Client) Getwd(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", vfs.NewError("pwd", "", vfs.ErrTimeout, err)
	}
	dir, err := c.conn.CurrentDir()
	return dir, mapError("pwd", "", err)
}

func (c *Client) beginTransfer(pipe *io.PipeReader) {
	c.mu.Lock()
	c.aborted = false
	c.dataConn = nil
	c.pipe = pipe
	c.mu.Unlock()
}

// endTransfer runs on the transfer goroutine once the server's final reply
// has been consumed. After an abort a NOOP checks the control channel, so a
// dead link is reported as lost rather than as a file error.
func (c *Client) endTransfer(op, path string, err error) error {
	c.mu.Lock()
	aborted := c.aborted
	c.aborted = false
	c.pipe = nil
	c.dataConn = nil
	c.mu.Unlock()

	if !aborted {
		return mapError(op, path, err)
	}
	if nerr := c.conn.NoOp(); nerr != nil {
		return vfs.NewError("noop", path, vfs.ErrConnectionLost, nerr)
	}
	return vfs.NewError(op, path, vfs.ErrInterrupted, err)
}

func (c *Client) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Client) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, vfs.NewError("retrieve", path, vfs.ErrTimeout, err)
	}
	c.beginTransfer(nil)
	resp, err := c.conn.Retr(path)
	if err != nil {
		c.endTransfer("retrieve", path, nil)
		return nil, mapError("retrieve", path, err)
	}
	return &reader{c: c, resp: resp, path: path}, nil
}

func (c *Client) Store(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, vfs.NewError("store", path, vfs.ErrTimeout, err)
	}
	pr, pw := io.Pipe()
	c.beginTransfer(pr)

	w := &writer{c: c, pw: pw, path: path, done: make(chan error, 1)}
	go func() {
		err := c.conn.Stor(path, pr)
		if err != nil {
			// Unblock the producer with a classified error
			pr.CloseWithError(mapError("store", path, err))
		} else {
			pr.Close()
		}
		w.done <- err
	}()
	return w, nil
}

// Abort closes the data connection under the running transfer. The
// transfer goroutine then consumes the server's reply and checks the control
// channel in endTransfer.
func (c *Client) Abort() error {
	c.mu.Lock()
	c.aborted = true
	dc := c.dataConn
	pr := c.pipe
	c.mu.Unlock()

	if pr != nil {
		pr.CloseWithError(errAborted)
	}
	if dc != nil {
		dc.Close()
	}
	return nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Quit()
}

type reader struct {
	c    *Client
	resp *ftp.Response
	path string
	done bool
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.resp.Read(p)
	if err != nil && err != io.EOF {
		if r.c.isAborted() {
			return n, vfs.NewError("retrieve", r.path, vfs.ErrInterrupted, err)
		}
		err = mapError("retrieve", r.path, err)
	}
	return n, err
}

func (r *reader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.c.endTransfer("retrieve", r.path, r.resp.Close())
}

type writer struct {
	c      *Client
	pw     *io.PipeWriter
	path   string
	done   chan error
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pw.Close()
	return w.c.endTransfer("store", w.path, <-w.done)
}

// mapError classifies FTP replies and transport errors.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *vfs.OpError
	if errors.As(err, &opErr) {
		return err
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return vfs.NewError(op, path, replyKind(op, tpErr), err)
	}
	if errors.Is(err, errAborted) {
		return vfs.NewError(op, path, vfs.ErrInterrupted, err)
	}
	if netErr := vfs.FromNet(op, path, err); netErr != nil {
		return netErr
	}
	return vfs.NewError(op, path, vfs.ErrProtocol, err)
}

// Reply codes of RFC 959 and RFC 3659 that change the error kind.
const (
	codeNeedAccount         = 332
	codeNotAvailable        = 421
	codeTransferAborted     = 426
	codeInvalidCredentials  = 430
	codeFileBusy            = 450
	codeInsufficientStorage = 452
	codeBadCommand          = 500
	codeBadArguments        = 501
	codeNotImplemented      = 502
	codeBadSequence         = 503
	codeBadParameter        = 504
	codeDirExists           = 521
	codeNotLoggedIn         = 530
	codeStorNeedAccount     = 532
	codeFileUnavailable     = 550
	codeExceededStorage     = 552
	codeBadFileName         = 553
)

func replyKind(op string, e *textproto.Error) error {
	msg := strings.ToLower(e.Msg)
	denied := strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed")

	switch e.Code {
	case codeNotAvailable:
		return vfs.ErrConnectionLost
	case codeNotLoggedIn, codeNeedAccount, codeStorNeedAccount, codeBadFileName:
		return vfs.ErrPermissionDenied
	case codeInsufficientStorage, codeExceededStorage:
		return vfs.ErrDiskFull
	case codeTransferAborted:
		return vfs.ErrInterrupted
	case codeDirExists:
		return vfs.ErrAlreadyExists
	case codeFileBusy, codeFileUnavailable:
		switch {
		case denied:
			return vfs.ErrPermissionDenied
		case strings.Contains(msg, "exist") && op == "mkdir":
			return vfs.ErrAlreadyExists
		case strings.Contains(msg, "not empty"):
			return vfs.ErrIO
		}
		return vfs.ErrNotFound
	case codeBadCommand, codeBadArguments, codeNotImplemented, codeBadSequence, codeBadParameter:
		return vfs.ErrProtocol
	}
	if denied {
		return vfs.ErrPermissionDenied
	}
	return vfs.ErrIO
}

// deadlineConn refreshes the read/write deadline on every call.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}
