// Package sessiontest provides an in-memory session.Driver for tests.
package sessiontest

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// ErrDataClosed is what a data read or write returns after Abort.
var ErrDataClosed = errors.New("data connection closed")

type node struct {
	dir     bool
	data    []byte
	modTime time.Time
}

// MemDriver is a remote filesystem held in memory. It is safe for use by
// the worker and the test goroutine at the same time.
type MemDriver struct {
	mu       sync.Mutex
	nodes    map[string]*node
	failures map[string]error
	blocked  map[string]chan struct{}
	abort    chan struct{}
	calls    []string
	closed   bool
	cwd      string
}

// NewMemDriver returns a driver holding only the root directory.
func NewMemDriver() *MemDriver {
	return &MemDriver{
		nodes:    map[string]*node{"/": {dir: true}},
		failures: map[string]error{},
		blocked:  map[string]chan struct{}{},
		cwd:      "/",
	}
}

// Dialer accepts any address and returns d.
func Dialer(d *MemDriver) session.Dialer {
	return func(ctx context.Context, addr session.Address, timeout time.Duration) (session.Driver, error) {
		d.mu.Lock()
		d.closed = false
		d.mu.Unlock()
		return d, nil
	}
}

// Connect returns a session already connected to d over the "ftp" scheme.
func Connect(d *MemDriver) (*session.Session, error) {
	s := session.New(session.Config{
		Dialers:   map[string]session.Dialer{"ftp": Dialer(d)},
		OpTimeout: 5 * time.Second,
		Logger:    zerolog.Nop(),
	})
	err := s.Connect(context.Background(), session.Address{Scheme: "ftp", Host: "mem.test", User: "anonymous"})
	return s, err
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// AddDir creates p and its parents.
func (d *MemDriver) AddDir(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(clean(p))
}

func (d *MemDriver) mkdirAll(p string) {
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		if _, ok := d.nodes[cur]; !ok {
			d.nodes[cur] = &node{dir: true, modTime: time.Now()}
		}
	}
}

// AddFile creates p with data, creating parents as needed.
func (d *MemDriver) AddFile(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	d.mkdirAll(path.Dir(p))
	d.nodes[p] = &node{data: append([]byte(nil), data...), modTime: time.Now()}
}

// SetCwd sets the directory reported by Getwd.
func (d *MemDriver) SetCwd(p string) {
	d.mu.Lock()
	d.cwd = clean(p)
	d.mu.Unlock()
}

// FailOn makes the next call of op on p return err. Ops are "list",
// "mkdir", "rename", "delete", "rmdir", "size", "retrieve", "store", "read"
// and "write".
func (d *MemDriver) FailOn(op, p string, err error) {
	d.mu.Lock()
	d.failures[op+" "+clean(p)] = err
	d.mu.Unlock()
}

// Block makes the first data chunk of p wait until the transfer is
// aborted. The returned channel is closed when that chunk is reached.
func (d *MemDriver) Block(p string) <-chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.blocked[clean(p)] = ch
	d.mu.Unlock()
	return ch
}

// File returns the content of p.
func (d *MemDriver) File(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[clean(p)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether p exists.
func (d *MemDriver) Exists(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[clean(p)]
	return ok
}

// IsDir reports whether p is a directory.
func (d *MemDriver) IsDir(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[clean(p)]
	return ok && n.dir
}

// Calls returns the control operations issued so far as "op path".
func (d *MemDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// ResetCalls clears the call log.
func (d *MemDriver) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// Closed reports whether the session closed the driver.
func (d *MemDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// begin records a call and returns a pending injected failure. Callers hold d.mu.
func (d *MemDriver) begin(op, p string) error {
	d.calls = append(d.calls, op+" "+p)
	key := op + " " + p
	if err, ok := d.failures[key]; ok {
		delete(d.failures, key)
		return err
	}
	return nil
}

func (d *MemDriver) children(dir string) []string {
	var out []string
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	for p := range d.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		if !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (d *MemDriver) List(ctx context.Context, p string) ([]vfs.DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("list", p); err != nil {
		return nil, err
	}
	n, ok := d.nodes[p]
	if !ok || !n.dir {
		return nil, vfs.NewError("list", p, vfs.ErrNotFound, nil)
	}

	var entries []vfs.DirEntry
	for _, child := range d.children(p) {
		c := d.nodes[child]
		e := vfs.DirEntry{Name: path.Base(child), Kind: vfs.KindFile, Size: int64(len(c.data)), ModTime: c.modTime}
		if c.dir {
			e.Kind = vfs.KindDir
			e.Size = 0
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (d *MemDriver) Mkdir(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("mkdir", p); err != nil {
		return err
	}
	if _, ok := d.nodes[p]; ok {
		return vfs.NewError("mkdir", p, vfs.ErrAlreadyExists, nil)
	}
	if parent, ok := d.nodes[path.Dir(p)]; !ok || !parent.dir {
		return vfs.NewError("mkdir", p, vfs.ErrNotFound, nil)
	}
	d.nodes[p] = &node{dir: true, modTime: time.Now()}
	return nil
}

func (d *MemDriver) Rename(ctx context.Context, from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	from, to = clean(from), clean(to)
	if err := d.begin("rename", from); err != nil {
		return err
	}
	if _, ok := d.nodes[from]; !ok {
		return vfs.NewError("rename", from, vfs.ErrNotFound, nil)
	}
	if _, ok := d.nodes[to]; ok {
		return vfs.NewError("rename", to, vfs.ErrAlreadyExists, nil)
	}
	for p, n := range d.nodes {
		if p == from || strings.HasPrefix(p, from+"/") {
			delete(d.nodes, p)
			d.nodes[to+strings.TrimPrefix(p, from)] = n
		}
	}
	return nil
}

func (d *MemDriver) DeleteFile(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("delete", p); err != nil {
		return err
	}
	n, ok := d.nodes[p]
	if !ok {
		return vfs.NewError("delete", p, vfs.ErrNotFound, nil)
	}
	if n.dir {
		return vfs.NewError("delete", p, vfs.ErrIO, errors.New("is a directory"))
	}
	delete(d.nodes, p)
	return nil
}

func (d *MemDriver) DeleteEmptyDir(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("rmdir", p); err != nil {
		return err
	}
	n, ok := d.nodes[p]
	if !ok {
		return vfs.NewError("rmdir", p, vfs.ErrNotFound, nil)
	}
	if !n.dir {
		return vfs.NewError("rmdir", p, vfs.ErrIO, errors.New("not a directory"))
	}
	if len(d.children(p)) > 0 {
		return vfs.NewError("rmdir", p, vfs.ErrIO, errors.New("directory not empty"))
	}
	delete(d.nodes, p)
	return nil
}

func (d *MemDriver) Size(ctx context.Context, p string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("size", p); err != nil {
		return 0, err
	}
	n, ok := d.nodes[p]
	if !ok || n.dir {
		return 0, vfs.NewError("size", p, vfs.ErrNotFound, nil)
	}
	return int64(len(n.data)), nil
}

func (d *MemDriver) Getwd(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("pwd", ""); err != nil {
		return "", err
	}
	return d.cwd, nil
}

func (d *MemDriver) startTransfer() chan struct{} {
	abort := make(chan struct{})
	d.abort = abort
	return abort
}

func (d *MemDriver) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("retrieve", p); err != nil {
		return nil, err
	}
	n, ok := d.nodes[p]
	if !ok || n.dir {
		return nil, vfs.NewError("retrieve", p, vfs.ErrNotFound, nil)
	}
	return &memReader{d: d, path: p, data: append([]byte(nil), n.data...), abort: d.startTransfer()}, nil
}

func (d *MemDriver) Store(ctx context.Context, p string) (io.WriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = clean(p)
	if err := d.begin("store", p); err != nil {
		return nil, err
	}
	if parent, ok := d.nodes[path.Dir(p)]; !ok || !parent.dir {
		return nil, vfs.NewError("store", p, vfs.ErrNotFound, nil)
	}
	if n, ok := d.nodes[p]; ok && n.dir {
		return nil, vfs.NewError("store", p, vfs.ErrIO, errors.New("is a directory"))
	}
	// Servers create the file as soon as the transfer starts.
	d.nodes[p] = &node{modTime: time.Now()}
	return &memWriter{d: d, path: p, abort: d.startTransfer()}, nil
}

// chunk runs before every data read or write. It applies injected
// failures and blocking, and reports an abort.
func (d *MemDriver) chunk(op, p string, abort chan struct{}) error {
	d.mu.Lock()
	err := d.failures[op+" "+p]
	delete(d.failures, op+" "+p)
	started, block := d.blocked[p]
	delete(d.blocked, p)
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if block {
		close(started)
		select {
		case <-abort:
		case <-time.After(10 * time.Second):
		}
	}
	select {
	case <-abort:
		return ErrDataClosed
	default:
		return nil
	}
}

func (d *MemDriver) Abort() error {
	d.mu.Lock()
	abort := d.abort
	d.abort = nil
	d.mu.Unlock()
	if abort != nil {
		close(abort)
	}
	return nil
}

func (d *MemDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) endTransfer(abort chan struct{}) {
	d.mu.Lock()
	if d.abort == abort {
		d.abort = nil
	}
	d.mu.Unlock()
}

type memReader struct {
	d     *MemDriver
	path  string
	data  []byte
	pos   int
	abort chan struct{}
}

func (r *memReader) Read(p []byte) (int, error) {
	if err := r.d.chunk("read", r.path, r.abort); err != nil {
		return 0, err
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *memReader) Close() error {
	r.d.endTransfer(r.abort)
	return nil
}

type memWriter struct {
	d     *MemDriver
	path  string
	buf   []byte
	abort chan struct{}
}

func (w *memWriter) Write(p []byte) (int, error) {
	if err := w.d.chunk("write", w.path, w.abort); err != nil {
		return 0, err
	}
	w.buf = append(w.buf, p...)
	w.d.mu.Lock()
	if n, ok := w.d.nodes[w.path]; ok {
		n.data = append([]byte(nil), w.buf...)
	}
	w.d.mu.Unlock()
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.d.endTransfer(w.abort)
	return nil
}
