package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/storage"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// Store is the part of the ConnectionStore the session needs.
type Store interface {
	Load() (storage.ConnectionRecord, bool, error)
	Save(rec storage.ConnectionRecord) error
}

// Config wires a Session.
type Config struct {
	Store          Store
	Dialers        map[string]Dialer
	Fallback       Address // Compiled-in or configured default
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	Logger         zerolog.Logger
}

// Direction of a data channel.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Session owns the single control connection to the remote server.
//
// Callers never use it from two goroutines at once for control operations:
// the controller and the transfer worker take turns. Only Abort, Connected
// and Address are safe to call while another goroutine is inside an
// operation.
type Session struct {
	store          Store
	dialers        map[string]Dialer
	fallback       Address
	connectTimeout time.Duration
	opTimeout      time.Duration
	log            zerolog.Logger

	mu      sync.Mutex
	driver  Driver
	addr    Address
	tried   Address // target of the latest Connect, successful or not
	strikes int
	active  *DataChannel
}

// New creates a disconnected Session.
func New(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = storage.DefaultConnectTimeout * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = storage.DefaultOpTimeout * time.Second
	}
	dialers := make(map[string]Dialer, len(cfg.Dialers))
	for scheme, d := range cfg.Dialers {
		dialers[scheme] = d
	}
	return &Session{
		store:          cfg.Store,
		dialers:        dialers,
		fallback:       cfg.Fallback.Normalized(),
		connectTimeout: cfg.ConnectTimeout,
		opTimeout:      cfg.OpTimeout,
		log:            cfg.Logger,
	}
}

// Connected reports whether a control connection is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver != nil
}

// Address returns the address of the current (or last) connection.
func (s *Session) Address() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// LastTried returns the address of the latest connect attempt. It is the
// zero Address before the first attempt.
func (s *Session) LastTried() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tried
}

// Fallback returns the default address used by EnsureConnected.
func (s *Session) Fallback() Address {
	return s.fallback
}

// Connect dials and authenticates addr. On success the new connection
// replaces any previous one and the address is saved as last-known-good. On
// failure the current connection and the store are left alone; only
// LastTried moves.
func (s *Session) Connect(ctx context.Context, addr Address) error {
	addr = addr.Normalized()
	if err := addr.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tried = addr
	s.mu.Unlock()

	dial, ok := s.dialers[addr.Scheme]
	if !ok {
		return vfs.NewError("connect", addr.String(), vfs.ErrValidation, fmt.Errorf("unsupported scheme %q", addr.Scheme))
	}

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	s.log.Info().Str("addr", addr.String()).Msg("connecting")
	drv, err := dial(ctx, addr, s.connectTimeout)
	if err != nil {
		ce := DialError(addr, err)
		s.log.Error().Err(err).Str("addr", addr.String()).Str("reason", ce.Reason.String()).Msg("connect failed")
		return ce
	}

	s.mu.Lock()
	old := s.driver
	s.driver = drv
	s.addr = addr
	s.strikes = 0
	s.mu.Unlock()

	if old != nil && old != drv {
		old.Close()
	}

	if s.store != nil {
		if err := s.store.Save(addr.Record()); err != nil {
			s.log.Warn().Err(err).Msg("failed to save last connection")
		}
	}
	s.log.Info().Str("addr", addr.String()).Msg("connected")
	return nil
}

// EnsureConnected is a no-op when connected. Otherwise it tries the stored
// last-good address, then the default address, once each.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.Connected() {
		return nil
	}

	var lastErr error
	var tried []Address

	if s.store != nil {
		rec, ok, err := s.store.Load()
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to load last connection")
		}
		if ok {
			addr := FromRecord(rec)
			tried = append(tried, addr)
			if lastErr = s.Connect(ctx, addr); lastErr == nil {
				return nil
			}
		}
	}

	if s.fallback.Host != "" && !containsAddr(tried, s.fallback) {
		if lastErr = s.Connect(ctx, s.fallback); lastErr == nil {
			return nil
		}
	}

	if lastErr == nil {
		lastErr = vfs.NewError("connect", "", vfs.ErrValidation, errors.New("no address configured"))
	}
	return lastErr
}

func containsAddr(list []Address, addr Address) bool {
	for _, a := range list {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// Disconnect closes the control connection. The stored record is untouched.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	drv := s.driver
	addr := s.addr
	s.driver = nil
	s.active = nil
	s.mu.Unlock()

	if drv == nil {
		return nil
	}
	s.log.Info().Str("addr", addr.String()).Msg("disconnected")
	return drv.Close()
}

func (s *Session) current(op, path string) (Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return nil, vfs.NewError(op, path, vfs.ErrNotConnected, nil)
	}
	return s.driver, nil
}

// drop forgets drv if it is still the current driver.
func (s *Session) drop(drv Driver, cause error) {
	s.mu.Lock()
	if s.driver != drv {
		s.mu.Unlock()
		return
	}
	addr := s.addr
	s.driver = nil
	s.active = nil
	s.mu.Unlock()

	s.log.Warn().Err(cause).Str("addr", addr.String()).Msg("connection lost")
	drv.Close()
}

// finish classifies the outcome of a control operation. Timeouts and lost
// links drop the driver. A protocol error counts as a strike and two strikes
// in a row mean the connection is no longer trusted.
func (s *Session) finish(drv Driver, op, path string, err error) error {
	if err == nil {
		s.mu.Lock()
		s.strikes = 0
		s.mu.Unlock()
		return nil
	}

	var opErr *vfs.OpError
	if !errors.As(err, &opErr) {
		if netErr := vfs.FromNet(op, path, err); netErr != nil {
			err = netErr
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = vfs.NewError(op, path, vfs.ErrTimeout, err)
		} else {
			err = vfs.NewError(op, path, vfs.ErrIO, err)
		}
	}

	switch {
	case errors.Is(err, vfs.ErrConnectionLost):
		s.drop(drv, err)
	case errors.Is(err, vfs.ErrTimeout):
		// The reply may still arrive later and desynchronise the channel
		s.drop(drv, err)
		err = vfs.NewError(op, path, vfs.ErrConnectionLost, err)
	case errors.Is(err, vfs.ErrProtocol):
		s.mu.Lock()
		s.strikes++
		strikes := s.strikes
		s.mu.Unlock()
		if strikes >= 2 {
			s.drop(drv, err)
			err = vfs.NewError(op, path, vfs.ErrConnectionLost, err)
		}
	default:
		s.mu.Lock()
		s.strikes = 0
		s.mu.Unlock()
	}
	return err
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// List returns the entries of a remote directory, without "." and "..".
func (s *Session) List(ctx context.Context, path string) ([]vfs.DirEntry, error) {
	drv, err := s.current("list", path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entries, err := drv.List(ctx, path)
	if err = s.finish(drv, "list", path, err); err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Name == "" || e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Session) Mkdir(ctx context.Context, path string) error {
	drv, err := s.current("mkdir", path)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.finish(drv, "mkdir", path, drv.Mkdir(ctx, path))
}

func (s *Session) Rename(ctx context.Context, from, to string) error {
	drv, err := s.current("rename", from)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.finish(drv, "rename", from, drv.Rename(ctx, from, to))
}

func (s *Session) DeleteFile(ctx context.Context, path string) error {
	drv, err := s.current("delete", path)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.finish(drv, "delete", path, drv.DeleteFile(ctx, path))
}

// DeleteEmptyDir removes a directory. Servers reject non-empty ones, so
// recursive deletes are planned bottom-up by the caller.
func (s *Session) DeleteEmptyDir(ctx context.Context, path string) error {
	drv, err := s.current("rmdir", path)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.finish(drv, "rmdir", path, drv.DeleteEmptyDir(ctx, path))
}

func (s *Session) Size(ctx context.Context, path string) (int64, error) {
	drv, err := s.current("size", path)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	size, err := drv.Size(ctx, path)
	return size, s.finish(drv, "size", path, err)
}

// Getwd returns the remote working directory.
func (s *Session) Getwd(ctx context.Context) (string, error) {
	drv, err := s.current("pwd", "")
	if err != nil {
		return "", err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	dir, err := drv.Getwd(ctx)
	return dir, s.finish(drv, "pwd", "", err)
}

// OpenDataChannel opens the data connection for one file transfer. Only one
// channel can be open at a time.
func (s *Session) OpenDataChannel(ctx context.Context, path string, dir Direction) (*DataChannel, error) {
	drv, err := s.current(dir.String(), path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	busy := s.active != nil
	s.mu.Unlock()
	if busy {
		return nil, vfs.NewError(dir.String(), path, vfs.ErrIO, errors.New("another transfer is in progress"))
	}

	ch := &DataChannel{s: s, drv: drv, path: path, dir: dir}
	switch dir {
	case Upload:
		ch.w, err = drv.Store(ctx, path)
	default:
		ch.r, err = drv.Retrieve(ctx, path)
	}
	if err = s.finish(drv, dir.String(), path, err); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active = ch
	s.mu.Unlock()
	return ch, nil
}

// Abort interrupts the active data channel. It is a no-op when nothing is
// transferring and is safe to call from any goroutine.
func (s *Session) Abort() {
	s.mu.Lock()
	ch := s.active
	drv := s.driver
	s.mu.Unlock()

	if ch == nil || drv == nil {
		return
	}
	ch.aborted.Store(true)

	s.log.Info().Str("path", ch.path).Msg("aborting transfer")
	if err := drv.Abort(); err != nil {
		s.log.Warn().Err(err).Msg("abort left the control channel unusable")
		if vfs.IsConnectionLost(err) {
			s.drop(drv, err)
		}
	}
}

func (s *Session) release(ch *DataChannel) {
	s.mu.Lock()
	if s.active == ch {
		s.active = nil
	}
	s.mu.Unlock()
}

// DataChannel is an open transfer of one file. Read is valid for downloads,
// Write for uploads.
type DataChannel struct {
	s       *Session
	drv     Driver
	path    string
	dir     Direction
	r       io.ReadCloser
	w       io.WriteCloser
	aborted atomic.Bool
	closed  bool
}

func (c *DataChannel) Path() string {
	return c.path
}

func (c *DataChannel) Read(p []byte) (int, error) {
	if c.r == nil {
		return 0, vfs.NewError("read", c.path, vfs.ErrIO, errors.New("channel opened for upload"))
	}
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		err = c.fail("read", err)
	}
	return n, err
}

func (c *DataChannel) Write(p []byte) (int, error) {
	if c.w == nil {
		return 0, vfs.NewError("write", c.path, vfs.ErrIO, errors.New("channel opened for download"))
	}
	n, err := c.w.Write(p)
	if err != nil {
		err = c.fail("write", err)
	}
	return n, err
}

// Close ends the transfer. For uploads the error reflects the server's final
// reply for the file.
func (c *DataChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.s.release(c)

	var err error
	if c.w != nil {
		err = c.w.Close()
	} else {
		err = c.r.Close()
	}
	if err != nil {
		return c.fail("close", err)
	}
	if c.aborted.Load() {
		return vfs.NewError(c.dir.String(), c.path, vfs.ErrInterrupted, nil)
	}
	return nil
}

func (c *DataChannel) fail(op string, err error) error {
	if c.aborted.Load() && !vfs.IsConnectionLost(err) {
		return vfs.NewError(op, c.path, vfs.ErrInterrupted, err)
	}
	return c.s.finish(c.drv, op, c.path, err)
}
