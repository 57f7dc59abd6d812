// Package controller is the interaction state machine of the file manager.
// It owns the panes and their selections, turns key presses into actions and
// keeps remote calls out of the way of a running transfer batch. It draws
// nothing; the tui package renders its state.
package controller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/transfer"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// MaxViewSize caps the bytes loaded into the viewer and the editor.
const MaxViewSize = 10 * 1024 * 1024

// quitWait bounds how long quitting waits for a cancelled batch.
const quitWait = 2 * time.Second

// State of the controller.
type State int

const (
	Browsing State = iota
	InModal
	Transferring
	Quit
)

func (s State) String() string {
	switch s {
	case Browsing:
		return "browsing"
	case InModal:
		return "modal"
	case Transferring:
		return "transferring"
	case Quit:
		return "quit"
	}
	return "unknown"
}

// ModalKind is the sub-state of InModal.
type ModalKind int

const (
	ModalNone ModalKind = iota
	ConfirmDelete
	ConfirmOverwrite
	InputRename
	InputMkdir
	InputAddress
	InputSearch
	Viewer
	Editor
)

// IsInput reports whether the modal collects a line of text.
func (k ModalKind) IsInput() bool {
	return k == InputRename || k == InputMkdir || k == InputAddress || k == InputSearch
}

// IsConfirm reports whether the modal is a yes/no question.
func (k ModalKind) IsConfirm() bool {
	return k == ConfirmDelete || k == ConfirmOverwrite
}

// Modal is the dialog currently shown.
type Modal struct {
	Kind      ModalKind
	Title     string
	Prompt    string
	Value     string // prefilled input
	Err       error  // validation error shown inside the modal
	Text      string // viewer content
	Truncated bool
	Path      string
}

// Level of a status message.
type Level int

const (
	Info Level = iota
	Success
	Error
)

// Status is the one-line message under the panes.
type Status struct {
	Text  string
	Level Level
}

// EffectKind names work the caller performs on the controller's behalf.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectQuit
	EffectEdit // run the editor on Path, then call EditDone
	EffectCopy // put Text on the clipboard
)

// Effect is returned by HandleKey and Submit.
type Effect struct {
	Kind EffectKind
	Path string
	Text string
}

// Config wires a Controller.
type Config struct {
	Session    *session.Session
	Local      endpoint.Endpoint
	Remote     endpoint.Endpoint // defaults to endpoint.NewRemote(Session)
	Queue      *transfer.Queue
	Planner    *transfer.Planner
	Keys       KeyMap
	StartDir   string
	TempDir    string
	ShowHidden bool
	Logger     zerolog.Logger
}

// batch is the controller's view of the batch it handed to the queue.
type batch struct {
	token    uint64
	kind     transfer.JobKind
	origin   endpoint.Side
	clearSel bool
	cleanup  string // temp dir removed when the batch ends
	success  string // message shown instead of the summary on full success
}

type editSession struct {
	dir       string
	local     string
	remoteDir string
	modTime   time.Time
	size      int64
}

// Controller is driven by one goroutine, the UI loop. Only the queue worker
// runs beside it, and the two meet through Queue.Updates and Queue.Cancel.
type Controller struct {
	session *session.Session
	queue   *transfer.Queue
	planner *transfer.Planner
	keys    KeyMap
	tempDir string
	log     zerolog.Logger

	panes  [2]*Pane
	active endpoint.Side
	rows   int

	state    State
	modal    Modal
	status   Status
	target   *session.Address // address chosen with set-address
	pending  *transfer.PlanRequest
	token    uint64
	batch    *batch
	progress transfer.Progress
	edit     *editSession

	authRejected bool
}

// New creates a controller in the Browsing state. Call Start to connect and
// list both panes.
func New(cfg Config) *Controller {
	if cfg.Remote == nil {
		cfg.Remote = endpoint.NewRemote(cfg.Session)
	}
	if cfg.Local == nil {
		cfg.Local = endpoint.NewLocal()
	}
	if cfg.Planner == nil {
		cfg.Planner = transfer.NewPlanner(cfg.Logger)
	}
	if cfg.StartDir == "" {
		cfg.StartDir, _ = os.Getwd()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	c := &Controller{
		session: cfg.Session,
		queue:   cfg.Queue,
		planner: cfg.Planner,
		keys:    cfg.Keys,
		tempDir: cfg.TempDir,
		log:     cfg.Logger,
		active:  endpoint.Local,
	}
	c.panes[endpoint.Local] = newPane(cfg.Local, cfg.StartDir, cfg.ShowHidden)
	c.panes[endpoint.Remote] = newPane(cfg.Remote, "/", cfg.ShowHidden)
	return c
}

// Start lists the local pane and connects: to target when given, else
// through the remembered and default addresses.
func (c *Controller) Start(ctx context.Context, target *session.Address) error {
	if err := c.panes[endpoint.Local].reload(ctx); err != nil {
		c.log.Warn().Err(err).Str("path", c.panes[endpoint.Local].Path).Msg("failed to list local directory")
	}

	var err error
	if target != nil {
		c.target = target
		err = c.session.Connect(ctx, *target)
	} else {
		err = c.session.EnsureConnected(ctx)
	}
	if err != nil {
		c.connectFailed(err)
		return err
	}
	c.afterConnect(ctx)
	return nil
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Modal() Modal {
	return c.modal
}

func (c *Controller) Status() Status {
	return c.status
}

func (c *Controller) Keys() KeyMap {
	return c.keys
}

// ActiveSide returns the side of the focused pane.
func (c *Controller) ActiveSide() endpoint.Side {
	return c.active
}

func (c *Controller) Connected() bool {
	return c.session.Connected()
}

// Address is the server the remote pane shows, or the one a connect would
// try next.
func (c *Controller) Address() session.Address {
	if c.session.Connected() {
		return c.session.Address()
	}
	if c.target != nil {
		return c.target.Normalized()
	}
	if addr := c.session.LastTried(); addr.Host != "" {
		return addr
	}
	if addr := c.session.Address(); addr.Host != "" {
		return addr
	}
	return c.session.Fallback()
}

// Pane returns the pane of side. Callers must not modify it.
func (c *Controller) Pane(side endpoint.Side) *Pane {
	return c.panes[side]
}

// Progress returns the latest snapshot of the running batch.
func (c *Controller) Progress() (transfer.Progress, bool) {
	return c.progress, c.batch != nil
}

// SetRows tells the controller how many list rows a pane shows.
func (c *Controller) SetRows(rows int) {
	c.rows = rows
	for _, p := range c.panes {
		p.clamp(rows)
	}
}

func (c *Controller) pane() *Pane {
	return c.panes[c.active]
}

func (c *Controller) setStatus(level Level, format string, args ...any) {
	c.status = Status{Text: fmt.Sprintf(format, args...), Level: level}
}

func (c *Controller) openModal(m Modal) {
	c.modal = m
	c.state = InModal
}

func (c *Controller) closeModal() {
	c.modal = Modal{}
	c.pending = nil
	if c.state == InModal {
		c.state = Browsing
	}
}

// remoteBusy reports whether a remote call must be refused now.
func (c *Controller) remoteBusy() bool {
	return c.state == Transferring
}

// HandleKey applies one key press. Input modals receive their text through
// Submit; HandleKey only reacts to the close keys there.
func (c *Controller) HandleKey(ctx context.Context, k fmt.Stringer) Effect {
	switch c.state {
	case Quit:
		return Effect{Kind: EffectQuit}
	case InModal:
		return c.handleModalKey(ctx, k)
	}

	if key.Matches(k, c.keys.Quit) {
		return c.Shutdown(ctx)
	}
	if c.navigate(ctx, k) {
		return Effect{}
	}

	if c.state == Transferring {
		if key.Matches(k, c.keys.Cancel) && c.batch != nil {
			c.queue.Cancel(c.batch.token)
			c.setStatus(Info, "Cancelling transfer...")
			c.log.Info().Uint64("token", c.batch.token).Msg("cancel requested")
		}
		return Effect{}
	}

	switch {
	case key.Matches(k, c.keys.Switch):
		c.active = c.active.Other()
	case key.Matches(k, c.keys.Mark):
		c.mark()
	case key.Matches(k, c.keys.Upload):
		c.startCopy(ctx, transfer.JobUpload)
	case key.Matches(k, c.keys.Download):
		c.startCopy(ctx, transfer.JobDownload)
	case key.Matches(k, c.keys.Delete):
		c.askDelete()
	case key.Matches(k, c.keys.Rename):
		c.askRename()
	case key.Matches(k, c.keys.Mkdir):
		c.askMkdir()
	case key.Matches(k, c.keys.Search):
		c.openModal(Modal{Kind: InputSearch, Title: "Search", Prompt: "Search: "})
	case key.Matches(k, c.keys.Refresh):
		c.refresh(ctx)
	case key.Matches(k, c.keys.View):
		c.view(ctx)
	case key.Matches(k, c.keys.Edit):
		return c.startEdit(ctx)
	case key.Matches(k, c.keys.CopyURL):
		return c.copyURL()
	case key.Matches(k, c.keys.Connect):
		c.toggleConnection(ctx)
	case key.Matches(k, c.keys.SetAddress):
		c.askAddress()
	}
	return Effect{}
}

// navigate handles cursor keys and directory changes. It reports whether k
// was a navigation key.
func (c *Controller) navigate(ctx context.Context, k fmt.Stringer) bool {
	p := c.pane()
	switch {
	case key.Matches(k, c.keys.Up):
		p.move(-1, c.rows)
	case key.Matches(k, c.keys.Down):
		p.move(1, c.rows)
	case key.Matches(k, c.keys.PageUp):
		p.move(-pageRows, c.rows)
	case key.Matches(k, c.keys.PageDown):
		p.move(pageRows, c.rows)
	case key.Matches(k, c.keys.Home):
		p.Cursor, p.Offset = 0, 0
	case key.Matches(k, c.keys.End):
		p.move(len(p.Entries), c.rows)
	case key.Matches(k, c.keys.Open):
		c.open(ctx)
	case key.Matches(k, c.keys.Parent):
		c.parent(ctx)
	default:
		return false
	}
	return true
}

func (c *Controller) open(ctx context.Context) {
	p := c.pane()
	e, ok := p.Current()
	if !ok || !e.IsDir() {
		return
	}
	if e.Name == ParentName {
		c.parent(ctx)
		return
	}
	c.changeDir(ctx, p, p.ep.Join(p.Path, e.Name))
}

func (c *Controller) parent(ctx context.Context) {
	p := c.pane()
	if !p.hasParent() {
		return
	}
	c.changeDir(ctx, p, p.ep.Dir(p.Path))
}

func (c *Controller) changeDir(ctx context.Context, p *Pane, path string) {
	if p.Side == endpoint.Remote {
		if c.remoteBusy() {
			c.setStatus(Info, "Remote browsing is paused during a transfer")
			return
		}
		if !c.session.Connected() {
			c.setStatus(Error, "Not connected")
			return
		}
	}
	// The running batch owns the selection of its origin pane
	busy := c.batch != nil && c.batch.origin == p.Side
	if err := p.cd(ctx, path, busy); err != nil {
		c.fail("Cannot open directory", err)
	}
}

func (c *Controller) mark() {
	p := c.pane()
	e, ok := p.Current()
	if !ok || e.Name == ParentName {
		return
	}
	p.Selection.Toggle(e.Name)
	p.move(1, c.rows)
}

func (c *Controller) refresh(ctx context.Context) {
	p := c.pane()
	if p.Side == endpoint.Remote && !c.session.Connected() {
		c.setStatus(Error, "Not connected")
		return
	}
	if err := p.reload(ctx); err != nil {
		c.fail("Refresh failed", err)
		return
	}
	c.setStatus(Info, "Refreshed")
}

// fail reports err and handles a dropped connection.
func (c *Controller) fail(what string, err error) {
	c.log.Warn().Err(err).Msg(what)
	if vfs.IsConnectionLost(err) || (!c.session.Connected() && vfs.KindOf(err) == vfs.ErrNotConnected) {
		c.lost(err)
		return
	}
	c.setStatus(Error, "%s: %v", what, err)
}

// lost moves to the disconnected view after the link dropped.
func (c *Controller) lost(err error) {
	c.panes[endpoint.Remote].forget()
	c.setStatus(Error, "Connection lost: %v. Press 'c' to reconnect.", err)
}

func (c *Controller) afterConnect(ctx context.Context) {
	addr := c.session.Address()
	remote := c.panes[endpoint.Remote]

	dir := addr.Path
	if dir == "" {
		wd, err := c.session.Getwd(ctx)
		if err != nil || wd == "" {
			wd = "/"
		}
		dir = wd
	}
	c.authRejected = false
	remote.Path = dir
	remote.Cursor, remote.Offset = 0, 0
	remote.Selection.Clear()
	if err := remote.reload(ctx); err != nil && dir != "/" {
		remote.Path = "/"
		remote.reload(ctx)
	}
	c.setStatus(Success, "Connected to %s", addr)
}

func (c *Controller) toggleConnection(ctx context.Context) {
	if c.session.Connected() {
		c.session.Disconnect()
		c.panes[endpoint.Remote].forget()
		c.setStatus(Info, "Disconnected")
		return
	}
	c.connect(ctx)
}

func (c *Controller) connect(ctx context.Context) {
	var err error
	if c.target != nil {
		err = c.session.Connect(ctx, *c.target)
	} else {
		err = c.session.EnsureConnected(ctx)
	}
	if err != nil {
		c.connectFailed(err)
		return
	}
	c.afterConnect(ctx)
}

func (c *Controller) connectFailed(err error) {
	c.authRejected = session.IsReason(err, session.AuthRejected)
	c.setStatus(Error, "Connection failed: %v. Press 's' to set server address.", err)
}

// AuthRejected reports whether the last connect attempt failed on the
// credentials, so the caller may ask for a password and call Login.
func (c *Controller) AuthRejected() bool {
	return c.authRejected
}

// Login retries the last address with password.
func (c *Controller) Login(ctx context.Context, password string) {
	addr := c.Address()
	addr.Password = password
	c.target = &addr
	c.connect(ctx)
}

// Shutdown cancels a running batch, waits briefly for it to stop and
// disconnects.
func (c *Controller) Shutdown(ctx context.Context) Effect {
	if c.batch != nil {
		c.queue.Cancel(c.batch.token)
		c.waitBatch(ctx, quitWait)
	}
	if c.edit != nil {
		os.RemoveAll(c.edit.dir)
		c.edit = nil
	}
	c.session.Disconnect()
	c.state = Quit
	return Effect{Kind: EffectQuit}
}

// Poll drains the progress channel without blocking. It reports whether
// anything changed.
func (c *Controller) Poll(ctx context.Context) bool {
	changed := false
	for {
		select {
		case p := <-c.queue.Updates():
			c.apply(ctx, p)
			changed = true
		default:
			return changed
		}
	}
}

func (c *Controller) waitBatch(ctx context.Context, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for c.batch != nil {
		select {
		case p := <-c.queue.Updates():
			c.apply(ctx, p)
		case <-deadline.C:
			c.log.Warn().Uint64("token", c.batch.token).Msg("batch did not stop in time")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) apply(ctx context.Context, p transfer.Progress) {
	if c.batch == nil || p.Token != c.batch.token {
		return
	}
	c.progress = p
	if p.Finished {
		c.finishBatch(ctx, p)
	}
}

// finishBatch runs on the terminal snapshot of the current batch.
func (c *Controller) finishBatch(ctx context.Context, p transfer.Progress) {
	b := c.batch
	c.batch = nil
	if c.state == Transferring {
		c.state = Browsing
	}
	if b.cleanup != "" {
		os.RemoveAll(b.cleanup)
	}

	cancelledEarly := !p.Started && p.Cancelled > 0
	if b.clearSel && !cancelledEarly {
		c.panes[b.origin].Selection.Clear()
	}

	c.log.Info().
		Uint64("token", p.Token).
		Int("done", p.Done).
		Int("failed", p.Failed).
		Int("cancelled", p.Cancelled).
		Msg("batch ended")

	if p.ConnectionLost() {
		c.panes[endpoint.Local].reload(ctx)
		c.lost(p.Err)
		return
	}

	for _, pane := range c.panes {
		if pane.Side == endpoint.Remote && !c.session.Connected() {
			continue
		}
		pane.reload(ctx)
	}

	if b.success != "" && p.Failed == 0 && p.Cancelled == 0 {
		c.setStatus(Success, "%s", b.success)
		return
	}

	level := Success
	if p.Failed > 0 {
		level = Error
	} else if p.Cancelled > 0 {
		level = Info
	}
	msg := fmt.Sprintf("%s finished: %d done, %d failed, %d cancelled", titleCase(b.kind.String()), p.Done, p.Failed, p.Cancelled)
	if err := firstError(p); err != nil && p.Failed > 0 {
		msg += fmt.Sprintf(" (%v)", err)
	}
	c.status = Status{Text: msg, Level: level}
}

func firstError(p transfer.Progress) error {
	for _, r := range p.Results {
		if r.State == transfer.JobFailed && r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
