package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/key"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/transfer"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// ValidateName checks a new entry name against the listing it will join.
func ValidateName(op, name string, entries []vfs.DirEntry) error {
	var reason error
	switch {
	case name == "":
		reason = errors.New("name is empty")
	case strings.ContainsAny(name, "/\x00"):
		reason = errors.New("name cannot contain '/'")
	case name == "." || name == ParentName:
		reason = fmt.Errorf("%q is not a valid name", name)
	default:
		if _, ok := vfs.Find(entries, name); ok {
			reason = fmt.Errorf("%q already exists", name)
		}
	}
	if reason == nil {
		return nil
	}
	return vfs.NewError(op, name, vfs.ErrValidation, reason)
}

// ReportError shows err for work the caller did on the controller's behalf,
// such as a clipboard write.
func (c *Controller) ReportError(what string, err error) {
	c.setStatus(Error, "%s: %v", what, err)
}

// requireRemote refuses remote work while disconnected.
func (c *Controller) requireRemote() bool {
	if !c.session.Connected() {
		c.setStatus(Error, "Not connected")
		return false
	}
	return true
}

func (c *Controller) startCopy(ctx context.Context, kind transfer.JobKind) {
	from := endpoint.Local
	if kind == transfer.JobDownload {
		from = endpoint.Remote
	}
	if c.active != from {
		if kind == transfer.JobUpload {
			c.setStatus(Info, "Upload only works in the local pane. Press 'd' to download.")
		} else {
			c.setStatus(Info, "Download only works in the remote pane. Press 'u' to upload.")
		}
		return
	}
	if !c.requireRemote() {
		return
	}

	src, dst := c.panes[from], c.panes[from.Other()]
	sources := src.sources()
	if len(sources) == 0 {
		return
	}

	if err := dst.reload(ctx); err != nil {
		c.fail("Cannot list destination", err)
		return
	}
	req := &transfer.PlanRequest{
		Kind:    kind,
		Src:     src.ep,
		Sources: sources,
		Dst:     dst.ep,
		DstDir:  dst.Path,
	}

	var clash []string
	for _, s := range sources {
		if _, ok := vfs.Find(dst.Entries, s.Entry.Name); ok {
			clash = append(clash, s.Entry.Name)
		}
	}
	if len(clash) > 0 {
		c.openModal(Modal{
			Kind:   ConfirmOverwrite,
			Title:  "Overwrite",
			Prompt: fmt.Sprintf("%s already in %s. Overwrite?", strings.Join(clash, ", "), dst.Path),
		})
		c.pending = req
		return
	}
	c.startBatch(ctx, batch{kind: kind, clearSel: true}, *req)
}

// startBatch plans req and hands it to the worker. b carries the
// controller-side options of the batch.
func (c *Controller) startBatch(ctx context.Context, b batch, req transfer.PlanRequest) {
	c.token++
	b.token = c.token
	b.kind = req.Kind
	b.origin = req.Src.Side()

	planned, err := c.planner.Plan(ctx, b.token, req)
	if err == nil {
		err = c.queue.Enqueue(planned)
	}
	if err != nil {
		if b.cleanup != "" {
			os.RemoveAll(b.cleanup)
		}
		c.fail("Cannot start "+req.Kind.String(), err)
		return
	}

	c.batch = &b
	c.progress = transfer.Progress{Token: b.token, BytesTotal: planned.BytesTotal, JobCount: len(planned.Jobs)}
	c.state = Transferring
	c.setStatus(Info, "%s started: %d job(s)", titleCase(req.Kind.String()), len(planned.Jobs))
}

func (c *Controller) askDelete() {
	p := c.pane()
	if p.Side == endpoint.Remote && !c.requireRemote() {
		return
	}
	sources := p.sources()
	if len(sources) == 0 {
		return
	}

	prompt := fmt.Sprintf("Delete '%s'?", sources[0].Entry.Name)
	if len(sources) > 1 {
		prompt = fmt.Sprintf("Delete %d items?", len(sources))
	}
	c.openModal(Modal{Kind: ConfirmDelete, Title: "Delete", Prompt: prompt})
	c.pending = &transfer.PlanRequest{Kind: transfer.JobDelete, Src: p.ep, Sources: sources}
}

func (c *Controller) askRename() {
	p := c.pane()
	if p.Side == endpoint.Remote && !c.requireRemote() {
		return
	}
	e, ok := p.Current()
	if !ok || e.Name == ParentName {
		return
	}
	c.openModal(Modal{Kind: InputRename, Title: "Rename", Prompt: "Rename to: ", Value: e.Name, Path: p.ep.Join(p.Path, e.Name)})
	c.pending = &transfer.PlanRequest{
		Kind:    transfer.JobRename,
		Src:     p.ep,
		Sources: []transfer.Source{{Path: p.ep.Join(p.Path, e.Name), Entry: e}},
	}
}

func (c *Controller) askMkdir() {
	p := c.pane()
	if p.Side == endpoint.Remote && !c.requireRemote() {
		return
	}
	c.openModal(Modal{Kind: InputMkdir, Title: "New directory", Prompt: "New directory name: "})
}

func (c *Controller) askAddress() {
	if c.session.Connected() {
		c.setStatus(Info, "Disconnect first to change the server")
		return
	}
	c.openModal(Modal{Kind: InputAddress, Title: "Server", Prompt: "Server URL: ", Value: c.Address().String()})
}

func (c *Controller) handleModalKey(ctx context.Context, k fmt.Stringer) Effect {
	kind := c.modal.Kind
	switch {
	case kind.IsConfirm():
		if key.Matches(k, c.keys.Confirm) {
			c.confirm(ctx)
		} else if key.Matches(k, c.keys.Reject) {
			c.closeModal()
			c.setStatus(Info, "Cancelled")
		}
	case kind == Viewer:
		if key.Matches(k, c.keys.Close) {
			c.closeModal()
		}
	case kind.IsInput():
		if key.Matches(k, c.keys.Back) {
			c.closeModal()
		}
	}
	return Effect{}
}

func (c *Controller) confirm(ctx context.Context) {
	req := c.pending
	c.closeModal()
	if req == nil {
		return
	}
	c.startBatch(ctx, batch{clearSel: true}, *req)
}

// Dismiss closes an input modal without acting on it.
func (c *Controller) Dismiss() {
	if c.state == InModal && c.modal.Kind.IsInput() {
		c.closeModal()
	}
}

// Submit delivers the text of an input modal. A value that fails validation
// keeps the modal open with the error set.
func (c *Controller) Submit(ctx context.Context, value string) {
	if c.state != InModal {
		return
	}
	switch c.modal.Kind {
	case InputSearch:
		c.closeModal()
		c.search(value)
	case InputMkdir:
		c.mkdir(ctx, strings.TrimSpace(value))
	case InputRename:
		c.rename(ctx, strings.TrimSpace(value))
	case InputAddress:
		c.setAddress(ctx, value)
	}
}

func (c *Controller) search(query string) {
	if query == "" {
		return
	}
	p := c.pane()
	n := p.search(query)
	p.clamp(c.rows)
	if n == 0 {
		c.setStatus(Info, "No results for '%s'", query)
		return
	}
	c.setStatus(Success, "Found %d result(s) for '%s'", n, query)
}

func (c *Controller) invalid(value string, err error) {
	c.modal.Value = value
	c.modal.Err = err
}

func (c *Controller) mkdir(ctx context.Context, name string) {
	p := c.pane()
	if err := ValidateName("mkdir", name, p.Entries); err != nil {
		c.invalid(name, err)
		return
	}
	c.closeModal()

	if err := p.ep.Mkdir(ctx, p.ep.Join(p.Path, name)); err != nil {
		c.fail("Mkdir failed", err)
		return
	}
	p.reload(ctx)
	for i, e := range p.Entries {
		if e.Name == name {
			p.Cursor = i
			p.clamp(c.rows)
			break
		}
	}
	c.setStatus(Success, "Created: %s/", name)
}

func (c *Controller) rename(ctx context.Context, name string) {
	req := c.pending
	if req == nil || len(req.Sources) != 1 {
		c.closeModal()
		return
	}
	if name == req.Sources[0].Entry.Name {
		c.closeModal()
		return
	}
	if err := ValidateName("rename", name, c.pane().Entries); err != nil {
		c.invalid(name, err)
		return
	}
	c.closeModal()

	r := *req
	r.NewName = name
	c.startBatch(ctx, batch{success: "Renamed to: " + name}, r)
}

func (c *Controller) setAddress(ctx context.Context, raw string) {
	addr, err := session.ParseURL(raw, c.Address())
	if err != nil {
		c.invalid(raw, err)
		return
	}
	c.closeModal()
	c.target = &addr
	c.connect(ctx)
}

func (c *Controller) view(ctx context.Context) {
	p := c.pane()
	if p.Side != endpoint.Remote {
		c.setStatus(Info, "View works in the remote pane")
		return
	}
	if !c.requireRemote() {
		return
	}
	e, ok := p.Current()
	if !ok || e.IsDir() {
		return
	}

	path := p.ep.Join(p.Path, e.Name)
	text, truncated, err := endpoint.ReadText(ctx, p.ep, path, MaxViewSize)
	if err != nil {
		if errors.Is(err, endpoint.ErrBinary) {
			c.setStatus(Error, "Cannot view '%s': binary file", e.Name)
			return
		}
		c.fail("Cannot view", err)
		return
	}
	c.openModal(Modal{Kind: Viewer, Title: e.Name, Text: text, Truncated: truncated, Path: path})
}

func (c *Controller) startEdit(ctx context.Context) Effect {
	p := c.pane()
	if p.Side != endpoint.Remote {
		c.setStatus(Info, "Edit works in the remote pane")
		return Effect{}
	}
	if !c.requireRemote() {
		return Effect{}
	}
	e, ok := p.Current()
	if !ok || e.IsDir() {
		return Effect{}
	}
	if e.Size > MaxViewSize {
		c.setStatus(Error, "'%s' is too large to edit (>10MB)", e.Name)
		return Effect{}
	}

	dir, err := os.MkdirTemp(c.tempDir, "ftpdeck-edit-")
	if err != nil {
		c.setStatus(Error, "Edit failed: %v", err)
		return Effect{}
	}
	local := filepath.Join(dir, e.Name)
	remotePath := p.ep.Join(p.Path, e.Name)
	if err := c.fetch(ctx, remotePath, local); err != nil {
		os.RemoveAll(dir)
		c.fail("Edit failed", err)
		return Effect{}
	}
	info, err := os.Stat(local)
	if err != nil {
		os.RemoveAll(dir)
		c.setStatus(Error, "Edit failed: %v", err)
		return Effect{}
	}

	c.edit = &editSession{dir: dir, local: local, remoteDir: p.Path, modTime: info.ModTime(), size: info.Size()}
	c.openModal(Modal{Kind: Editor, Title: e.Name, Path: remotePath})
	c.log.Debug().Str("remote", remotePath).Str("local", local).Msg("editing remote file")
	return Effect{Kind: EffectEdit, Path: local}
}

// fetch copies a remote file to a local path in one go.
func (c *Controller) fetch(ctx context.Context, remotePath, localPath string) error {
	r, err := c.panes[endpoint.Remote].ep.OpenRead(ctx, remotePath)
	if err != nil {
		return err
	}
	w, err := c.panes[endpoint.Local].ep.OpenWrite(ctx, localPath)
	if err != nil {
		r.Close()
		return err
	}
	_, err = io.Copy(w, io.LimitReader(r, MaxViewSize+1))
	if rerr := r.Close(); err == nil {
		err = rerr
	}
	if werr := w.Close(); err == nil {
		err = werr
	}
	return err
}

// EditDone is called when the editor exits. A modified file is uploaded
// back as a single job.
func (c *Controller) EditDone(ctx context.Context, editErr error) {
	ed := c.edit
	c.edit = nil
	c.closeModal()
	if ed == nil {
		return
	}
	name := filepath.Base(ed.local)

	if editErr != nil {
		os.RemoveAll(ed.dir)
		c.setStatus(Error, "Editor failed: %v", editErr)
		return
	}
	info, err := os.Stat(ed.local)
	if err != nil {
		os.RemoveAll(ed.dir)
		c.setStatus(Error, "Edit failed: %v", err)
		return
	}
	if info.ModTime().Equal(ed.modTime) && info.Size() == ed.size {
		os.RemoveAll(ed.dir)
		c.setStatus(Info, "No changes made")
		return
	}
	if !c.session.Connected() {
		c.setStatus(Error, "Not connected, edited copy kept at %s", ed.local)
		return
	}

	entry := vfs.DirEntry{Name: name, Kind: vfs.KindFile, Size: info.Size(), ModTime: info.ModTime()}
	c.startBatch(ctx, batch{cleanup: ed.dir, success: "Changes saved to " + name}, transfer.PlanRequest{
		Kind:    transfer.JobUpload,
		Src:     c.panes[endpoint.Local].ep,
		Sources: []transfer.Source{{Path: ed.local, Entry: entry}},
		Dst:     c.panes[endpoint.Remote].ep,
		DstDir:  ed.remoteDir,
	})
}

func (c *Controller) copyURL() Effect {
	p := c.pane()
	e, ok := p.Current()
	if !ok {
		return Effect{}
	}
	path := p.Path
	if e.Name != ParentName {
		path = p.ep.Join(p.Path, e.Name)
	}

	var text string
	if p.Side == endpoint.Remote {
		text = c.Address().URL(path)
	} else {
		text = (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	}
	c.setStatus(Success, "Copied: %s", text)
	return Effect{Kind: EffectCopy, Text: text}
}
