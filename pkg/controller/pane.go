package controller

import (
	"context"
	"strings"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/transfer"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// ParentName is the synthetic first row of every non-root listing.
const ParentName = ".."

const pageRows = 10

// Selection holds distinct marked names in marking order.
type Selection struct {
	names []string
}

// Toggle marks name, or unmarks it when already marked.
func (s *Selection) Toggle(name string) {
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			return
		}
	}
	s.names = append(s.names, name)
}

func (s *Selection) Has(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Selection) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Selection) Len() int {
	return len(s.names)
}

func (s *Selection) Clear() {
	s.names = nil
}

// Pane is one side of the browser: a path cursor over an endpoint plus the
// view state drawn for it.
type Pane struct {
	Side      endpoint.Side
	Path      string
	Entries   []vfs.DirEntry
	Cursor    int
	Offset    int
	Selection Selection
	Err       error

	ep         endpoint.Endpoint
	showHidden bool
}

func newPane(ep endpoint.Endpoint, path string, showHidden bool) *Pane {
	return &Pane{Side: ep.Side(), Path: path, ep: ep, showHidden: showHidden}
}

// Endpoint returns the endpoint the pane browses.
func (p *Pane) Endpoint() endpoint.Endpoint {
	return p.ep
}

// Current returns the entry under the cursor.
func (p *Pane) Current() (vfs.DirEntry, bool) {
	if p.Cursor < 0 || p.Cursor >= len(p.Entries) {
		return vfs.DirEntry{}, false
	}
	return p.Entries[p.Cursor], true
}

// Marked reports whether the entry at i is in the selection.
func (p *Pane) Marked(i int) bool {
	if i < 0 || i >= len(p.Entries) {
		return false
	}
	return p.Selection.Has(p.Entries[i].Name)
}

func (p *Pane) hasParent() bool {
	return p.ep.Dir(p.Path) != p.Path
}

// reload lists the pane's path. Marks of names that disappeared are
// dropped.
func (p *Pane) reload(ctx context.Context) error {
	entries, err := p.ep.List(ctx, p.Path)
	if err != nil {
		p.Entries = nil
		p.Err = err
		p.clamp(0)
		return err
	}

	rows := make([]vfs.DirEntry, 0, len(entries)+1)
	if p.hasParent() {
		rows = append(rows, vfs.DirEntry{Name: ParentName, Kind: vfs.KindDir})
	}
	vfs.SortEntries(entries)
	for _, e := range entries {
		if !p.showHidden && strings.HasPrefix(e.Name, ".") {
			continue
		}
		rows = append(rows, e)
	}
	p.Entries = rows
	p.Err = nil

	for _, name := range p.Selection.Names() {
		if _, ok := vfs.Find(p.Entries, name); !ok {
			p.Selection.Toggle(name)
		}
	}
	p.clamp(0)
	return nil
}

// forget drops the listing, used when the remote side disconnects.
func (p *Pane) forget() {
	p.Entries = nil
	p.Selection.Clear()
	p.Cursor, p.Offset = 0, 0
}

// move shifts the cursor by delta rows and keeps it in range.
func (p *Pane) move(delta, rows int) {
	p.Cursor += delta
	p.clamp(rows)
}

func (p *Pane) clamp(rows int) {
	if p.Cursor >= len(p.Entries) {
		p.Cursor = len(p.Entries) - 1
	}
	if p.Cursor < 0 {
		p.Cursor = 0
	}
	if rows <= 0 {
		return
	}
	if p.Cursor < p.Offset {
		p.Offset = p.Cursor
	} else if p.Cursor >= p.Offset+rows {
		p.Offset = p.Cursor - rows + 1
	}
}

// cd changes the pane path and resets the cursor. The selection is dropped
// unless keepSelection is set. On failure the previous path is listed again.
func (p *Pane) cd(ctx context.Context, path string, keepSelection bool) error {
	prev, prevCursor := p.Path, p.Cursor
	p.Path = path
	p.Cursor, p.Offset = 0, 0
	if !keepSelection {
		p.Selection.Clear()
	}
	if err := p.reload(ctx); err != nil {
		p.Path = prev
		p.reload(ctx)
		p.Cursor = prevCursor
		p.clamp(0)
		return err
	}
	return nil
}

// sources returns the marked entries in marking order, or the entry under
// the cursor when nothing is marked.
func (p *Pane) sources() []transfer.Source {
	var out []transfer.Source
	if p.Selection.Len() > 0 {
		for _, name := range p.Selection.Names() {
			if e, ok := vfs.Find(p.Entries, name); ok {
				out = append(out, transfer.Source{Path: p.ep.Join(p.Path, name), Entry: e})
			}
		}
		return out
	}
	if e, ok := p.Current(); ok && e.Name != ParentName {
		out = append(out, transfer.Source{Path: p.ep.Join(p.Path, e.Name), Entry: e})
	}
	return out
}

// search moves the cursor to the first entry containing query, ignoring
// case, and returns the number of matches.
func (p *Pane) search(query string) int {
	q := strings.ToLower(query)
	first, count := -1, 0
	for i, e := range p.Entries {
		if e.Name == ParentName || !strings.Contains(strings.ToLower(e.Name), q) {
			continue
		}
		if first < 0 {
			first = i
		}
		count++
	}
	if first >= 0 {
		p.Cursor = first
	}
	return count
}
