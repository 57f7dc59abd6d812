package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// MaxDepth bounds directory nesting during planning. Deeper trees are
// usually symlink loops.
const MaxDepth = 64

// Source is one marked entry.
type Source struct {
	Path  string
	Entry vfs.DirEntry
}

// PlanRequest describes one user action.
type PlanRequest struct {
	Kind    JobKind // JobUpload, JobDownload, JobDelete or JobRename
	Src     endpoint.Endpoint
	Sources []Source
	Dst     endpoint.Endpoint // unused for delete
	DstDir  string
	NewName string // rename only
}

// Planner expands selections into flat job lists.
type Planner struct {
	log zerolog.Logger
}

// NewPlanner creates a new planner
func NewPlanner(log zerolog.Logger) *Planner {
	return &Planner{log: log}
}

type frame struct {
	src      string
	dst      string
	entry    vfs.DirEntry
	depth    int
	expanded bool
	parent   *frame
	blocked  bool // a descendant could not be listed
}

// Plan builds the batch for req. Listing failures inside a tree become
// pre-failed jobs; a lost connection aborts planning.
func (p *Planner) Plan(ctx context.Context, token uint64, req PlanRequest) (*Batch, error) {
	if len(req.Sources) == 0 {
		return nil, vfs.NewError("plan", "", vfs.ErrValidation, errors.New("nothing selected"))
	}
	if req.Src == nil {
		return nil, vfs.NewError("plan", "", vfs.ErrValidation, errors.New("no source endpoint"))
	}

	b := &Batch{Token: token, Kind: req.Kind, Origin: req.Src.Side()}

	var err error
	switch req.Kind {
	case JobUpload, JobDownload:
		if req.Dst == nil || req.Dst.Side() == req.Src.Side() {
			return nil, vfs.NewError("plan", "", vfs.ErrValidation, errors.New("copy needs both sides"))
		}
		for _, src := range req.Sources {
			if err = p.planCopy(ctx, b, req, src); err != nil {
				break
			}
		}
	case JobDelete:
		for _, src := range req.Sources {
			if err = p.planDelete(ctx, b, req.Src, src); err != nil {
				break
			}
		}
	case JobRename:
		err = p.planRename(b, req)
	default:
		err = vfs.NewError("plan", "", vfs.ErrValidation, fmt.Errorf("cannot plan %s", req.Kind))
	}
	if err != nil {
		return nil, err
	}

	p.log.Debug().
		Uint64("token", token).
		Str("kind", req.Kind.String()).
		Int("jobs", len(b.Jobs)).
		Int64("bytes", b.BytesTotal).
		Msg("batch planned")
	return b, nil
}

func (p *Planner) list(ctx context.Context, ep endpoint.Endpoint, dir string, depth int) ([]vfs.DirEntry, error) {
	if depth >= MaxDepth {
		return nil, vfs.NewError("list", dir, vfs.ErrValidation, errors.New("directory nesting too deep"))
	}
	entries, err := ep.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	vfs.SortEntries(entries)
	return entries, nil
}

// planCopy walks a source tree in pre-order: a directory's mkdir job comes
// before every job of its descendants.
func (p *Planner) planCopy(ctx context.Context, b *Batch, req PlanRequest, src Source) error {
	stack := []frame{{
		src:   src.Path,
		dst:   req.Dst.Join(req.DstDir, req.Src.Base(src.Path)),
		entry: src.Entry,
	}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.entry.IsDir() {
			b.add(&Job{
				Kind:    req.Kind,
				Src:     req.Src,
				SrcPath: f.src,
				Dst:     req.Dst,
				DstPath: f.dst,
				Size:    f.entry.Size,
			})
			continue
		}

		job := &Job{Kind: JobMkdir, Src: req.Src, SrcPath: f.src, Dst: req.Dst, DstPath: f.dst, IsDir: true}
		children, err := p.list(ctx, req.Src, f.src, f.depth)
		if err != nil {
			if vfs.IsConnectionLost(err) {
				return err
			}
			p.log.Warn().Err(err).Str("path", f.src).Msg("skipping unreadable directory")
			job.State = JobFailed
			job.Err = err
			b.add(job)
			continue
		}
		b.add(job)

		// Reverse push so the first child is handled first.
		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			stack = append(stack, frame{
				src:   req.Src.Join(f.src, c.Name),
				dst:   req.Dst.Join(f.dst, c.Name),
				entry: c,
				depth: f.depth + 1,
			})
		}
	}
	return nil
}

// planDelete walks a tree in post-order: every descendant job comes before
// the job removing its directory. Symlinks are deleted as leaves. When a
// subtree cannot be listed its ancestors are kept, so the subtree's failed
// job is the only failure it causes.
func (p *Planner) planDelete(ctx context.Context, b *Batch, ep endpoint.Endpoint, src Source) error {
	stack := []*frame{{src: src.Path, entry: src.Entry}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]

		if !f.entry.Descend() {
			stack = stack[:len(stack)-1]
			b.add(&Job{Kind: JobDelete, Src: ep, SrcPath: f.src, Size: f.entry.Size})
			continue
		}

		if f.expanded {
			stack = stack[:len(stack)-1]
			if f.blocked {
				p.log.Debug().Str("path", f.src).Msg("keeping directory above an unreadable subtree")
				continue
			}
			b.add(&Job{Kind: JobDelete, Src: ep, SrcPath: f.src, IsDir: true})
			continue
		}

		f.expanded = true
		children, err := p.list(ctx, ep, f.src, f.depth)
		if err != nil {
			if vfs.IsConnectionLost(err) {
				return err
			}
			// One failed job stands for the whole subtree.
			stack = stack[:len(stack)-1]
			p.log.Warn().Err(err).Str("path", f.src).Msg("skipping unreadable directory")
			b.add(&Job{Kind: JobDelete, Src: ep, SrcPath: f.src, IsDir: true, State: JobFailed, Err: err})
			for a := f.parent; a != nil; a = a.parent {
				a.blocked = true
			}
			continue
		}

		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			stack = append(stack, &frame{
				src:    ep.Join(f.src, c.Name),
				entry:  c,
				depth:  f.depth + 1,
				parent: f,
			})
		}
	}
	return nil
}

func (p *Planner) planRename(b *Batch, req PlanRequest) error {
	if len(req.Sources) != 1 {
		return vfs.NewError("rename", "", vfs.ErrValidation, errors.New("rename takes exactly one entry"))
	}
	src := req.Sources[0]
	b.add(&Job{
		Kind:    JobRename,
		Src:     req.Src,
		SrcPath: src.Path,
		DstPath: req.Src.Join(req.Src.Dir(src.Path), req.NewName),
		IsDir:   src.Entry.IsDir(),
	})
	return nil
}
