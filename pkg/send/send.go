// Package send uploads local files and folders to the server in one go,
// without the interactive manager.
package send

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/transfer"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitConnection  = 2
	ExitPartial     = 3
	ExitInterrupted = 4
)

var (
	// ErrNoPaths is returned when none of the given paths exist.
	ErrNoPaths = errors.New("no valid files/folders to send")
	// ErrConnect wraps every failure to reach the server.
	ErrConnect = errors.New("connection failed")
)

// Options configure one quick-send run.
type Options struct {
	Session   *session.Session
	Target    *session.Address // nil means the remembered or default server
	Paths     []string
	ChunkSize int
	Out       io.Writer
	Progress  bool // draw a progress bar on Out
	Logger    zerolog.Logger
}

// Result counts what happened to the requested uploads.
type Result struct {
	Files          int // files planned for upload
	Bytes          int64
	Sent           int
	Failed         int // failed jobs, directories included
	Skipped        int // paths that did not exist
	Cancelled      int
	Interrupted    bool
	ConnectionLost bool
}

// ExitCode maps the outcome of Run to the process exit code.
func ExitCode(res Result, err error) int {
	switch {
	case res.Interrupted || errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, ErrConnect) || res.ConnectionLost || vfs.IsConnectionLost(err):
		return ExitConnection
	case errors.Is(err, ErrNoPaths) || errors.Is(err, vfs.ErrValidation):
		return ExitUsage
	case err != nil || res.Failed > 0 || res.Skipped > 0 || res.Cancelled > 0:
		return ExitPartial
	}
	return ExitOK
}

// Run validates the paths, connects and uploads everything into the target
// directory. Cancelling ctx cancels the running batch and reports an
// interrupted result.
func Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	log := opts.Logger
	local := endpoint.NewLocal()

	// Validate items first
	var sources []transfer.Source
	for _, p := range opts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		entry, err := local.Stat(ctx, abs)
		if err != nil {
			fmt.Fprintf(out, "✗ Not found: %s\n", p)
			log.Warn().Err(err).Str("path", p).Msg("skipping missing path")
			res.Skipped++
			continue
		}
		sources = append(sources, transfer.Source{Path: abs, Entry: entry})
	}
	if len(sources) == 0 {
		fmt.Fprintln(out, ErrNoPaths.Error())
		return res, ErrNoPaths
	}

	if err := connect(ctx, opts, out); err != nil {
		if ctx.Err() != nil {
			res.Interrupted = true
			return res, ctx.Err()
		}
		fmt.Fprintf(out, "✗ %v\n", err)
		return res, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer opts.Session.Disconnect()

	dstDir := destination(ctx, opts)
	log.Info().Str("dst", dstDir).Int("sources", len(sources)).Msg("quick-send started")

	const token = 1
	batch, err := transfer.NewPlanner(log).Plan(ctx, token, transfer.PlanRequest{
		Kind:    transfer.JobUpload,
		Src:     local,
		Sources: sources,
		Dst:     endpoint.NewRemote(opts.Session),
		DstDir:  dstDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Interrupted = true
			return res, ctx.Err()
		}
		fmt.Fprintf(out, "✗ Cannot plan upload: %v\n", err)
		return res, err
	}
	for _, j := range batch.Jobs {
		if j.Kind == transfer.JobUpload {
			res.Files++
		}
	}
	res.Bytes = batch.BytesTotal
	fmt.Fprintf(out, "Total: %d file(s), %s → %s\n", res.Files, formatSize(res.Bytes), dstDir)

	final, err := execute(ctx, opts, out, batch)
	if err != nil {
		return res, err
	}

	for _, r := range final.Results {
		switch r.State {
		case transfer.JobDone:
			if r.Kind == transfer.JobUpload {
				res.Sent++
			}
		case transfer.JobFailed:
			res.Failed++
			fmt.Fprintf(out, "✗ %s: %v\n", r.Path, r.Err)
		case transfer.JobCancelled:
			res.Cancelled++
		}
	}
	res.ConnectionLost = final.ConnectionLost()
	res.Interrupted = ctx.Err() != nil

	fmt.Fprintf(out, "Sent %d file(s), %d failed\n", res.Sent, res.Failed)
	if res.Interrupted {
		fmt.Fprintf(out, "Interrupted, %d job(s) cancelled\n", res.Cancelled)
	}
	log.Info().
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("cancelled", res.Cancelled).
		Msg("quick-send finished")
	return res, nil
}

func connect(ctx context.Context, opts Options, out io.Writer) error {
	if opts.Target != nil {
		addr := opts.Target.Normalized()
		fmt.Fprintf(out, "Connecting to %s...\n", addr.HostPort())
		if err := opts.Session.Connect(ctx, addr); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, "Connecting...")
		if err := opts.Session.EnsureConnected(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "✓ Connected to %s\n", opts.Session.Address())
	return nil
}

// destination is the URL path when one was given, else the server's
// working directory.
func destination(ctx context.Context, opts Options) string {
	if opts.Target != nil && opts.Target.Path != "" && opts.Target.Path != "/" {
		return opts.Target.Path
	}
	if wd, err := opts.Session.Getwd(ctx); err == nil && wd != "" {
		return wd
	}
	return "/"
}

// execute runs batch on its own queue and returns the terminal snapshot.
func execute(ctx context.Context, opts Options, out io.Writer, batch *transfer.Batch) (transfer.Progress, error) {
	// The queue outlives ctx so a cancelled run still reports its results.
	qctx, stop := context.WithCancel(context.Background())
	defer stop()
	queue := transfer.NewQueue(qctx, opts.Session, transfer.Options{
		ChunkSize: opts.ChunkSize,
		Logger:    opts.Logger,
	})
	if err := queue.Enqueue(batch); err != nil {
		return transfer.Progress{}, err
	}

	var bar *progressbar.ProgressBar
	if opts.Progress && batch.BytesTotal > 0 {
		bar = newBar(out, batch.BytesTotal)
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			opts.Logger.Warn().Msg("quick-send interrupted, cancelling batch")
			queue.Cancel(batch.Token)
			done = nil
		case p := <-queue.Updates():
			if p.Token != batch.Token {
				continue
			}
			if bar != nil {
				bar.Set64(p.BytesDone)
				if p.Current != "" {
					bar.Describe(filepath.Base(p.Current))
				}
			}
			if p.Finished {
				if bar != nil {
					if p.Failed == 0 && p.Cancelled == 0 {
						bar.Finish()
					} else {
						fmt.Fprintln(out)
					}
				}
				return p, nil
			}
		}
	}
}

func newBar(out io.Writer, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(35),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// WaitForEnter keeps the window of a file manager integration open until
// the user presses Enter. It returns at once when in is not a terminal.
func WaitForEnter(in *os.File, out io.Writer) {
	if !IsTerminal(in) {
		return
	}
	fmt.Fprint(out, "Press Enter to close...")
	bufio.NewReader(in).ReadString('\n')
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
