package transfer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/storage"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// ErrQueueFull is returned by Enqueue when the batch buffer is full.
var ErrQueueFull = errors.New("transfer queue full")

const (
	DefaultInterval   = 100 * time.Millisecond
	defaultQueueSize  = 4
	defaultUpdateSize = 64
)

// Aborter interrupts the data transfer in flight. session.Session is one.
type Aborter interface {
	Abort()
}

// Options tune a Queue. Zero values pick the defaults.
type Options struct {
	ChunkSize  int
	Interval   time.Duration // minimum time between progress snapshots
	QueueSize  int
	UpdateSize int
	Logger     zerolog.Logger
}

// Queue runs batches one at a time on a single worker goroutine.
type Queue struct {
	batches chan *Batch
	updates chan Progress
	aborter Aborter

	current   atomic.Uint64
	cancelled atomic.Uint64

	chunkSize int
	interval  time.Duration
	log       zerolog.Logger
	done      chan struct{}
}

// NewQueue starts the worker. It stops when ctx is cancelled.
func NewQueue(ctx context.Context, aborter Aborter, opts Options) *Queue {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = storage.DefaultChunkSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.UpdateSize <= 0 {
		opts.UpdateSize = defaultUpdateSize
	}

	q := &Queue{
		batches:   make(chan *Batch, opts.QueueSize),
		updates:   make(chan Progress, opts.UpdateSize),
		aborter:   aborter,
		chunkSize: opts.ChunkSize,
		interval:  opts.Interval,
		log:       opts.Logger,
		done:      make(chan struct{}),
	}

	go q.worker(ctx)

	return q
}

// Updates delivers progress snapshots. Intermediate snapshots may be
// dropped; the terminal one of every batch is always delivered.
func (q *Queue) Updates() <-chan Progress {
	return q.updates
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Current returns the token of the running batch, 0 when idle.
func (q *Queue) Current() uint64 {
	return q.current.Load()
}

// Enqueue hands b to the worker without blocking.
func (q *Queue) Enqueue(b *Batch) error {
	select {
	case q.batches <- b:
		q.log.Info().Uint64("token", b.Token).Int("jobs", len(b.Jobs)).Msg("batch queued")
		return nil
	default:
		q.log.Error().Uint64("token", b.Token).Msg("transfer queue full, dropping batch")
		return ErrQueueFull
	}
}

// Cancel requests cancellation of the batch with token. It never blocks on
// the worker: a running transfer is interrupted through the Aborter.
func (q *Queue) Cancel(token uint64) {
	q.cancelled.Store(token)
	if q.current.Load() == token && q.aborter != nil {
		q.log.Info().Uint64("token", token).Msg("cancelling running batch")
		q.aborter.Abort()
	}
}

func (q *Queue) isCancelled(token uint64) bool {
	return q.cancelled.Load() == token
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-q.batches:
			q.run(ctx, b)
		}
	}
}

// tracker accumulates the progress of the running batch.
type tracker struct {
	q     *Queue
	b     *Batch
	p     Progress
	last  time.Time
	speed speedMeter
}

// publish sends a snapshot unless one went out less than interval ago or
// the channel is full.
func (t *tracker) publish() {
	now := time.Now()
	if now.Sub(t.last) < t.q.interval {
		return
	}
	t.last = now
	t.p.Speed = t.speed.update(now, t.p.BytesDone)

	select {
	case t.q.updates <- t.p:
	default:
		// Drop update if channel full to prevent blocking
	}
}

// finish delivers the terminal snapshot, waiting for room if needed.
func (t *tracker) finish(ctx context.Context) {
	t.p.Finished = true
	t.p.Current = ""
	t.p.Results = make([]JobResult, len(t.b.Jobs))
	for i, j := range t.b.Jobs {
		t.p.Results[i] = JobResult{ID: j.ID, Kind: j.Kind, Path: j.Target(), State: j.State, Err: j.Err}
	}

	select {
	case t.q.updates <- t.p:
	case <-ctx.Done():
	}
}

func (t *tracker) count(j *Job) {
	switch j.State {
	case JobDone:
		t.p.Done++
	case JobFailed:
		t.p.Failed++
	case JobCancelled:
		t.p.Cancelled++
	}
}

// add grows BytesDone by n without passing the job's share of the total.
func (t *tracker) add(n int64, jobDone *int64, size int64) {
	if room := size - *jobDone; n > room {
		n = room
	}
	if n <= 0 {
		return
	}
	*jobDone += n
	t.p.BytesDone += n
}

func (q *Queue) run(ctx context.Context, b *Batch) {
	q.current.Store(b.Token)
	defer q.current.Store(0)

	t := &tracker{q: q, b: b, p: Progress{
		Token:      b.Token,
		BytesTotal: b.BytesTotal,
		JobCount:   len(b.Jobs),
	}}
	q.log.Info().Uint64("token", b.Token).Str("kind", b.Kind.String()).Int("jobs", len(b.Jobs)).Msg("batch started")

	var lost error
	for i, job := range b.Jobs {
		if job.State == JobFailed {
			// Planned as failed, nothing to run.
			t.count(job)
			continue
		}
		if q.isCancelled(b.Token) || ctx.Err() != nil {
			for _, rest := range b.Jobs[i:] {
				if !rest.State.Terminal() {
					rest.State = JobCancelled
				}
				t.count(rest)
			}
			break
		}
		if lost != nil {
			job.State = JobFailed
			job.Err = lost
			t.count(job)
			continue
		}

		job.State = JobActive
		t.p.Started = true
		t.p.JobIndex = i + 1
		t.p.Current = job.Target()
		t.publish()

		err := q.execute(ctx, t, job)
		switch {
		case err == nil:
			job.State = JobDone
		case q.isCancelled(b.Token) && !vfs.IsConnectionLost(err):
			job.State = JobCancelled
			job.Err = err
		default:
			job.State = JobFailed
			job.Err = err
			q.log.Warn().Err(err).Str("job", job.Kind.String()).Str("path", job.Target()).Msg("job failed")
			if vfs.IsConnectionLost(err) {
				lost = err
				t.p.Err = err
			}
		}
		t.count(job)
		t.publish()
	}

	t.finish(ctx)
	q.log.Info().
		Uint64("token", b.Token).
		Int("done", t.p.Done).
		Int("failed", t.p.Failed).
		Int("cancelled", t.p.Cancelled).
		Msg("batch finished")
}

func (q *Queue) execute(ctx context.Context, t *tracker, job *Job) error {
	switch job.Kind {
	case JobUpload, JobDownload:
		return q.copyFile(ctx, t, job)
	case JobMkdir:
		err := job.Dst.Mkdir(ctx, job.DstPath)
		if errors.Is(err, vfs.ErrAlreadyExists) {
			if st, serr := job.Dst.Stat(ctx, job.DstPath); serr == nil && st.IsDir() {
				return nil
			}
		}
		return err
	case JobDelete:
		kind := vfs.KindFile
		if job.IsDir {
			kind = vfs.KindDir
		}
		return job.Src.Delete(ctx, job.SrcPath, kind)
	case JobRename:
		return job.Src.Rename(ctx, job.SrcPath, job.DstPath)
	}
	return vfs.NewError("run", job.Target(), vfs.ErrValidation, errors.New("unknown job kind"))
}

// copyFile streams one file in fixed chunks. A cancelled copy removes the
// partial destination.
func (q *Queue) copyFile(ctx context.Context, t *tracker, job *Job) (err error) {
	r, err := job.Src.OpenRead(ctx, job.SrcPath)
	if err != nil {
		return err
	}
	w, err := job.Dst.OpenWrite(ctx, job.DstPath)
	if err != nil {
		r.Close()
		return err
	}

	var jobDone int64
	buf := make([]byte, q.chunkSize)
	for {
		if q.isCancelled(job.Token) {
			err = vfs.NewError(job.Kind.String(), job.SrcPath, vfs.ErrInterrupted, context.Canceled)
			break
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				err = werr
				break
			}
			t.add(int64(n), &jobDone, job.Size)
			t.publish()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}

	// The source closes first so an upload's final reply is read last.
	rcErr := r.Close()
	wcErr := w.Close()
	if err == nil {
		err = rcErr
	}
	if err == nil {
		err = wcErr
	}

	if err != nil {
		if q.isCancelled(job.Token) && !vfs.IsConnectionLost(err) {
			if derr := job.Dst.Delete(ctx, job.DstPath, vfs.KindFile); derr != nil {
				q.log.Debug().Err(derr).Str("path", job.DstPath).Msg("could not remove partial file")
			}
		}
		return err
	}

	t.add(job.Size-jobDone, &jobDone, job.Size)
	return nil
}

// speedMeter reports throughput averaged over at least one second.
type speedMeter struct {
	lastBytes int64
	lastCheck time.Time
	speed     float64
}

func (m *speedMeter) update(now time.Time, bytes int64) float64 {
	if m.lastCheck.IsZero() {
		m.lastCheck = now
		m.lastBytes = bytes
		return 0
	}
	if d := now.Sub(m.lastCheck).Seconds(); d >= 1.0 {
		if delta := bytes - m.lastBytes; delta >= 0 {
			m.speed = float64(delta) / d
		}
		m.lastBytes = bytes
		m.lastCheck = now
	}
	return m.speed
}
