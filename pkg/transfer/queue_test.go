package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/session/sessiontest"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

type fixture struct {
	drv    *sessiontest.MemDriver
	s      *session.Session
	local  endpoint.Endpoint
	remote endpoint.Endpoint
	dir    string
	q      *Queue
	p      *Planner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	drv := sessiontest.NewMemDriver()
	drv.AddDir("/dst")
	s, err := sessiontest.Connect(drv)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts.Logger = zerolog.Nop()
	return &fixture{
		drv:    drv,
		s:      s,
		local:  endpoint.NewLocal(),
		remote: endpoint.NewRemote(s),
		dir:    t.TempDir(),
		q:      NewQueue(ctx, s, opts),
		p:      NewPlanner(zerolog.Nop()),
	}
}

// uploadBatch plans the upload of n local files of size bytes each.
func (f *fixture) uploadBatch(t *testing.T, token uint64, n, size int) *Batch {
	t.Helper()
	var sources []Source
	for i := 1; i <= n; i++ {
		path := filepath.Join(f.dir, fmt.Sprintf("f%02d.txt", i))
		writeFile(t, path, size)
		sources = append(sources, localSource(t, f.local, path))
	}
	b, err := f.p.Plan(context.Background(), token, PlanRequest{
		Kind:    JobUpload,
		Src:     f.local,
		Sources: sources,
		Dst:     f.remote,
		DstDir:  "/dst",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// collect reads snapshots until the terminal one of token.
func collect(t *testing.T, q *Queue, token uint64) []Progress {
	t.Helper()
	var out []Progress
	timeout := time.After(10 * time.Second)
	for {
		select {
		case p := <-q.Updates():
			if p.Token != token {
				continue
			}
			out = append(out, p)
			if p.Finished {
				return out
			}
		case <-timeout:
			t.Fatalf("No terminal snapshot for batch %d", token)
			return nil
		}
	}
}

func TestQueueUpload(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 4, Interval: time.Nanosecond})

	t.Run("Core Functionality: Three files land on the remote", func(t *testing.T) {
		b := f.uploadBatch(t, 1, 3, 10)
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 1)
		last := snaps[len(snaps)-1]

		if last.Done != 3 || last.Failed != 0 || last.Cancelled != 0 {
			t.Errorf("Unexpected counts %+v", last)
		}
		if last.BytesDone != 30 || last.BytesTotal != 30 || last.Percent() != 100 {
			t.Errorf("Expected 30/30 bytes, got %d/%d", last.BytesDone, last.BytesTotal)
		}
		if !last.Started || len(last.Results) != 3 {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		for i := 1; i <= 3; i++ {
			data, ok := f.drv.File(fmt.Sprintf("/dst/f%02d.txt", i))
			if !ok || len(data) != 10 {
				t.Errorf("File %d not uploaded: %q", i, data)
			}
		}
		if f.q.Current() != 0 {
			t.Errorf("Queue should be idle, current %d", f.q.Current())
		}
	})

	t.Run("Core Functionality: Bytes done never decrease or pass the total", func(t *testing.T) {
		b := f.uploadBatch(t, 2, 4, 9)
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		var prev int64
		for _, p := range collect(t, f.q, 2) {
			if p.BytesDone < prev {
				t.Errorf("Bytes done went back from %d to %d", prev, p.BytesDone)
			}
			if p.BytesDone > p.BytesTotal {
				t.Errorf("Bytes done %d above total %d", p.BytesDone, p.BytesTotal)
			}
			prev = p.BytesDone
		}
		if prev != 36 {
			t.Errorf("Expected 36 bytes at the end, got %d", prev)
		}
	})

	t.Run("Edge Case: Existing directory counts as created", func(t *testing.T) {
		writeFile(t, filepath.Join(f.dir, "tree", "inner.txt"), 3)
		f.drv.AddDir("/dst/tree")
		b, err := f.p.Plan(context.Background(), 3, PlanRequest{
			Kind:    JobUpload,
			Src:     f.local,
			Sources: []Source{localSource(t, f.local, filepath.Join(f.dir, "tree"))},
			Dst:     f.remote,
			DstDir:  "/dst",
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 3)
		if last := snaps[len(snaps)-1]; last.Done != 2 || last.Failed != 0 {
			t.Errorf("Expected 2 done, got %+v", last)
		}
	})
}

func TestQueueDownloadAndDelete(t *testing.T) {
	f := newFixture(t, Options{})
	f.drv.AddFile("/pub/a.txt", []byte("alpha"))
	f.drv.AddFile("/pub/sub/b.txt", []byte("beta"))

	t.Run("Core Functionality: Download a tree", func(t *testing.T) {
		src, err := f.remote.Stat(context.Background(), "/pub")
		if err != nil {
			t.Fatal(err)
		}
		b, err := f.p.Plan(context.Background(), 10, PlanRequest{
			Kind:    JobDownload,
			Src:     f.remote,
			Sources: []Source{{Path: "/pub", Entry: src}},
			Dst:     f.local,
			DstDir:  f.dir,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 10)
		if last := snaps[len(snaps)-1]; last.Done != 4 || last.BytesDone != 9 {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		data, err := os.ReadFile(filepath.Join(f.dir, "pub", "sub", "b.txt"))
		if err != nil || string(data) != "beta" {
			t.Errorf("Unexpected local content %q, %v", data, err)
		}
	})

	t.Run("Core Functionality: Delete a tree", func(t *testing.T) {
		src, _ := f.remote.Stat(context.Background(), "/pub")
		b, err := f.p.Plan(context.Background(), 11, PlanRequest{
			Kind:    JobDelete,
			Src:     f.remote,
			Sources: []Source{{Path: "/pub", Entry: src}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 11)
		if last := snaps[len(snaps)-1]; last.Done != 4 || last.Percent() != 100 {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		if f.drv.Exists("/pub") {
			t.Error("Tree should be gone")
		}
	})

	t.Run("Side Effects: Pre-failed jobs are skipped", func(t *testing.T) {
		f.drv.AddFile("/keep/x.txt", []byte("x"))
		f.drv.ResetCalls()
		b := &Batch{Token: 12, Kind: JobDelete}
		b.add(&Job{Kind: JobDelete, Src: f.remote, SrcPath: "/keep", IsDir: true, State: JobFailed, Err: vfs.ErrPermissionDenied})
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 12)
		last := snaps[len(snaps)-1]
		if last.Failed != 1 || last.Started {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		if len(f.drv.Calls()) != 0 {
			t.Errorf("Nothing should reach the server, got %v", f.drv.Calls())
		}
	})
}

func TestQueueDeleteSymlink(t *testing.T) {
	f := newFixture(t, Options{Interval: time.Nanosecond})
	writeFile(t, filepath.Join(f.dir, "victim", "precious.txt"), 4)
	writeFile(t, filepath.Join(f.dir, "doomed", "a.txt"), 2)
	link := filepath.Join(f.dir, "doomed", "link")
	if err := os.Symlink(filepath.Join(f.dir, "victim"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	t.Run("Side Effects: Deleting a tree leaves the link target alone", func(t *testing.T) {
		b, err := f.p.Plan(context.Background(), 13, PlanRequest{
			Kind:    JobDelete,
			Src:     f.local,
			Sources: []Source{localSource(t, f.local, filepath.Join(f.dir, "doomed"))},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 13)
		if last := snaps[len(snaps)-1]; last.Done != 3 || last.Failed != 0 {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		if _, err := os.Stat(filepath.Join(f.dir, "victim", "precious.txt")); err != nil {
			t.Errorf("File outside the deleted tree was removed: %v", err)
		}
		if _, err := os.Lstat(link); !os.IsNotExist(err) {
			t.Errorf("Expected the link removed, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(f.dir, "doomed")); !os.IsNotExist(err) {
			t.Errorf("Expected the tree removed, got %v", err)
		}
	})
}

func TestQueueCancel(t *testing.T) {
	t.Run("Core Functionality: Cancel during the third of ten jobs", func(t *testing.T) {
		f := newFixture(t, Options{ChunkSize: 4})
		b := f.uploadBatch(t, 20, 10, 8)
		started := f.drv.Block("/dst/f03.txt")

		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("Third job never started")
		}
		if f.q.Current() != 20 {
			t.Errorf("Expected batch 20 running, got %d", f.q.Current())
		}
		f.q.Cancel(20)

		snaps := collect(t, f.q, 20)
		last := snaps[len(snaps)-1]
		for i, r := range last.Results {
			switch {
			case i < 2:
				if r.State != JobDone {
					t.Errorf("Job %d should be done, got %s", r.ID, r.State)
				}
			case i == 2:
				if r.State != JobCancelled && r.State != JobDone {
					t.Errorf("Job 3 should be cancelled or done, got %s", r.State)
				}
			default:
				if r.State != JobCancelled {
					t.Errorf("Job %d should be cancelled, got %s", r.ID, r.State)
				}
			}
		}
		if last.Done+last.Cancelled != 10 || last.Failed != 0 {
			t.Errorf("Unexpected counts %+v", last)
		}
		if f.drv.Exists("/dst/f04.txt") {
			t.Error("Jobs after the cancel should not run")
		}
		if last.Results[2].State == JobCancelled && f.drv.Exists("/dst/f03.txt") {
			t.Error("Partial file should be removed")
		}
		if !f.s.Connected() {
			t.Error("Cancel should keep the session")
		}
	})

	t.Run("Edge Case: Cancel before the batch starts", func(t *testing.T) {
		f := newFixture(t, Options{})
		b := f.uploadBatch(t, 21, 3, 5)
		f.q.Cancel(21)
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 21)
		last := snaps[len(snaps)-1]
		if last.Cancelled != 3 || last.Started {
			t.Errorf("Expected 3 cancelled and not started, got %+v", last)
		}
		if f.drv.Exists("/dst/f01.txt") {
			t.Error("Nothing should be uploaded")
		}
	})

	t.Run("Edge Case: Cancel of another token is ignored", func(t *testing.T) {
		f := newFixture(t, Options{})
		b := f.uploadBatch(t, 22, 2, 5)
		f.q.Cancel(99)
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 22)
		if last := snaps[len(snaps)-1]; last.Done != 2 {
			t.Errorf("Expected 2 done, got %+v", last)
		}
	})
}

func TestQueueErrors(t *testing.T) {
	t.Run("Error Handling: Lost connection fails the remaining jobs", func(t *testing.T) {
		f := newFixture(t, Options{})
		b := f.uploadBatch(t, 30, 4, 6)
		f.drv.FailOn("write", "/dst/f02.txt", vfs.NewError("write", "/dst/f02.txt", vfs.ErrConnectionLost, nil))

		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 30)
		last := snaps[len(snaps)-1]
		if last.Done != 1 || last.Failed != 3 {
			t.Errorf("Expected 1 done and 3 failed, got %+v", last)
		}
		if !last.ConnectionLost() {
			t.Errorf("Terminal snapshot should carry the lost connection, got %v", last.Err)
		}
		for _, r := range last.Results[1:] {
			if !vfs.IsConnectionLost(r.Err) {
				t.Errorf("Job %d should fail with the lost connection, got %v", r.ID, r.Err)
			}
		}
		if f.s.Connected() {
			t.Error("Session should be disconnected")
		}
	})

	t.Run("Error Handling: A failed job does not stop the batch", func(t *testing.T) {
		f := newFixture(t, Options{})
		b := f.uploadBatch(t, 31, 3, 6)
		f.drv.FailOn("store", "/dst/f01.txt", vfs.NewError("store", "/dst/f01.txt", vfs.ErrPermissionDenied, nil))

		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		snaps := collect(t, f.q, 31)
		last := snaps[len(snaps)-1]
		if last.Done != 2 || last.Failed != 1 || last.Err != nil {
			t.Errorf("Unexpected terminal snapshot %+v", last)
		}
		if !errors.Is(last.Results[0].Err, vfs.ErrPermissionDenied) {
			t.Errorf("Expected permission denied, got %v", last.Results[0].Err)
		}
		if last.BytesDone > last.BytesTotal {
			t.Errorf("Bytes done %d above total %d", last.BytesDone, last.BytesTotal)
		}
	})

	t.Run("Error Handling: Queue full", func(t *testing.T) {
		f := newFixture(t, Options{QueueSize: 1})
		b := f.uploadBatch(t, 40, 1, 5)
		started := f.drv.Block("/dst/f01.txt")
		if err := f.q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		<-started

		if err := f.q.Enqueue(&Batch{Token: 41}); err != nil {
			t.Fatalf("Second batch should wait in the buffer: %v", err)
		}
		if err := f.q.Enqueue(&Batch{Token: 42}); !errors.Is(err, ErrQueueFull) {
			t.Errorf("Expected ErrQueueFull, got %v", err)
		}
		f.q.Cancel(40)
		collect(t, f.q, 40)
	})
}

func TestSpeedMeter(t *testing.T) {
	var m speedMeter
	start := time.Now()
	if s := m.update(start, 0); s != 0 {
		t.Errorf("First sample should be 0, got %f", s)
	}
	if s := m.update(start.Add(500*time.Millisecond), 100); s != 0 {
		t.Errorf("Under a second keeps the old speed, got %f", s)
	}
	if s := m.update(start.Add(2*time.Second), 2000); s != 1000 {
		t.Errorf("Expected 1000 B/s, got %f", s)
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		p    Progress
		want int
	}{
		{Progress{BytesDone: 50, BytesTotal: 200}, 25},
		{Progress{}, 0},
		{Progress{Finished: true}, 100},
	}
	for _, c := range cases {
		if got := c.p.Percent(); got != c.want {
			t.Errorf("%+v: got %d, want %d", c.p, got, c.want)
		}
	}
	if strings.Contains(JobCancelled.String(), "unknown") || !JobCancelled.Terminal() || JobActive.Terminal() {
		t.Error("Unexpected job state helpers")
	}
}
