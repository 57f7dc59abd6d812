// Package transfer expands selections into ordered jobs and runs them on a
// single background worker.
package transfer

import (
	"github.com/quocson95/ftpdeck/pkg/endpoint"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// JobKind definitions
type JobKind int

const (
	JobUpload JobKind = iota
	JobDownload
	JobDelete
	JobMkdir
	JobRename
)

func (k JobKind) String() string {
	switch k {
	case JobUpload:
		return "upload"
	case JobDownload:
		return "download"
	case JobDelete:
		return "delete"
	case JobMkdir:
		return "mkdir"
	case JobRename:
		return "rename"
	}
	return "unknown"
}

// JobState definitions
type JobState int

const (
	JobPending JobState = iota
	JobActive
	JobDone
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobActive:
		return "active"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// Job is one leaf operation of a batch.
//
// Upload and download copy Src/SrcPath to Dst/DstPath. Mkdir creates
// Dst/DstPath. Delete removes Src/SrcPath. Rename moves Src/SrcPath to
// SrcPath's sibling DstPath on the same endpoint.
type Job struct {
	ID      int
	Token   uint64
	Kind    JobKind
	Src     endpoint.Endpoint
	SrcPath string
	Dst     endpoint.Endpoint
	DstPath string
	Size    int64
	IsDir   bool
	State   JobState
	Err     error
}

// Target is the path the job acts on, for display.
func (j *Job) Target() string {
	switch j.Kind {
	case JobMkdir, JobDownload, JobUpload:
		return j.DstPath
	}
	return j.SrcPath
}

func (j *Job) transfersBytes() bool {
	return j.Kind == JobUpload || j.Kind == JobDownload
}

// Batch is the ordered set of jobs built from one user action.
type Batch struct {
	Token      uint64
	Kind       JobKind
	Origin     endpoint.Side
	Jobs       []*Job
	BytesTotal int64
}

func (b *Batch) add(job *Job) {
	job.ID = len(b.Jobs) + 1
	job.Token = b.Token
	b.Jobs = append(b.Jobs, job)
	if job.transfersBytes() && job.State == JobPending {
		b.BytesTotal += job.Size
	}
}

// JobResult is the final state of one job.
type JobResult struct {
	ID    int
	Kind  JobKind
	Path  string
	State JobState
	Err   error
}

// Progress is an immutable snapshot of a batch published by the worker.
type Progress struct {
	Token      uint64
	BytesDone  int64
	BytesTotal int64
	JobIndex   int // 1-based index of the current job, 0 before the first
	JobCount   int
	Current    string
	Done       int
	Failed     int
	Cancelled  int
	Speed      float64 // bytes per second
	Started    bool    // some job became active
	Finished   bool    // terminal snapshot
	Err        error   // set when the batch ended on a lost connection
	Results    []JobResult
}

// Percent of bytes done, 100 for batches without data.
func (p Progress) Percent() int {
	if p.BytesTotal <= 0 {
		if p.Finished {
			return 100
		}
		return 0
	}
	return int(p.BytesDone * 100 / p.BytesTotal)
}

// ConnectionLost reports whether the batch ended because the link dropped.
func (p Progress) ConnectionLost() bool {
	return p.Err != nil && vfs.IsConnectionLost(p.Err)
}
