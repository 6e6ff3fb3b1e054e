// Package registry holds the authoritative in-memory state of every job.
// It consumes lifecycle events from the bus through a single serialized
// mutation path and hands immutable snapshot copies to readers, so a
// presentation layer never observes partially applied state and never
// holds the write lock.
package registry

import (
	"encoding/json"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	// StatusPending means the job was submitted but has not started executing.
	StatusPending Status = "pending"
	// StatusRunning means a runner is executing the job.
	StatusRunning Status = "running"
	// StatusRetrying means the last attempt failed and a retry is scheduled.
	StatusRetrying Status = "retrying"
	// StatusCancelling means cancellation was requested but the job has not
	// yet observed it. Cancellation is cooperative for thread jobs, so the
	// cancel is a request, not an immediate fact.
	StatusCancelling Status = "cancelling"
	// StatusFinished means the job completed successfully.
	StatusFinished Status = "finished"
	// StatusFailed means the job failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled.
	StatusCancelled Status = "cancelled"
	// StatusTimedOut means the job exceeded its policy timeout.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether no further transitions follow this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Record is a snapshot of one job's state. Records are owned exclusively
// by the Registry; consumers receive copies and mutating a copy has no
// effect on the registry.
type Record struct {
	ID     id.JobID     `json:"id"`
	Kind   jobcore.Kind `json:"kind"`
	Status Status       `json:"status"`

	// Progress is in [0,1] once reported. Indeterminate is true until the
	// first progress event arrives.
	Progress      float64 `json:"progress"`
	Indeterminate bool    `json:"indeterminate"`
	Message       string  `json:"message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result  json.RawMessage  `json:"result,omitempty"`
	Failure *jobcore.Failure `json:"failure,omitempty"`

	// LogTail is a bounded ordered sequence of the job's most recent log
	// lines.
	LogTail []string `json:"log_tail,omitempty"`

	RetryCount int            `json:"retry_count"`
	Policy     jobcore.Policy `json:"policy"`

	// Lineage references the job this record is a rerun of, if any.
	Lineage id.JobID `json:"lineage,omitempty"`

	// Cancellable reports whether a cancel action is currently attached.
	// Terminal records are never cancellable.
	Cancellable bool `json:"cancellable"`
}

// clone returns a deep copy safe to hand to readers.
func (r *Record) clone() Record {
	out := *r
	if r.LogTail != nil {
		out.LogTail = append([]string(nil), r.LogTail...)
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return out
}
