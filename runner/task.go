// Package runner executes in-process jobs on a shared goroutine pool
// without blocking the caller, enforcing cooperative timeout and
// cancellation and isolating each job's textual output.
package runner

import (
	"context"
	"encoding/json"
	"io"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
)

// Func is a job body. It must honor ctx cancellation at reasonable
// checkpoints: the runner cannot force-stop a goroutine, so a body that
// never checks leaks its goroutine until it returns (tracked as a
// zombie).
type Func func(ctx context.Context, rc *RunContext) (json.RawMessage, error)

// Task is one unit of work to submit.
type Task struct {
	// Kind tags the job type.
	Kind jobcore.Kind

	// Run is the job body.
	Run Func

	// JobID preassigns the job's ID. Nil means the runner generates one.
	JobID id.JobID

	// Lineage references the job this task reruns, if any.
	Lineage id.JobID
}

// RunContext carries the per-job collaboration points handed to a body.
type RunContext struct {
	// Log is this job's output sink. Lines written here are batched and
	// attributed only to this job, regardless of what other jobs run
	// concurrently.
	Log io.Writer

	progress func(p float64, message string) error
}

// Progress reports completion in [0,1] with an optional message. It is
// also a cooperative checkpoint: a non-nil return means the job was
// cancelled or timed out and the body should stop and return the error.
func (rc *RunContext) Progress(p float64, message string) error {
	return rc.progress(p, message)
}
