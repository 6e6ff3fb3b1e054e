// Package event provides the synchronous in-process event bus and the job
// lifecycle event model. Runners publish events, the registry and the
// journal consume them; the bus itself owns no state beyond its subscriber
// lists and a bounded dead-letter ring for handler failures.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
)

// Kind identifies a job lifecycle event type. Each kind is also the bus
// topic the event is delivered on.
type Kind string

const (
	KindStarted   Kind = "JobStarted"
	KindProgress  Kind = "JobProgress"
	KindLogLine   Kind = "JobLogLine"
	KindLogBatch  Kind = "JobLogBatch"
	KindFinished  Kind = "JobFinished"
	KindFailed    Kind = "JobFailed"
	KindCancelled Kind = "JobCancelled"
	KindTimedOut  Kind = "JobTimedOut"
	KindRetrying  Kind = "JobRetrying"
)

// Terminal reports whether this kind ends a job's lifecycle. At most one
// terminal event is ever published per job ID.
func (k Kind) Terminal() bool {
	switch k {
	case KindFinished, KindFailed, KindCancelled, KindTimedOut:
		return true
	default:
		return false
	}
}

// Kinds lists every job event kind, in lifecycle order.
func Kinds() []Kind {
	return []Kind{
		KindStarted, KindProgress, KindLogLine, KindLogBatch,
		KindRetrying, KindFinished, KindFailed, KindCancelled, KindTimedOut,
	}
}

// Event is an immutable job lifecycle fact. Only the fields relevant to
// the Kind are set; the struct is flat so it serializes to one JSON
// record per journal line.
type Event struct {
	JobID     id.JobID     `json:"job_id"`
	JobKind   jobcore.Kind `json:"job_kind"`
	Kind      Kind         `json:"kind"`
	Timestamp time.Time    `json:"ts"`

	// KindProgress.
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`

	// KindLogLine / KindLogBatch.
	Line  string   `json:"line,omitempty"`
	Lines []string `json:"lines,omitempty"`

	// KindFinished.
	Result json.RawMessage `json:"result,omitempty"`

	// KindFailed / KindTimedOut / KindRetrying.
	Failure *jobcore.Failure `json:"failure,omitempty"`
	Timeout time.Duration    `json:"timeout,omitempty"`

	// KindRetrying.
	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty"`

	// KindStarted: set when this job is a rerun of an earlier one.
	Lineage id.JobID `json:"lineage,omitempty"`
}

// ClampProgress normalizes a raw progress value into [0,1]. Non-finite
// values are rejected rather than stored.
func ClampProgress(p float64) (float64, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("event: non-finite progress %v", p)
	}
	if p < 0 {
		return 0, nil
	}
	if p > 1 {
		return 1, nil
	}
	return p, nil
}

// ──────────────────────────────────────────────────
// Constructors
// ──────────────────────────────────────────────────

func base(jobID id.JobID, jobKind jobcore.Kind, kind Kind) Event {
	return Event{JobID: jobID, JobKind: jobKind, Kind: kind, Timestamp: time.Now().UTC()}
}

// Started creates a JobStarted event. lineage is Nil unless the job is a
// rerun of an earlier job.
func Started(jobID id.JobID, jobKind jobcore.Kind, lineage id.JobID) Event {
	evt := base(jobID, jobKind, KindStarted)
	evt.Lineage = lineage
	return evt
}

// Progress creates a JobProgress event. The value is clamped into [0,1];
// the caller is expected to have rejected non-finite input already.
func Progress(jobID id.JobID, jobKind jobcore.Kind, p float64, message string) Event {
	clamped, err := ClampProgress(p)
	if err != nil {
		clamped = 0
	}
	evt := base(jobID, jobKind, KindProgress)
	evt.Progress = clamped
	evt.Message = message
	return evt
}

// LogLine creates a single-line JobLogLine event.
func LogLine(jobID id.JobID, jobKind jobcore.Kind, line string) Event {
	evt := base(jobID, jobKind, KindLogLine)
	evt.Line = line
	return evt
}

// LogBatch creates a JobLogBatch event carrying a bounded chunk of lines.
func LogBatch(jobID id.JobID, jobKind jobcore.Kind, lines []string) Event {
	evt := base(jobID, jobKind, KindLogBatch)
	evt.Lines = lines
	return evt
}

// Finished creates the JobFinished terminal event.
func Finished(jobID id.JobID, jobKind jobcore.Kind, result json.RawMessage) Event {
	evt := base(jobID, jobKind, KindFinished)
	evt.Result = result
	return evt
}

// Failed creates the JobFailed terminal event from a classified error.
func Failed(jobID id.JobID, jobKind jobcore.Kind, err error) Event {
	evt := base(jobID, jobKind, KindFailed)
	evt.Failure = jobcore.FailureFrom(err)
	return evt
}

// Cancelled creates the JobCancelled terminal event.
func Cancelled(jobID id.JobID, jobKind jobcore.Kind) Event {
	return base(jobID, jobKind, KindCancelled)
}

// TimedOut creates the JobTimedOut terminal event.
func TimedOut(jobID id.JobID, jobKind jobcore.Kind, timeout time.Duration) Event {
	evt := base(jobID, jobKind, KindTimedOut)
	evt.Timeout = timeout
	evt.Failure = &jobcore.Failure{
		Code:    jobcore.CodeTimeout,
		Message: fmt.Sprintf("timed out after %s", timeout),
	}
	return evt
}

// Retrying creates a JobRetrying event for attempt (1-based) of maxAttempts.
func Retrying(jobID id.JobID, jobKind jobcore.Kind, attempt, maxAttempts int, err error) Event {
	evt := base(jobID, jobKind, KindRetrying)
	evt.Attempt = attempt
	evt.MaxAttempts = maxAttempts
	evt.Failure = jobcore.FailureFrom(err)
	return evt
}
