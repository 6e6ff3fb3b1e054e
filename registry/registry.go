package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
)

// CancelFunc requests cancellation of a running job.
type CancelFunc func()

// RerunFunc resubmits a job, returning the new job's ID. The new job
// carries the original's ID as lineage.
type RerunFunc func() (id.JobID, error)

// Registry is the authoritative map of job state. It subscribes to the
// event bus and applies every job event to the corresponding record.
//
// Events may be published concurrently from multiple runner goroutines;
// all mutation funnels through one mutex-serialized apply path, and the
// bus guarantees per-job publish order is preserved on delivery, so each
// record always reflects a valid serialization of its own events.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[id.JobID]*Record
	cancels map[id.JobID]CancelFunc
	reruns  map[id.JobID]RerunFunc

	maxLogTail int
	maxRecords int

	logger   *slog.Logger
	bus      *event.Bus
	sub      event.Subscription
	notifier *notifier

	// dropped counts events that arrived for an already-terminal record.
	dropped atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxLogTail bounds the log lines retained per record.
func WithMaxLogTail(n int) Option {
	return func(r *Registry) { r.maxLogTail = n }
}

// WithMaxRecords bounds how many records are retained before the oldest
// terminal ones are purged.
func WithMaxRecords(n int) Option {
	return func(r *Registry) { r.maxRecords = n }
}

// New creates a registry subscribed to every job event on the bus.
func New(bus *event.Bus, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		jobs:       make(map[id.JobID]*Record),
		cancels:    make(map[id.JobID]CancelFunc),
		reruns:     make(map[id.JobID]RerunFunc),
		maxLogTail: 400,
		maxRecords: 200,
		logger:     logger,
		bus:        bus,
		notifier:   newNotifier(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sub = bus.SubscribeAll(r.apply)
	return r
}

// Close detaches the registry from the bus and stops the notifier.
func (r *Registry) Close() {
	r.bus.Unsubscribe(r.sub)
	r.notifier.close()
}

// ──────────────────────────────────────────────────
// Submission-side bookkeeping
// ──────────────────────────────────────────────────

// Track creates a pending record at submission time, before the runner
// publishes JobStarted. lineage is Nil unless this is a rerun.
func (r *Registry) Track(jobID id.JobID, kind jobcore.Kind, policy jobcore.Policy, lineage id.JobID) {
	r.mu.Lock()
	r.jobs[jobID] = &Record{
		ID:            jobID,
		Kind:          kind,
		Status:        StatusPending,
		Indeterminate: true,
		CreatedAt:     time.Now().UTC(),
		Policy:        policy,
		Lineage:       lineage,
	}
	r.purgeLocked()
	r.mu.Unlock()

	r.notifier.mark(jobID)
}

// SetCancel attaches the cancel action for a job. The action is released
// as soon as the record turns terminal.
func (r *Registry) SetCancel(jobID id.JobID, fn CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[jobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	r.cancels[jobID] = fn
	rec.Cancellable = true
}

// SetRerun attaches the rerun action for a job.
func (r *Registry) SetRerun(jobID id.JobID, fn RerunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return
	}
	r.reruns[jobID] = fn
}

// RequestCancel asks the job's runner to cancel it. The effect is
// observed asynchronously through a later terminal event; for thread
// jobs the body keeps running until it polls its token.
func (r *Registry) RequestCancel(jobID id.JobID) error {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return jobcore.ErrJobNotFound
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return jobcore.ErrNotCancellable
	}
	fn, ok := r.cancels[jobID]
	if !ok {
		r.mu.Unlock()
		return jobcore.ErrNotCancellable
	}
	rec.Status = StatusCancelling
	r.mu.Unlock()

	r.notifier.mark(jobID)
	fn()
	return nil
}

// Rerun resubmits a terminal job as a new job whose lineage points at
// this one. The original record is never mutated.
func (r *Registry) Rerun(jobID id.JobID) (id.JobID, error) {
	r.mu.RLock()
	_, exists := r.jobs[jobID]
	fn, ok := r.reruns[jobID]
	r.mu.RUnlock()

	if !exists {
		return id.Nil, jobcore.ErrJobNotFound
	}
	if !ok {
		return id.Nil, jobcore.ErrNotRerunnable
	}
	return fn()
}

// ──────────────────────────────────────────────────
// Read API
// ──────────────────────────────────────────────────

// Get returns a snapshot of one job record.
func (r *Registry) Get(jobID id.JobID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[jobID]
	if !ok {
		return Record{}, jobcore.ErrJobNotFound
	}
	return rec.clone(), nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind     jobcore.Kind
	Statuses []Status
	Limit    int
}

func (f Filter) match(rec *Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// List returns snapshots of matching records, newest first.
func (r *Registry) List(f Filter) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if f.match(rec) {
			out = append(out, rec.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats summarizes registry contents for an observability surface.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	// DroppedEvents counts events that arrived after their job was
	// already terminal.
	DroppedEvents int64 `json:"dropped_events"`
}

// Stat returns current counts.
func (r *Registry) Stat() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:         len(r.jobs),
		ByStatus:      make(map[Status]int),
		DroppedEvents: r.dropped.Load(),
	}
	for _, rec := range r.jobs {
		s.ByStatus[rec.Status]++
	}
	return s
}

// SubscribeUpdates registers a callback receiving batched, rate-limited
// sets of changed job IDs, suitable for driving a UI refresh.
func (r *Registry) SubscribeUpdates(fn func(changed []id.JobID)) {
	r.notifier.subscribe(fn)
}

// ──────────────────────────────────────────────────
// Event application (single-writer path)
// ──────────────────────────────────────────────────

func (r *Registry) apply(evt event.Event) {
	r.mu.Lock()
	changed := r.applyLocked(evt)
	r.mu.Unlock()

	if changed {
		r.notifier.mark(evt.JobID)
	}
}

func (r *Registry) applyLocked(evt event.Event) bool {
	rec, exists := r.jobs[evt.JobID]

	// Terminal state is final: anything after the terminal event for a
	// given id is dropped, which also suppresses duplicate terminal events.
	if exists && rec.Status.Terminal() {
		r.dropped.Add(1)
		r.logger.Debug("event for terminal job dropped",
			slog.String("job_id", evt.JobID.String()),
			slog.String("event_kind", string(evt.Kind)),
		)
		return false
	}

	switch evt.Kind {
	case event.KindStarted:
		if exists && rec.Status == StatusPending {
			// Live path: submission already created the pending record.
			rec.Status = StatusRunning
			t := evt.Timestamp
			rec.StartedAt = &t
			if rec.Lineage.IsNil() {
				rec.Lineage = evt.Lineage
			}
			return true
		}
		// Replay path, or a runner used without the engine facade.
		t := evt.Timestamp
		r.jobs[evt.JobID] = &Record{
			ID:            evt.JobID,
			Kind:          evt.JobKind,
			Status:        StatusRunning,
			Indeterminate: true,
			CreatedAt:     evt.Timestamp,
			StartedAt:     &t,
			Lineage:       evt.Lineage,
		}
		r.purgeLocked()
		return true

	case event.KindProgress:
		rec = r.ensureLocked(evt)
		rec.Progress = evt.Progress
		rec.Message = evt.Message
		rec.Indeterminate = false
		// A progress report from a new attempt moves a retrying job back
		// to running. A cancelling job stays cancelling.
		if rec.Status == StatusRetrying || rec.Status == StatusPending {
			rec.Status = StatusRunning
		}
		return true

	case event.KindLogLine:
		rec = r.ensureLocked(evt)
		r.appendLogLocked(rec, evt.Line)
		return true

	case event.KindLogBatch:
		rec = r.ensureLocked(evt)
		for _, line := range evt.Lines {
			r.appendLogLocked(rec, line)
		}
		return true

	case event.KindRetrying:
		rec = r.ensureLocked(evt)
		if rec.Status != StatusCancelling {
			rec.Status = StatusRetrying
		}
		rec.RetryCount = evt.Attempt
		rec.Message = retryMessage(evt)
		return true

	case event.KindFinished:
		rec = r.ensureLocked(evt)
		rec.Status = StatusFinished
		rec.Progress = 1
		rec.Indeterminate = false
		rec.Result = evt.Result
		r.finishLocked(rec, evt.Timestamp)
		return true

	case event.KindFailed:
		rec = r.ensureLocked(evt)
		rec.Status = StatusFailed
		rec.Failure = evt.Failure
		r.finishLocked(rec, evt.Timestamp)
		return true

	case event.KindCancelled:
		rec = r.ensureLocked(evt)
		rec.Status = StatusCancelled
		r.finishLocked(rec, evt.Timestamp)
		return true

	case event.KindTimedOut:
		rec = r.ensureLocked(evt)
		rec.Status = StatusTimedOut
		rec.Failure = evt.Failure
		r.finishLocked(rec, evt.Timestamp)
		return true
	}

	r.logger.Warn("unknown event kind ignored", slog.String("event_kind", string(evt.Kind)))
	return false
}

// ensureLocked returns the record for the event's job, creating one if a
// non-Started event arrives first (possible during replay of a truncated
// log).
func (r *Registry) ensureLocked(evt event.Event) *Record {
	if rec, ok := r.jobs[evt.JobID]; ok {
		return rec
	}
	rec := &Record{
		ID:            evt.JobID,
		Kind:          evt.JobKind,
		Status:        StatusRunning,
		Indeterminate: true,
		CreatedAt:     evt.Timestamp,
	}
	r.jobs[evt.JobID] = rec
	r.purgeLocked()
	return rec
}

func (r *Registry) appendLogLocked(rec *Record, line string) {
	if line == "" {
		return
	}
	rec.LogTail = append(rec.LogTail, line)
	if r.maxLogTail > 0 && len(rec.LogTail) > r.maxLogTail {
		rec.LogTail = rec.LogTail[len(rec.LogTail)-r.maxLogTail:]
	}
}

// finishLocked applies terminal bookkeeping: timestamps and release of
// the cancel handle.
func (r *Registry) finishLocked(rec *Record, at time.Time) {
	t := at
	rec.FinishedAt = &t
	rec.Cancellable = false
	delete(r.cancels, rec.ID)
}

func retryMessage(evt event.Event) string {
	msg := ""
	if evt.Failure != nil {
		msg = evt.Failure.Message
	}
	return fmt.Sprintf("retry %d/%d: %s", evt.Attempt, evt.MaxAttempts, msg)
}

// purgeLocked keeps only the newest maxRecords records. Non-terminal
// records are never purged, and neither is a record still referenced as
// the lineage of a retained record.
func (r *Registry) purgeLocked() {
	if r.maxRecords <= 0 || len(r.jobs) <= r.maxRecords {
		return
	}

	referenced := make(map[id.JobID]struct{})
	all := make([]*Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		all = append(all, rec)
		if !rec.Lineage.IsNil() {
			referenced[rec.Lineage] = struct{}{}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	excess := len(r.jobs) - r.maxRecords
	for _, rec := range all {
		if excess <= 0 {
			break
		}
		if !rec.Status.Terminal() {
			continue
		}
		if _, ok := referenced[rec.ID]; ok {
			continue
		}
		delete(r.jobs, rec.ID)
		delete(r.cancels, rec.ID)
		delete(r.reruns, rec.ID)
		excess--
	}
}
