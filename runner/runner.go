package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/backoff"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
)

// DefaultQueueDepth bounds how many accepted jobs may wait for a worker.
const DefaultQueueDepth = 1024

// Handle controls one submitted job.
type Handle struct {
	jobID  id.JobID
	kind   jobcore.Kind
	cancel context.CancelFunc
	done   chan struct{}
}

// JobID returns the job's identifier.
func (h *Handle) JobID() id.JobID { return h.jobID }

// Kind returns the job's kind tag.
func (h *Handle) Kind() jobcore.Kind { return h.kind }

// Cancel requests cooperative cancellation. The effect is observed
// asynchronously via a later terminal event; the body keeps running
// until it checks its context.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the job's terminal event has been published.
func (h *Handle) Done() <-chan struct{} { return h.done }

type execution struct {
	task   Task
	policy jobcore.Policy
	jobID  id.JobID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner executes in-process jobs on a fixed goroutine pool and publishes
// their lifecycle to the event bus.
type Runner struct {
	bus    *event.Bus
	logger *slog.Logger

	concurrency int
	queueDepth  int
	queue       chan *execution

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  bool
	shutting bool

	// zombies counts job bodies still executing after their job already
	// reached a terminal state (timeout or cancellation the body has not
	// observed yet). A non-zero value is a bounded resource leak that an
	// operator surface should show.
	zombies atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithQueueDepth sets how many accepted jobs may queue for a worker.
func WithQueueDepth(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueDepth = n
		}
	}
}

// New creates a runner. Call Start before submitting.
func New(bus *event.Bus, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		bus:         bus,
		logger:      logger,
		concurrency: 4,
		queueDepth:  DefaultQueueDepth,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan *execution, r.queueDepth)
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	return r
}

// Zombies returns how many job bodies are still running past their
// terminal event.
func (r *Runner) Zombies() int64 { return r.zombies.Load() }

// Start launches the worker goroutines. It returns immediately and is a
// no-op if already started.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true

	r.logger.Info("job runner starting", slog.Int("concurrency", r.concurrency))
	for range r.concurrency {
		r.wg.Add(1)
		go r.workerLoop()
	}
}

// Submit schedules a task for execution. It rejects with ErrShuttingDown
// once Stop has been called.
func (r *Runner) Submit(task Task, policy jobcore.Policy) (*Handle, error) {
	if task.Run == nil {
		return nil, jobcore.NewError(jobcore.CodeValidation, "task has no body")
	}
	policy = policy.Normalize()

	r.mu.Lock()
	if !r.running || r.shutting {
		r.mu.Unlock()
		return nil, jobcore.ErrShuttingDown
	}
	r.mu.Unlock()

	jobID := task.JobID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	e := &execution{
		task:   task,
		policy: policy,
		jobID:  jobID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	select {
	case r.queue <- e:
	default:
		cancel()
		return nil, jobcore.NewError(jobcore.CodeInfrastructure, "runner queue full")
	}

	return &Handle{jobID: jobID, kind: task.Kind, cancel: cancel, done: e.done}, nil
}

// Stop stops accepting new jobs, requests cancellation of in-flight
// ones, and waits for the workers with the context's bound. Idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running || r.shutting {
		r.mu.Unlock()
		return nil
	}
	r.shutting = true
	r.mu.Unlock()

	r.logger.Info("job runner stopping")
	close(r.stopCh)
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("job runner stopped")
	case <-ctx.Done():
		r.logger.Warn("job runner shutdown timed out",
			slog.Int64("zombies", r.zombies.Load()),
		)
	}
	return nil
}

func (r *Runner) workerLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			// Drain jobs already accepted; their contexts are cancelled,
			// so each terminates with JobCancelled quickly.
			select {
			case e := <-r.queue:
				r.execute(e)
				continue
			default:
				return
			}
		case e := <-r.queue:
			r.execute(e)
		}
	}
}

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

var (
	errTimedOut  = jobcore.NewError(jobcore.CodeTimeout, "job timed out")
	errCancelled = jobcore.NewError(jobcore.CodeCancelled, "job cancelled")
)

// execute runs one job through the retry loop and publishes exactly one
// terminal event on every path.
func (r *Runner) execute(e *execution) {
	defer close(e.done)
	defer e.cancel()

	logs := event.NewLogBuffer(r.bus, e.jobID, e.task.Kind)
	sink := event.NewLineWriter(logs)

	r.bus.Publish(event.Started(e.jobID, e.task.Kind, e.task.Lineage))
	r.bus.Publish(event.Progress(e.jobID, e.task.Kind, 0, "started"))

	strategy := backoff.ForRetry(e.policy.Backoff, e.policy.Jitter)
	maxAttempts := e.policy.MaxAttempts()
	overallStart := time.Now()

	for attempt := 1; ; attempt++ {
		result, err := r.runAttempt(e, sink, logs)

		switch {
		case err == nil:
			r.bus.Publish(event.Progress(e.jobID, e.task.Kind, 1, "finished"))
			r.bus.Publish(event.Finished(e.jobID, e.task.Kind, result))
			return

		case jobcore.CodeOf(err) == jobcore.CodeCancelled:
			r.bus.Publish(event.Cancelled(e.jobID, e.task.Kind))
			return

		case jobcore.CodeOf(err) == jobcore.CodeTimeout:
			r.bus.Publish(event.TimedOut(e.jobID, e.task.Kind, e.policy.Timeout))
			return

		default:
			retryable := jobcore.Retryable(err)
			if e.policy.RetryDeadline > 0 && time.Since(overallStart) >= e.policy.RetryDeadline {
				retryable = false
			}
			if !retryable || attempt >= maxAttempts || e.ctx.Err() != nil {
				r.bus.Publish(event.Failed(e.jobID, e.task.Kind, err))
				return
			}

			r.bus.Publish(event.Retrying(e.jobID, e.task.Kind, attempt, maxAttempts, err))
			delay := strategy.Delay(attempt)
			r.bus.Publish(event.Progress(e.jobID, e.task.Kind,
				retryProgress(attempt, maxAttempts),
				fmt.Sprintf("retrying in %.1fs", delay.Seconds()),
			))

			select {
			case <-time.After(delay):
			case <-e.ctx.Done():
				r.bus.Publish(event.Cancelled(e.jobID, e.task.Kind))
				return
			}
		}
	}
}

// retryProgress mirrors attempt count into a capped progress value so a
// retrying job still shows movement.
func retryProgress(attempt, maxAttempts int) float64 {
	p := float64(attempt-1) / float64(maxAttempts)
	if p > 0.95 {
		p = 0.95
	}
	if p < 0 {
		p = 0
	}
	return p
}

type outcome struct {
	result json.RawMessage
	err    error
}

// runAttempt executes the body once. Timeout is measured on the
// monotonic clock per attempt and enforced at checkpoints plus an
// independent timer; since a goroutine cannot be force-stopped, on
// expiry the attempt is abandoned, the context is cancelled, and the
// still-running body is tracked as a zombie until it returns.
func (r *Runner) runAttempt(e *execution, sink *event.LineWriter, logs *event.LogBuffer) (json.RawMessage, error) {
	if e.ctx.Err() != nil {
		return nil, errCancelled
	}

	attemptStart := time.Now()
	var timedOut atomic.Bool

	rc := &RunContext{
		Log: sink,
		progress: func(p float64, message string) error {
			if timedOut.Load() {
				return errTimedOut
			}
			if e.ctx.Err() != nil {
				return errCancelled
			}
			if e.policy.Timeout > 0 && time.Since(attemptStart) > e.policy.Timeout {
				timedOut.Store(true)
				return errTimedOut
			}
			clamped, err := event.ClampProgress(p)
			if err != nil {
				r.logger.Warn("non-finite progress rejected",
					slog.String("job_id", e.jobID.String()),
				)
				return nil
			}
			r.bus.Publish(event.Progress(e.jobID, e.task.Kind, clamped, message))
			return nil
		},
	}

	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("job body panicked",
					slog.String("job_id", e.jobID.String()),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				resCh <- outcome{err: jobcore.NewError(jobcore.CodeInternal, fmt.Sprintf("panic: %v", p))}
			}
		}()
		result, err := e.task.Run(e.ctx, rc)
		resCh <- outcome{result: result, err: err}
	}()

	var expiry <-chan time.Time
	if e.policy.Timeout > 0 {
		t := time.NewTimer(e.policy.Timeout)
		defer t.Stop()
		expiry = t.C
	}

	select {
	case out := <-resCh:
		sink.Close()
		if e.ctx.Err() != nil {
			return nil, errCancelled
		}
		if e.policy.Timeout > 0 && time.Since(attemptStart) > e.policy.Timeout {
			return nil, errTimedOut
		}
		return out.result, out.err

	case <-expiry:
		timedOut.Store(true)
		e.cancel()
		r.abandon(e, resCh)
		logs.Flush(true)
		return nil, errTimedOut

	case <-e.ctx.Done():
		r.abandon(e, resCh)
		logs.Flush(true)
		return nil, errCancelled
	}
}

// abandon returns the worker to the pool while the unobserved body keeps
// running in the background, counted as a zombie until it returns.
func (r *Runner) abandon(e *execution, resCh <-chan outcome) {
	r.zombies.Add(1)
	zombieSince := time.Now()
	go func() {
		<-resCh
		r.zombies.Add(-1)
		r.logger.Warn("job body returned after terminal event",
			slog.String("job_id", e.jobID.String()),
			slog.String("job_kind", string(e.task.Kind)),
			slog.Duration("late_by", time.Since(zombieSince)),
		)
	}()
}
