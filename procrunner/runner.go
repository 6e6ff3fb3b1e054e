// Package procrunner executes jobs in child OS processes, supervising
// each one over the envelope protocol: newline-delimited JSON on the
// child's stdout carries progress, logs, and the terminal payload, while
// stderr is captured as plain log lines. A job succeeds only if the
// child emitted a result envelope; any exit without one is a failure
// that preserves the exit code.
package procrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/backoff"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
	"github.com/shalfeiok/jobcore/procrunner/protocol"
)

const (
	// DrainGrace bounds how long the supervisor keeps reading buffered
	// envelopes after the child exits, so a result written just before
	// exit is not lost to a read race.
	DrainGrace = 300 * time.Millisecond

	// DefaultKillGrace is how long a child gets between SIGTERM and
	// SIGKILL.
	DefaultKillGrace = 3 * time.Second
)

// Command describes the child process for one job.
type Command struct {
	// Kind tags the job type.
	Kind jobcore.Kind

	// Path is the worker binary; Args are its arguments (not including
	// the binary name).
	Path string
	Args []string

	// Env, when non-nil, replaces the child's environment. Dir sets its
	// working directory.
	Env []string
	Dir string

	// JobID preassigns the job's ID. Nil means the runner generates one.
	JobID id.JobID

	// Lineage references the job this command reruns, if any.
	Lineage id.JobID
}

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

// Cancel requests termination of the child (SIGTERM, then SIGKILL after
// the kill grace). Observed asynchronously via a terminal event.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the job's terminal event has been published.
func (h *Handle) Done() <-chan struct{} { return h.done }

type execution struct {
	cmd    Command
	policy jobcore.Policy
	jobID  id.JobID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner supervises process-isolated jobs. Each submitted job gets its
// own supervisor goroutine; a semaphore bounds how many children run at
// once.
type Runner struct {
	bus    *event.Bus
	logger *slog.Logger

	sem       chan struct{}
	killGrace time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  bool
	shutting bool

	// children counts currently live child processes.
	children atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds how many child processes run at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithKillGrace sets how long a child gets between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// New creates a runner. Call Start before submitting.
func New(bus *event.Bus, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		bus:       bus,
		logger:    logger,
		sem:       make(chan struct{}, 2),
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	return r
}

// Children returns how many child processes are currently alive.
func (r *Runner) Children() int64 { return r.children.Load() }

// Start marks the runner ready. No-op if already started.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.logger.Info("process job runner starting", slog.Int("concurrency", cap(r.sem)))
}

// Submit schedules a child process job. It rejects with ErrShuttingDown
// once Stop has been called.
func (r *Runner) Submit(cmd Command, policy jobcore.Policy) (*Handle, error) {
	if cmd.Path == "" {
		return nil, jobcore.NewError(jobcore.CodeValidation, "command has no path")
	}
	policy = policy.Normalize()

	r.mu.Lock()
	if !r.running || r.shutting {
		r.mu.Unlock()
		return nil, jobcore.ErrShuttingDown
	}
	r.mu.Unlock()

	jobID := cmd.JobID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	e := &execution{
		cmd:    cmd,
		policy: policy,
		jobID:  jobID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.supervise(e)

	return &Handle{jobID: jobID, kind: cmd.Kind, cancel: cancel, done: e.done}, nil
}

// Stop stops accepting new jobs, terminates in-flight children, and
// waits for their supervisors with the context's bound. Idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running || r.shutting {
		r.mu.Unlock()
		return nil
	}
	r.shutting = true
	r.mu.Unlock()

	r.logger.Info("process job runner stopping")
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("process job runner stopped")
	case <-ctx.Done():
		r.logger.Warn("process job runner shutdown timed out",
			slog.Int64("children", r.children.Load()),
		)
	}
	return nil
}

func (r *Runner) supervise(e *execution) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-e.ctx.Done():
		r.bus.Publish(event.Started(e.jobID, e.cmd.Kind, e.cmd.Lineage))
		r.bus.Publish(event.Cancelled(e.jobID, e.cmd.Kind))
		close(e.done)
		return
	}

	r.execute(e)
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

	logs := event.NewLogBuffer(r.bus, e.jobID, e.cmd.Kind)

	r.bus.Publish(event.Started(e.jobID, e.cmd.Kind, e.cmd.Lineage))
	r.bus.Publish(event.Progress(e.jobID, e.cmd.Kind, 0, "started"))

	strategy := backoff.ForRetry(e.policy.Backoff, e.policy.Jitter)
	maxAttempts := e.policy.MaxAttempts()
	overallStart := time.Now()

	for attempt := 1; ; attempt++ {
		result, err := r.runAttempt(e, logs)
		logs.Flush(true)

		switch {
		case err == nil:
			r.bus.Publish(event.Progress(e.jobID, e.cmd.Kind, 1, "finished"))
			r.bus.Publish(event.Finished(e.jobID, e.cmd.Kind, result))
			return

		case jobcore.CodeOf(err) == jobcore.CodeCancelled:
			r.bus.Publish(event.Cancelled(e.jobID, e.cmd.Kind))
			return

		case jobcore.CodeOf(err) == jobcore.CodeTimeout:
			r.bus.Publish(event.TimedOut(e.jobID, e.cmd.Kind, e.policy.Timeout))
			return

		default:
			retryable := jobcore.Retryable(err)
			if e.policy.RetryDeadline > 0 && time.Since(overallStart) >= e.policy.RetryDeadline {
				retryable = false
			}
			if !retryable || attempt >= maxAttempts || e.ctx.Err() != nil {
				r.bus.Publish(event.Failed(e.jobID, e.cmd.Kind, err))
				return
			}

			r.bus.Publish(event.Retrying(e.jobID, e.cmd.Kind, attempt, maxAttempts, err))
			delay := strategy.Delay(attempt)
			r.bus.Publish(event.Progress(e.jobID, e.cmd.Kind,
				retryProgress(attempt, maxAttempts),
				fmt.Sprintf("retrying in %.1fs", delay.Seconds()),
			))

			select {
			case <-time.After(delay):
			case <-e.ctx.Done():
				r.bus.Publish(event.Cancelled(e.jobID, e.cmd.Kind))
				return
			}
		}
	}
}

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

// envMsg is one decoded envelope from the child, or the decode error
// that ended the stream.
type envMsg struct {
	env protocol.Envelope
	err error
}

// runAttempt spawns the child once and supervises it to completion.
// Timeout is measured on the monotonic clock from spawn and enforced by
// an independent timer, so a child that keeps chattering cannot extend
// its own deadline.
func (r *Runner) runAttempt(e *execution, logs *event.LogBuffer) (json.RawMessage, error) {
	if e.ctx.Err() != nil {
		return nil, errCancelled
	}

	cmd := exec.Command(e.cmd.Path, e.cmd.Args...)
	cmd.Env = e.cmd.Env
	cmd.Dir = e.cmd.Dir

	// The child watches its stdin for EOF as a parent-death signal; hold
	// the pipe open for the process lifetime.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, jobcore.WrapError(jobcore.CodeInfrastructure, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, jobcore.WrapError(jobcore.CodeInfrastructure, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, jobcore.WrapError(jobcore.CodeInfrastructure, "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, jobcore.WrapError(jobcore.CodeInfrastructure, "spawn worker", err)
	}
	r.children.Add(1)
	defer r.children.Add(-1)
	defer stdin.Close()

	r.logger.Info("worker spawned",
		slog.String("job_id", e.jobID.String()),
		slog.String("job_kind", string(e.cmd.Kind)),
		slog.Int("pid", cmd.Process.Pid),
	)

	envCh := make(chan envMsg, 64)
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		readEnvelopes(stdout, envCh)
	}()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			logs.Add(sc.Text())
		}
	}()

	// Wait must not run until both pipe readers hit EOF, or it would
	// close the pipes out from under them mid-read.
	waitCh := make(chan error, 1)
	go func() {
		<-stdoutDone
		<-stderrDone
		waitCh <- cmd.Wait()
	}()

	var expiry <-chan time.Time
	if e.policy.Timeout > 0 {
		t := time.NewTimer(e.policy.Timeout)
		defer t.Stop()
		expiry = t.C
	}

	var (
		result    json.RawMessage
		childErr  *jobcore.Error
		resultSet bool
	)

	for {
		select {
		case msg, ok := <-envCh:
			if !ok {
				envCh = nil
				continue
			}
			if msg.err != nil {
				drain(envCh)
				r.terminate(cmd, waitCh)
				return nil, jobcore.WrapError(jobcore.CodeProtocol, "child protocol violation", msg.err)
			}
			r.applyEnvelope(e, logs, msg.env, &result, &resultSet, &childErr)

		case waitErr := <-waitCh:
			result, resultSet, childErr = r.drainAfterExit(e, logs, envCh, result, resultSet, childErr)
			return r.settle(e, waitErr, result, resultSet, childErr)

		case <-expiry:
			drain(envCh)
			r.terminate(cmd, waitCh)
			return nil, errTimedOut

		case <-e.ctx.Done():
			drain(envCh)
			r.terminate(cmd, waitCh)
			return nil, errCancelled
		}
	}
}

// applyEnvelope folds one child message into the attempt's state.
func (r *Runner) applyEnvelope(e *execution, logs *event.LogBuffer, env protocol.Envelope,
	result *json.RawMessage, resultSet *bool, childErr **jobcore.Error) {

	switch env.Kind {
	case protocol.KindProgress:
		p, err := event.ClampProgress(*env.Progress)
		if err != nil {
			return
		}
		r.bus.Publish(event.Progress(e.jobID, e.cmd.Kind, p, env.Message))

	case protocol.KindLog:
		logs.Add(env.Line)

	case protocol.KindResult:
		*result = env.Result
		*resultSet = true

	case protocol.KindError:
		*childErr = jobcore.NewError(codeFromWire(env.Code), env.Error)
	}
}

// drainAfterExit keeps folding already-buffered envelopes for a bounded
// grace after the child exits.
func (r *Runner) drainAfterExit(e *execution, logs *event.LogBuffer, envCh chan envMsg,
	result json.RawMessage, resultSet bool, childErr *jobcore.Error) (json.RawMessage, bool, *jobcore.Error) {

	if envCh == nil {
		return result, resultSet, childErr
	}
	grace := time.NewTimer(DrainGrace)
	defer grace.Stop()

	for {
		select {
		case msg, ok := <-envCh:
			if !ok {
				return result, resultSet, childErr
			}
			if msg.err != nil {
				childErr = jobcore.WrapError(jobcore.CodeProtocol, "child protocol violation", msg.err)
				resultSet = false
				continue
			}
			r.applyEnvelope(e, logs, msg.env, &result, &resultSet, &childErr)
		case <-grace.C:
			return result, resultSet, childErr
		}
	}
}

// settle derives the attempt's outcome once the child has exited and the
// stream is drained. A result envelope means success; an error envelope
// means that failure; anything else is a crash carrying the exit code.
// Cancellation observed here wins over a delivered result.
func (r *Runner) settle(e *execution, waitErr error, result json.RawMessage, resultSet bool, childErr *jobcore.Error) (json.RawMessage, error) {
	if e.ctx.Err() != nil {
		return nil, errCancelled
	}

	switch {
	case resultSet:
		return result, nil
	case childErr != nil:
		return nil, childErr
	default:
		code := exitCode(waitErr)
		return nil, jobcore.ChildCrash(code, fmt.Sprintf("worker exited with code %d without a terminal payload", code))
	}
}

// terminate asks the child to stop (SIGTERM, then SIGKILL after the
// grace) and waits for its exit.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()

	select {
	case <-waitCh:
	case <-grace.C:
		r.logger.Warn("worker ignored SIGTERM, killing",
			slog.Int("pid", cmd.Process.Pid),
		)
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// readEnvelopes decodes the child's stdout stream into envCh. On a
// protocol violation it reports the error, then discards the rest of the
// stream so the child is never blocked on a full pipe. Closes envCh at
// EOF.
func readEnvelopes(stdout io.Reader, envCh chan<- envMsg) {
	defer close(envCh)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err != nil {
			envCh <- envMsg{err: err}
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
		envCh <- envMsg{env: env}
	}
	if err := sc.Err(); err != nil {
		envCh <- envMsg{err: err}
	}
}

// drain discards buffered envelopes in the background so the reader
// goroutine can finish after the supervisor has given up on the stream.
// A nil channel means the stream already reached EOF and there is
// nothing left to discard.
func drain(envCh <-chan envMsg) {
	if envCh == nil {
		return
	}
	go func() {
		for range envCh {
		}
	}()
}

// codeFromWire maps a child-supplied error code onto the failure
// taxonomy, defaulting to internal for anything unrecognized.
func codeFromWire(s string) jobcore.Code {
	switch jobcore.Code(s) {
	case jobcore.CodeValidation, jobcore.CodeTimeout, jobcore.CodeCancelled,
		jobcore.CodeChildCrash, jobcore.CodeProtocol,
		jobcore.CodeInfrastructure, jobcore.CodeIntegration, jobcore.CodeInternal:
		return jobcore.Code(s)
	default:
		return jobcore.CodeInternal
	}
}

// exitCode extracts the child's exit status from cmd.Wait's error.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
