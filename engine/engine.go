// Package engine wires the job subsystems together: the event bus, the
// durable journal, the registry, and both runners. It owns the closed
// catalog of job definitions and is the single submission entry point.
//
// This package exists to break the import cycle: the root jobcore
// package defines Kind, Policy, and the failure taxonomy (imported by
// event, registry, runner, procrunner) and so cannot import those
// packages back. The engine package sits above all subsystem packages
// and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
	"github.com/shalfeiok/jobcore/journal"
	"github.com/shalfeiok/jobcore/procrunner"
	"github.com/shalfeiok/jobcore/registry"
	"github.com/shalfeiok/jobcore/runner"
)

// ThreadFunc is an in-process job body bound to a submission's input.
type ThreadFunc func(ctx context.Context, rc *runner.RunContext, input json.RawMessage) (json.RawMessage, error)

// CommandFunc builds the child process invocation for a submission's
// input.
type CommandFunc func(input json.RawMessage) (procrunner.Command, error)

// Definition declares one job kind. Exactly one of Run or Command must
// be set, matching Isolation.
type Definition struct {
	Kind      jobcore.Kind
	Isolation jobcore.Isolation

	// Policy is this kind's default execution policy. Zero fields fall
	// back to the engine config's default policy.
	Policy jobcore.Policy

	// Run is the body for thread isolation.
	Run ThreadFunc

	// Command builds the child invocation for process isolation.
	Command CommandFunc
}

func (d Definition) validate() error {
	if d.Kind == "" {
		return jobcore.NewError(jobcore.CodeValidation, "definition has no kind")
	}
	switch d.Isolation {
	case jobcore.IsolationThread:
		if d.Run == nil {
			return jobcore.NewError(jobcore.CodeValidation,
				fmt.Sprintf("definition %q: thread isolation requires a body", d.Kind))
		}
	case jobcore.IsolationProcess:
		if d.Command == nil {
			return jobcore.NewError(jobcore.CodeValidation,
				fmt.Sprintf("definition %q: process isolation requires a command builder", d.Kind))
		}
	default:
		return jobcore.NewError(jobcore.CodeValidation,
			fmt.Sprintf("definition %q: unknown isolation %q", d.Kind, d.Isolation))
	}
	return nil
}

// Handle controls one submitted job.
type Handle struct {
	jobID id.JobID
	kind  jobcore.Kind
	eng   *Engine
	done  <-chan struct{}
}

// JobID returns the job's identifier.
func (h *Handle) JobID() id.JobID { return h.jobID }

// Kind returns the job's kind tag.
func (h *Handle) Kind() jobcore.Kind { return h.kind }

// Done is closed once the job's terminal event has been published.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation through the registry.
func (h *Handle) Cancel() error { return h.eng.registry.RequestCancel(h.jobID) }

// Wait blocks until the job reaches a terminal state or ctx expires,
// then returns the final record.
func (h *Handle) Wait(ctx context.Context) (registry.Record, error) {
	select {
	case <-h.done:
		return h.eng.registry.Get(h.jobID)
	case <-ctx.Done():
		return registry.Record{}, ctx.Err()
	}
}

// Engine is the composition root. Build one with New, register
// definitions, then Start it.
type Engine struct {
	cfg     jobcore.Config
	logger  *slog.Logger
	session id.SessionID

	bus       *event.Bus
	store     *journal.Store
	sink      *journal.Sink
	manifests *journal.Manifests
	registry  *registry.Registry
	threads   *runner.Runner
	procs     *procrunner.Runner

	mu      sync.Mutex
	catalog map[jobcore.Kind]Definition
	started bool
	stopped bool
}

// New builds an engine from the config. Nothing runs until Start.
func New(cfg jobcore.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := event.NewBus(logger)

	eng := &Engine{
		cfg:     cfg,
		logger:  logger,
		session: id.NewSessionID(),
		bus:     bus,
		catalog: make(map[jobcore.Kind]Definition),
	}

	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath, logger,
			journal.WithMaxBytes(cfg.JournalMaxBytes),
			journal.WithMaxArchives(cfg.JournalMaxArchives),
		)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		eng.store = store
	}
	if cfg.RunsDir != "" {
		eng.manifests = journal.NewManifests(cfg.RunsDir, logger)
	}

	eng.registry = registry.New(bus, logger,
		registry.WithMaxLogTail(cfg.MaxLogTail),
		registry.WithMaxRecords(cfg.MaxRecords),
	)
	eng.threads = runner.New(bus, logger, runner.WithConcurrency(cfg.ThreadWorkers))
	eng.procs = procrunner.New(bus, logger, procrunner.WithConcurrency(cfg.ProcessWorkers))

	return eng, nil
}

// Session returns this engine instance's identity. Every instance gets
// a fresh one; it ties log lines and health reports to one process run.
func (e *Engine) Session() id.SessionID { return e.session }

// Bus returns the engine's event bus for additional subscribers.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Registry returns the job registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Journal returns the journal store, or nil when journaling is off.
func (e *Engine) Journal() *journal.Store { return e.store }

// Register adds a job definition to the catalog. Definitions form a
// closed set: submission of any kind not registered here is rejected.
// Registration is only allowed before Start.
func (e *Engine) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return jobcore.NewError(jobcore.CodeValidation, "cannot register definitions after start")
	}
	if _, exists := e.catalog[def.Kind]; exists {
		return jobcore.NewError(jobcore.CodeValidation,
			fmt.Sprintf("definition %q already registered", def.Kind))
	}
	e.catalog[def.Kind] = def
	return nil
}

// Start replays the journal into the registry, attaches the journal
// sink, and starts both runners. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true

	if e.store != nil {
		if err := e.registry.Replay(e.store); err != nil {
			e.logger.Warn("journal replay failed", slog.String("error", err.Error()))
		}
		e.sink = journal.NewSink(e.bus, e.store)
	}

	e.threads.Start()
	e.procs.Start()
	e.logger.Info("engine started",
		slog.String("session_id", e.session.String()),
		slog.Int("definitions", len(e.catalog)),
		slog.Int("thread_workers", e.cfg.ThreadWorkers),
		slog.Int("process_workers", e.cfg.ProcessWorkers),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Submit validates the kind against the catalog, resolves the policy,
// and routes to the isolation's runner. The returned handle's job is
// already tracked as pending.
func (e *Engine) Submit(kind jobcore.Kind, input json.RawMessage, policy *jobcore.Policy) (*Handle, error) {
	e.mu.Lock()
	def, ok := e.catalog[kind]
	started, stopped := e.started, e.stopped
	e.mu.Unlock()

	if !started || stopped {
		return nil, jobcore.ErrShuttingDown
	}
	if !ok {
		return nil, jobcore.WrapError(jobcore.CodeValidation,
			fmt.Sprintf("unknown job kind %q", kind), jobcore.ErrUnknownKind)
	}

	return e.submit(def, input, e.resolvePolicy(def, policy), id.Nil)
}

// resolvePolicy picks the most specific policy available: a submission
// override beats the definition's default, which beats the config
// default. The winner applies whole; fields are never merged across
// levels, since a zero field is indistinguishable from an unset one.
func (e *Engine) resolvePolicy(def Definition, override *jobcore.Policy) jobcore.Policy {
	p := e.cfg.DefaultPolicy
	if def.Policy != (jobcore.Policy{}) {
		p = def.Policy
	}
	if override != nil {
		p = *override
	}
	return p.Normalize()
}

func (e *Engine) submit(def Definition, input json.RawMessage, policy jobcore.Policy, lineage id.JobID) (*Handle, error) {
	jobID := id.NewJobID()

	// Track before submitting so the record exists from the caller's
	// point of view the moment Submit returns.
	e.registry.Track(jobID, def.Kind, policy, lineage)

	var (
		cancel func()
		done   <-chan struct{}
		err    error
	)
	switch def.Isolation {
	case jobcore.IsolationThread:
		var h *runner.Handle
		h, err = e.threads.Submit(runner.Task{
			Kind:    def.Kind,
			JobID:   jobID,
			Lineage: lineage,
			Run: func(ctx context.Context, rc *runner.RunContext) (json.RawMessage, error) {
				return def.Run(ctx, rc, input)
			},
		}, policy)
		if err == nil {
			cancel, done = h.Cancel, h.Done()
		}

	case jobcore.IsolationProcess:
		var cmd procrunner.Command
		cmd, err = def.Command(input)
		if err == nil {
			cmd.Kind = def.Kind
			cmd.JobID = jobID
			cmd.Lineage = lineage
			var h *procrunner.Handle
			h, err = e.procs.Submit(cmd, policy)
			if err == nil {
				cancel, done = h.Cancel, h.Done()
			}
		}
	}

	if err != nil {
		// The pending record must still reach a terminal state.
		e.bus.Publish(event.Started(jobID, def.Kind, lineage))
		e.bus.Publish(event.Failed(jobID, def.Kind, err))
		return nil, err
	}

	e.registry.SetCancel(jobID, cancel)
	e.registry.SetRerun(jobID, func() (id.JobID, error) {
		h, rerr := e.submit(def, input, policy, jobID)
		if rerr != nil {
			return id.Nil, rerr
		}
		return h.JobID(), nil
	})

	if e.manifests != nil {
		spec := map[string]any{"kind": string(def.Kind), "isolation": string(def.Isolation)}
		if len(input) > 0 {
			spec["input"] = json.RawMessage(input)
		}
		if _, merr := e.manifests.Register(jobID, def.Kind, spec, nil); merr != nil {
			e.logger.Warn("run manifest not written",
				slog.String("job_id", jobID.String()),
				slog.String("error", merr.Error()),
			)
		}
	}

	return &Handle{jobID: jobID, kind: def.Kind, eng: e, done: done}, nil
}

// Cancel requests cancellation of a tracked job.
func (e *Engine) Cancel(jobID id.JobID) error { return e.registry.RequestCancel(jobID) }

// Rerun resubmits a finished job's definition and input as a new job
// carrying the original's ID as lineage.
func (e *Engine) Rerun(jobID id.JobID) (id.JobID, error) { return e.registry.Rerun(jobID) }

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

// Shutdown stops intake, cancels in-flight jobs, waits for both runners
// within the config's shutdown timeout, then flushes and closes the
// journal. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	e.logger.Info("engine shutting down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.threads.Stop(gctx) })
	g.Go(func() error { return e.procs.Stop(gctx) })
	err := g.Wait()

	// Runners are quiet now; no further events will be published.
	e.registry.Close()
	if e.sink != nil {
		e.sink.Close()
	}
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	e.logger.Info("engine stopped")
	return err
}

// WriteCrashBundle collects the journal and its rotated archives into a
// zip for offline diagnosis.
func (e *Engine) WriteCrashBundle(outPath string) error {
	if e.store == nil {
		return jobcore.NewError(jobcore.CodeValidation, "journaling is disabled")
	}
	return journal.WriteBundle(outPath, journal.BundleOptions{
		JournalPath:    e.cfg.JournalPath,
		IncludeRotated: true,
	})
}
