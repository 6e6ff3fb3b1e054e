package procrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/procrunner/protocol"
)

// The test binary doubles as the worker: when JOBCORE_WORKER_MODE is
// set, TestMain runs a scripted worker instead of the test suite.
func TestMain(m *testing.M) {
	if mode := os.Getenv("JOBCORE_WORKER_MODE"); mode != "" {
		os.Exit(workerMain(mode))
	}
	os.Exit(m.Run())
}

func workerMain(mode string) int {
	switch mode {
	case "ok":
		return protocol.RunWorker(func(ctx context.Context, w *protocol.Writer) (any, error) {
			_ = w.Progress(0.5, "halfway")
			_ = w.Log("working")
			fmt.Fprintln(os.Stderr, "stderr line")
			return map[string]int{"items": 3}, nil
		})
	case "exit-2":
		_, _ = fmt.Fprintln(os.Stdout, `{"kind":"log","line":"about to crash"}`)
		return 2
	case "bogus":
		_, _ = fmt.Fprintln(os.Stdout, `{"kind":"telemetry","line":"nope"}`)
		time.Sleep(5 * time.Second)
		return 0
	case "error-env":
		return protocol.RunWorker(func(ctx context.Context, w *protocol.Writer) (any, error) {
			return nil, fmt.Errorf("upstream unreachable")
		})
	case "error-integration":
		_, _ = fmt.Fprintln(os.Stdout, `{"kind":"error","error":"upstream unreachable","code":"integration"}`)
		return 1
	case "late-result":
		// Result written immediately before exit: the parent's drain
		// grace must still capture it.
		_, _ = fmt.Fprintln(os.Stdout, `{"kind":"result","result":{"late":true}}`)
		return 0
	case "mute":
		// Closes its stdout while still running, so the parent sees EOF
		// on the envelope stream long before the process exits.
		os.Stdout.Close()
		time.Sleep(30 * time.Second)
		return 0
	case "sleep":
		return protocol.RunWorker(func(ctx context.Context, w *protocol.Writer) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(30 * time.Second):
				return "overslept", nil
			}
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown worker mode %q\n", mode)
		return 3
	}
}

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(evt event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) byKind(kind event.Kind) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, evt := range c.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (c *collector) terminal() *event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].Kind.Terminal() {
			return &c.events[i]
		}
	}
	return nil
}

func setupRunner(t *testing.T) (*Runner, *collector) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := event.NewBus(logger)
	col := &collector{}
	bus.SubscribeAll(col.handle)

	r := New(bus, logger, WithConcurrency(2), WithKillGrace(500*time.Millisecond))
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r, col
}

func workerCommand(mode string) Command {
	return Command{
		Kind: "proc.test",
		Path: os.Args[0],
		Args: []string{"-test.run=TestMain"},
		Env:  append(os.Environ(), "JOBCORE_WORKER_MODE="+mode),
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestProcessJobSuccess(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("ok"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindFinished {
		t.Fatalf("terminal event = %+v, want JobFinished", term)
	}

	var result map[string]int
	if err := json.Unmarshal(term.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["items"] != 3 {
		t.Errorf("result = %v, want items=3", result)
	}

	found := false
	for _, evt := range col.byKind(event.KindProgress) {
		if evt.Progress == 0.5 && evt.Message == "halfway" {
			found = true
		}
	}
	if !found {
		t.Error("progress envelope from the child was not republished")
	}
}

func TestProcessJobCapturesStderrAsLogs(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("ok"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	var lines []string
	for _, evt := range col.byKind(event.KindLogBatch) {
		lines = append(lines, evt.Lines...)
	}
	got := map[string]bool{}
	for _, l := range lines {
		got[l] = true
	}
	if !got["stderr line"] {
		t.Errorf("stderr output missing from log batches: %v", lines)
	}
	if !got["working"] {
		t.Errorf("log envelope missing from log batches: %v", lines)
	}
}

func TestProcessJobExitWithoutPayloadFails(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("exit-2"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindFailed {
		t.Fatalf("terminal event = %+v, want JobFailed", term)
	}
	if term.Failure == nil {
		t.Fatal("failed event carries no failure")
	}
	if term.Failure.Code != jobcore.CodeChildCrash {
		t.Errorf("failure code = %q, want %q", term.Failure.Code, jobcore.CodeChildCrash)
	}
	if term.Failure.ExitCode == nil || *term.Failure.ExitCode != 2 {
		t.Errorf("failure exit code = %v, want 2", term.Failure.ExitCode)
	}
}

func TestProcessJobMalformedEnvelopeFails(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("bogus"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindFailed {
		t.Fatalf("terminal event = %+v, want JobFailed", term)
	}
	if term.Failure.Code != jobcore.CodeProtocol {
		t.Errorf("failure code = %q, want %q", term.Failure.Code, jobcore.CodeProtocol)
	}
}

func TestProcessJobErrorEnvelope(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("error-env"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindFailed {
		t.Fatalf("terminal event = %+v, want JobFailed", term)
	}
	if term.Failure.Message != "upstream unreachable" {
		t.Errorf("failure message = %q", term.Failure.Message)
	}
}

func TestProcessJobRetriesIntegrationFailure(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("error-integration"), jobcore.Policy{
		Timeout:    10 * time.Second,
		MaxRetries: 1,
		Backoff:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	retries := col.byKind(event.KindRetrying)
	if len(retries) != 1 {
		t.Fatalf("got %d JobRetrying events, want 1", len(retries))
	}
	if retries[0].Attempt != 1 || retries[0].MaxAttempts != 2 {
		t.Errorf("retry event attempt = %d/%d, want 1/2", retries[0].Attempt, retries[0].MaxAttempts)
	}

	term := col.terminal()
	if term == nil || term.Kind != event.KindFailed {
		t.Fatalf("terminal event = %+v, want JobFailed", term)
	}
}

func TestProcessJobLateResultSurvivesExit(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("late-result"), jobcore.Policy{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindFinished {
		t.Fatalf("terminal event = %+v, want JobFinished", term)
	}
	if string(term.Result) != `{"late":true}` {
		t.Errorf("result = %s", term.Result)
	}
}

func TestProcessJobCancel(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("sleep"), jobcore.Policy{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Give the child a moment to start before signalling it.
	time.Sleep(300 * time.Millisecond)
	h.Cancel()
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindCancelled {
		t.Fatalf("terminal event = %+v, want JobCancelled", term)
	}
	if n := r.Children(); n != 0 {
		t.Errorf("children = %d after cancel, want 0", n)
	}
}

func TestProcessJobCancelAfterStdoutClosed(t *testing.T) {
	r, col := setupRunner(t)

	base := runtime.NumGoroutine()

	h, err := r.Submit(workerCommand("mute"), jobcore.Policy{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Give the child time to close its stdout, so the supervisor has
	// already seen EOF on the envelope stream when the cancel arrives.
	time.Sleep(700 * time.Millisecond)
	h.Cancel()
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindCancelled {
		t.Fatalf("terminal event = %+v, want JobCancelled", term)
	}
	if n := r.Children(); n != 0 {
		t.Errorf("children = %d after cancel, want 0", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, never returned to baseline %d",
				runtime.NumGoroutine(), base)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessJobTimeout(t *testing.T) {
	r, col := setupRunner(t)

	h, err := r.Submit(workerCommand("sleep"), jobcore.Policy{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, h)

	term := col.terminal()
	if term == nil || term.Kind != event.KindTimedOut {
		t.Fatalf("terminal event = %+v, want JobTimedOut", term)
	}
	if term.Failure == nil || term.Failure.Code != jobcore.CodeTimeout {
		t.Errorf("timeout event failure = %+v", term.Failure)
	}
}

func TestProcessRunnerRejectsAfterStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := event.NewBus(logger)
	r := New(bus, logger)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := r.Submit(workerCommand("ok"), jobcore.Policy{}); err != jobcore.ErrShuttingDown {
		t.Errorf("Submit after Stop = %v, want ErrShuttingDown", err)
	}
}
