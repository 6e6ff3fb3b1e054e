package protocol

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// WorkerFunc is a child worker body. It reports progress and logs through
// the writer and returns the terminal result payload.
type WorkerFunc func(ctx context.Context, w *Writer) (any, error)

// RunWorker is the child-side entry point. A worker binary's main calls
// it and exits with the returned code. It wires cancellation from
// SIGTERM/SIGINT and from stdin EOF (the parent closing its end or
// dying), runs the body, and always emits a terminal envelope: Result on
// success, Error otherwise.
func RunWorker(body WorkerFunc) int {
	w := NewWriter(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	// The parent holds stdin open for the worker's lifetime; EOF means
	// the parent is gone and there is nobody left to report to.
	go func() {
		_, _ = io.Copy(io.Discard, os.Stdin)
		cancel()
	}()

	result, err := body(ctx, w)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			_ = w.Error("cancelled", "cancelled")
			return 1
		}
		_ = w.Error(err.Error(), "")
		return 1
	}

	if err := w.Result(result); err != nil {
		return 1
	}
	return 0
}
