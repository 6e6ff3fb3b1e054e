package registry

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shalfeiok/jobcore/id"
)

// notifier coalesces per-job change marks into batched callbacks at a
// bounded rate, so a verbose job cannot flood a UI thread with refreshes.
type notifier struct {
	mu    sync.Mutex
	dirty map[id.JobID]struct{}
	subs  []func([]id.JobID)

	limiter *rate.Limiter
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger
}

// notifyRate bounds UI update batches to 20 per second with a small burst.
var notifyRate = rate.Limit(20)

func newNotifier(logger *slog.Logger) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{
		dirty:   make(map[id.JobID]struct{}),
		limiter: rate.NewLimiter(notifyRate, 2),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go n.loop()
	return n
}

func (n *notifier) subscribe(fn func([]id.JobID)) {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
}

func (n *notifier) mark(jobID id.JobID) {
	n.mu.Lock()
	n.dirty[jobID] = struct{}{}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}

		if err := n.limiter.Wait(n.ctx); err != nil {
			return
		}
		n.flush()
	}
}

func (n *notifier) flush() {
	n.mu.Lock()
	if len(n.dirty) == 0 {
		n.mu.Unlock()
		return
	}
	changed := make([]id.JobID, 0, len(n.dirty))
	for jobID := range n.dirty {
		changed = append(changed, jobID)
	}
	n.dirty = make(map[id.JobID]struct{})
	subs := append([]func([]id.JobID){}, n.subs...)
	n.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("update subscriber panicked", slog.Any("panic", r))
				}
			}()
			fn(changed)
		}()
	}
}

func (n *notifier) close() {
	n.cancel()
	<-n.done
}
