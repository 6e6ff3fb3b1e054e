package registry

import (
	"fmt"
	"log/slog"

	"github.com/shalfeiok/jobcore/event"
)

// Loader yields persisted events in append order. Implemented by
// journal.Store.
type Loader interface {
	Load() ([]event.Event, error)
}

// Replay rebuilds registry state by folding a persisted event log in
// order, typically at startup after a crash or restart.
//
// Replay is idempotent: folding the same log twice yields the same final
// records, because a fresh JobStarted resets a non-terminal record and
// terminal state is final: once a terminal event has been folded for an
// id, later events for that id are dropped.
//
// Replayed events are applied directly, not republished on the bus, so
// the journal sink never re-persists history.
func (r *Registry) Replay(loader Loader) error {
	events, err := loader.Load()
	if err != nil {
		return fmt.Errorf("registry: replay load: %w", err)
	}

	applied := 0
	r.mu.Lock()
	for _, evt := range events {
		if evt.JobID.IsNil() || evt.Kind == "" {
			continue
		}
		if r.applyLocked(evt) {
			applied++
		}
	}
	r.purgeLocked()
	r.mu.Unlock()

	r.logger.Info("registry replay complete",
		slog.Int("events", len(events)),
		slog.Int("applied", applied),
	)
	return nil
}
