package journal

import (
	"github.com/shalfeiok/jobcore/event"
)

// Sink subscribes the store to the event bus so every job event is
// persisted independently of execution. Replayed events never pass
// through the bus, so history is never re-persisted.
type Sink struct {
	bus   *event.Bus
	store *Store
	sub   event.Subscription
}

// NewSink attaches the store to the bus.
func NewSink(bus *event.Bus, store *Store) *Sink {
	s := &Sink{bus: bus, store: store}
	s.sub = bus.SubscribeAll(func(evt event.Event) {
		store.Append(evt)
	})
	return s
}

// Close detaches the sink from the bus.
func (s *Sink) Close() {
	s.bus.Unsubscribe(s.sub)
}
