package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine; a presentation layer re-dispatches to its own
// thread if it needs to.
type Handler func(Event)

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	kind Kind
	all  bool
	seq  uint64
}

// DeadLetter records a handler failure for diagnosis. The bus never lets
// a handler failure reach the publisher or the remaining handlers.
type DeadLetter struct {
	Kind       Kind
	Event      Event
	PanicValue any
	Stack      string
	At         time.Time
}

// DefaultDeadLetterCap bounds the in-memory dead-letter ring.
const DefaultDeadLetterCap = 64

type entry struct {
	seq uint64
	fn  Handler
}

// Bus is a synchronous, in-process publish/subscribe hub. Delivery is in
// subscription order, kind-specific subscribers first, then subscribers
// to all kinds. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]entry
	all    []entry
	seq    uint64
	logger *slog.Logger

	dlMu sync.Mutex
	dl   []DeadLetter
	dlAt int
	dlN  int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDeadLetterCap overrides the dead-letter ring capacity.
func WithDeadLetterCap(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.dl = make([]DeadLetter, n)
		}
	}
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[Kind][]entry),
		logger: logger,
		dl:     make([]DeadLetter, DefaultDeadLetterCap),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.subs[kind] = append(b.subs[kind], entry{seq: b.seq, fn: fn})
	return Subscription{kind: kind, seq: b.seq}
}

// SubscribeAll registers a handler for every event kind. All-kind
// handlers run after kind-specific handlers, in subscription order.
func (b *Bus) SubscribeAll(fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.all = append(b.all, entry{seq: b.seq, fn: fn})
	return Subscription{all: true, seq: b.seq}
}

// Unsubscribe removes a previously registered handler. Unknown
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.all = remove(b.all, sub.seq)
		return
	}
	b.subs[sub.kind] = remove(b.subs[sub.kind], sub.seq)
}

func remove(entries []entry, seq uint64) []entry {
	for i, e := range entries {
		if e.seq == seq {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// Publish delivers evt synchronously to every handler subscribed to its
// kind. A panic in one handler is recovered, recorded in the dead-letter
// ring, and does not prevent delivery to the remaining handlers.
func (b *Bus) Publish(evt Event) {
	// Copy handlers under lock, then execute outside the lock so handlers
	// may subscribe or unsubscribe reentrantly.
	b.mu.RLock()
	handlers := make([]entry, 0, len(b.subs[evt.Kind])+len(b.all))
	handlers = append(handlers, b.subs[evt.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, evt)
	}
}

func (b *Bus) call(h entry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			b.logger.Error("event handler panicked",
				slog.String("event_kind", string(evt.Kind)),
				slog.String("job_id", evt.JobID.String()),
				slog.Any("panic", r),
				slog.String("stack", stack),
			)
			b.record(DeadLetter{
				Kind:       evt.Kind,
				Event:      evt,
				PanicValue: r,
				Stack:      stack,
				At:         time.Now().UTC(),
			})
		}
	}()
	h.fn(evt)
}

func (b *Bus) record(dl DeadLetter) {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()

	b.dl[b.dlAt] = dl
	b.dlAt = (b.dlAt + 1) % len(b.dl)
	b.dlN++
}

// DeadLetters returns the retained handler failures, oldest first, and
// the total number recorded since startup (which may exceed the ring).
func (b *Bus) DeadLetters() ([]DeadLetter, int) {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()

	n := b.dlN
	if n > len(b.dl) {
		n = len(b.dl)
	}
	out := make([]DeadLetter, 0, n)
	start := b.dlAt - n
	if start < 0 {
		start += len(b.dl)
	}
	for i := range n {
		out = append(out, b.dl[(start+i)%len(b.dl)])
	}
	return out, b.dlN
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Kind][]entry)
	b.all = nil
}
