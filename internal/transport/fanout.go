package transport

import (
	"log/slog"
	"sync"

	"github.com/basket/tablebus/internal/codec"
)

// Fanout delivers published messages to every matching subscriber.
// Registration and replay happen under the same lock as publish, so a
// new subscriber sees each retained message exactly once: either via
// replay or via a later publish, never both and never neither.
type Fanout struct {
	mu        sync.Mutex
	subs      map[*Subscription]Filters
	history   []codec.Message
	retain    bool
	queueSize int
	log       *slog.Logger
	closed    bool
}

// NewFanout builds a fanout. With retain, every published message is
// kept for replay to late subscribers.
func NewFanout(queueSize int, retain bool, log *slog.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		subs:      make(map[*Subscription]Filters),
		retain:    retain,
		queueSize: queueSize,
		log:       log,
	}
}

// Publish fans msg out to matching subscribers. O(subscribers), never
// blocks: a full subscriber buffer evicts its oldest entry.
func (f *Fanout) Publish(msg codec.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.retain {
		f.history = append(f.history, msg)
	}
	for sub, filters := range f.subs {
		if filters.Match(msg) {
			sub.deliver(msg)
		}
	}
}

// Subscribe registers a subscriber and replays matching retained
// history into its buffer before any new publish reaches it. After
// Close the returned subscription is already closed: no replay, and
// Next reports closed immediately.
func (f *Fanout) Subscribe(filters Filters) *Subscription {
	sub := newSubscription(f.queueSize, f.log)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sub.Close()
		return sub
	}
	sub.addCloseHook(func() { f.detach(sub) })
	for _, msg := range f.history {
		if filters.Match(msg) {
			sub.deliver(msg)
		}
	}
	f.subs[sub] = filters
	f.mu.Unlock()
	return sub
}

// History returns a copy of the retained messages.
func (f *Fanout) History() []codec.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]codec.Message, len(f.history))
	copy(out, f.history)
	return out
}

// SubscriberCount returns the number of registered subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close cascade-closes all subscribers. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[*Subscription]Filters)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (f *Fanout) detach(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}
