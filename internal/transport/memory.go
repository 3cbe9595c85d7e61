package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tablebus/internal/codec"
)

// MemoryTransport is an in-process Transport for tests and embedded
// collaborators. It skips the table store entirely: messages fan out to
// subscribers directly, and events and metrics accumulate in memory.
// Publish defaults match the table transport, so code written against
// it behaves identically on the real thing.
type MemoryTransport struct {
	fanout *Fanout
	now    func() time.Time

	mu      sync.Mutex
	events  []codec.Event
	metrics []codec.Metric
	closed  bool
}

// NewMemoryTransport builds a memory transport with the given buffer
// size per subscriber.
func NewMemoryTransport(queueSize int, log *slog.Logger) *MemoryTransport {
	return &MemoryTransport{
		fanout: NewFanout(queueSize, true, log),
		now:    time.Now,
	}
}

func (t *MemoryTransport) PublishMessage(_ context.Context, msg codec.Message) (string, error) {
	now := t.now().UnixNano()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedTS == 0 {
		msg.CreatedTS = now
	}
	if msg.IngestTS == 0 {
		msg.IngestTS = now
	}
	if msg.Status == "" {
		msg.Status = codec.StatusQueued
	}
	t.fanout.Publish(msg)
	return msg.ID, nil
}

func (t *MemoryTransport) PublishEvent(_ context.Context, e codec.Event) error {
	if e.TS == 0 {
		e.TS = t.now().UnixNano()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
	return nil
}

func (t *MemoryTransport) PublishMetrics(_ context.Context, m codec.Metric) error {
	if m.LastUpdateTS == 0 {
		m.LastUpdateTS = t.now().UnixNano()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = append(t.metrics, m)
	return nil
}

func (t *MemoryTransport) SubscribeMessages(_ context.Context, filters Filters) (*Subscription, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	return t.fanout.Subscribe(filters), nil
}

// Messages returns every message published so far, in publish order.
func (t *MemoryTransport) Messages() []codec.Message {
	return t.fanout.History()
}

// Events returns every event published so far.
func (t *MemoryTransport) Events() []codec.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]codec.Event, len(t.events))
	copy(out, t.events)
	return out
}

// Metrics returns every metric published so far.
func (t *MemoryTransport) Metrics() []codec.Metric {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]codec.Metric, len(t.metrics))
	copy(out, t.metrics)
	return out
}

// Close cascade-closes all subscriptions. Idempotent.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.fanout.Close()
	return nil
}
