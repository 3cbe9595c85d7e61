// Package transport is the pluggable message surface over the bus:
// publish messages, events, and metrics, and subscribe to message
// streams with equality filters. The table transport is the production
// implementation; the memory transport is an in-process collaborator
// double with identical semantics.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/tablebus/internal/codec"
	"github.com/basket/tablebus/internal/poll"
	"github.com/basket/tablebus/internal/tablestore"
)

// Transport publishes onto and subscribes from the bus.
type Transport interface {
	PublishMessage(ctx context.Context, msg codec.Message) (string, error)
	PublishEvent(ctx context.Context, e codec.Event) error
	PublishMetrics(ctx context.Context, m codec.Metric) error
	SubscribeMessages(ctx context.Context, filters Filters) (*Subscription, error)
	Close() error
}

// Filters is an equality match over named string message fields, e.g.
// {"topic": "tasks", "session_id": "s1"}. Empty or nil accepts every
// message. Only string-typed columns may be filtered.
type Filters map[string]string

// Validate rejects filters naming unknown or non-string fields.
func (f Filters) Validate() error {
	spec := codec.MessageSpec("")
	for name := range f {
		col, ok := spec.Column(name)
		if !ok {
			return fmt.Errorf("transport: unknown filter field %q", name)
		}
		if col.Type != tablestore.TypeString {
			return fmt.Errorf("transport: filter field %q is not a string column", name)
		}
	}
	return nil
}

// Match reports whether msg satisfies every filter.
func (f Filters) Match(msg codec.Message) bool {
	if len(f) == 0 {
		return true
	}
	row := codec.EncodeMessage(msg)
	for name, want := range f {
		got, _ := row[name].(string)
		if got != want {
			return false
		}
	}
	return true
}

// storeFilter translates the filters for snapshot pushdown.
func (f Filters) storeFilter() tablestore.Filter {
	if len(f) == 0 {
		return nil
	}
	out := make(tablestore.Filter, 0, len(f))
	for name, want := range f {
		out = append(out, tablestore.Eq(name, want))
	}
	return out
}

// Subscription is one filtered message stream. Messages arrive in a
// bounded buffer; when it fills, the oldest buffered message is dropped
// so slow consumers lag rather than stall publishers.
type Subscription struct {
	ch  chan codec.Message
	log *slog.Logger

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func newSubscription(queueSize int, log *slog.Logger) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subscription{ch: make(chan codec.Message, queueSize), log: log}
}

// Next blocks until a message arrives, the timeout elapses
// (poll.ErrTimeout), or the subscription is closed and drained
// (poll.ErrClosed).
func (s *Subscription) Next(timeout time.Duration) (codec.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return codec.Message{}, poll.ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return codec.Message{}, poll.ErrTimeout
	}
}

// Close stops delivery. Buffered messages remain readable until the
// channel drains. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	close(s.ch)
}

func (s *Subscription) addCloseHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, hook)
}

// deliver enqueues msg, evicting the oldest buffered message when full.
// No-op after Close.
func (s *Subscription) deliver(msg codec.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
			select {
			case <-s.ch:
				s.log.Warn("subscriber buffer full, dropping oldest message")
			default:
			}
		}
	}
}

const defaultQueueSize = 256
