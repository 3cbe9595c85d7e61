package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/tablebus/internal/codec"
	"github.com/basket/tablebus/internal/otel"
	"github.com/basket/tablebus/internal/poll"
	"github.com/basket/tablebus/internal/queue"
	"github.com/basket/tablebus/internal/tablestore"
)

// TableOptions configure the table-backed transport.
type TableOptions struct {
	// Store is required; the transport takes ownership and closes it.
	Store tablestore.Store
	Queue queue.Config
	// PollInterval paces subscription snapshots; defaults to 1s.
	PollInterval time.Duration
	// QueueSize bounds each subscriber's buffer.
	QueueSize int
	// SweepCron, when set, starts the active lease sweeper on the
	// given 5-field cron schedule.
	SweepCron string
	Logger    *slog.Logger
}

// TableTransport is the production Transport: publishes go through the
// lease queue engine, events and metrics through its recorder, and
// subscriptions poll the messages table on an ingest_ts watermark.
type TableTransport struct {
	engine  *queue.Engine
	store   tablestore.Store
	sweeper *queue.Sweeper
	log     *slog.Logger
	metrics *otel.Metrics

	pollInterval time.Duration
	queueSize    int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewTableTransport builds the transport and, when configured, starts
// the lease sweeper. The store connection itself was established by the
// caller; no backend round-trip happens here.
func NewTableTransport(opts TableOptions) (*TableTransport, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("transport: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Queue.Logger == nil {
		opts.Queue.Logger = log
	}

	engine := queue.New(opts.Store, opts.Queue)
	t := &TableTransport{
		engine:       engine,
		store:        opts.Store,
		log:          log,
		metrics:      opts.Queue.Metrics,
		pollInterval: opts.PollInterval,
		queueSize:    opts.QueueSize,
		subs:         make(map[*Subscription]struct{}),
	}
	if opts.SweepCron != "" {
		sweeper, err := queue.NewSweeper(queue.SweeperConfig{
			Engine:   engine,
			Logger:   log,
			CronExpr: opts.SweepCron,
		})
		if err != nil {
			return nil, fmt.Errorf("transport: sweep cron: %w", err)
		}
		sweeper.Start(context.Background())
		t.sweeper = sweeper
	}
	return t, nil
}

// Engine exposes the underlying queue engine for worker-side
// operations: Claim, Ack, Nack, Heartbeat, KeepAlive.
func (t *TableTransport) Engine() *queue.Engine {
	return t.engine
}

func (t *TableTransport) PublishMessage(ctx context.Context, msg codec.Message) (string, error) {
	return t.engine.Publish(ctx, msg)
}

func (t *TableTransport) PublishEvent(ctx context.Context, e codec.Event) error {
	rec, err := t.engine.Recorder(ctx)
	if err != nil {
		return err
	}
	return rec.AppendEvent(ctx, e)
}

func (t *TableTransport) PublishMetrics(ctx context.Context, m codec.Metric) error {
	rec, err := t.engine.Recorder(ctx)
	if err != nil {
		return err
	}
	return rec.RecordMetric(ctx, m)
}

// SubscribeMessages starts a polling subscription over the messages
// table. Rows already present are replayed in ingest order on the first
// poll; rows failing to decode are logged and skipped.
func (t *TableTransport) SubscribeMessages(ctx context.Context, filters Filters) (*Subscription, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	table, err := t.engine.MessagesTable(ctx)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(t.queueSize, t.log)
	ps := poll.Subscribe(table, poll.Options{
		Filter:    filters.storeFilter(),
		Interval:  t.pollInterval,
		QueueSize: t.queueSize,
		Logger:    t.log,
		Callback: func(row tablestore.Row) {
			msg, err := codec.DecodeMessage(row)
			if err != nil {
				t.log.Warn("skipping malformed message row", "error", err)
				return
			}
			sub.deliver(msg)
		},
	})
	sub.addCloseHook(ps.Close)
	sub.addCloseHook(func() { t.detach(sub) })

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Close()
		return nil, fmt.Errorf("transport: closed")
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.ActiveSubscriptions.Add(ctx, 1)
	}
	return sub, nil
}

// detach decrements the subscription gauge only when the subscription
// was actually registered; a close-before-register never counted up.
func (t *TableTransport) detach(sub *Subscription) {
	t.mu.Lock()
	_, registered := t.subs[sub]
	delete(t.subs, sub)
	t.mu.Unlock()
	if registered && t.metrics != nil {
		t.metrics.ActiveSubscriptions.Add(context.Background(), -1)
	}
}

// Close cascade-closes subscriptions, stops the sweeper, and closes the
// store. Idempotent.
func (t *TableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	// Each Close runs the detach hook, which removes the entry and
	// winds down the subscription gauge.
	for _, sub := range subs {
		sub.Close()
	}
	if t.sweeper != nil {
		t.sweeper.Stop()
	}
	return t.store.Close()
}
