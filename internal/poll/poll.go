// Package poll turns snapshot-capable tables into push-style streams.
// Each subscription runs one goroutine that periodically snapshots its
// table, keeps rows whose watermark column advanced past the high-water
// mark, and delivers them in watermark order. The substrate has no
// native change feed, so this is the only notification mechanism;
// latency is bounded below by the poll interval.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/tablebus/internal/tablestore"
)

var (
	// ErrTimeout is returned by Get when no row arrives in time.
	ErrTimeout = errors.New("poll: timed out waiting for row")
	// ErrClosed is returned by Get after the subscription closed.
	ErrClosed = errors.New("poll: subscription closed")
)

const (
	defaultInterval  = time.Second
	defaultQueueSize = 256
	defaultWatermark = "ingest_ts"
)

// Options configure one subscription.
type Options struct {
	// Filter narrows the snapshot; nil keeps every row.
	Filter tablestore.Filter
	// Interval between snapshots; defaults to 1s.
	Interval time.Duration
	// WatermarkColumn is the monotone long column used as the
	// high-water mark; defaults to "ingest_ts". Rows whose watermark
	// never advances are delivered at most once.
	WatermarkColumn string
	// QueueSize bounds the delivery queue; defaults to 256.
	QueueSize int
	// Callback, when set, is invoked for each row from the poll
	// goroutine instead of queueing. It must not block.
	Callback func(tablestore.Row)
	Logger   *slog.Logger
}

// Subscription is one polling reader over a table.
type Subscription struct {
	table tablestore.Table
	opts  Options
	log   *slog.Logger

	rows chan tablestore.Row

	mu      sync.Mutex
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe starts the poll loop. Always returns a live subscription;
// backend failures are retried on the next tick, not surfaced here.
func Subscribe(table tablestore.Table, opts Options) *Subscription {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.WatermarkColumn == "" {
		opts.WatermarkColumn = defaultWatermark
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		table:  table,
		opts:   opts,
		log:    opts.Logger,
		rows:   make(chan tablestore.Row, opts.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

// Get blocks until a row is available, the timeout elapses
// (ErrTimeout), or the subscription is closed and drained (ErrClosed).
func (s *Subscription) Get(timeout time.Duration) (tablestore.Row, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case row, ok := <-s.rows:
		if !ok {
			return nil, ErrClosed
		}
		return row, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close stops the loop and joins the goroutine. After Close returns no
// further deliveries happen; rows already queued remain readable until
// the channel drains. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	close(s.rows)
}

func (s *Subscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Subscription) loop(ctx context.Context) {
	defer close(s.done)

	var mark int64
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// First snapshot immediately so subscribers see existing rows
	// without waiting a full interval.
	mark = s.poll(ctx, mark)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mark = s.poll(ctx, mark)
		}
	}
}

// poll takes one snapshot and delivers rows past the mark, returning
// the advanced mark. Errors are logged and the old mark kept, so a
// transient outage replays nothing and loses nothing.
func (s *Subscription) poll(ctx context.Context, mark int64) int64 {
	rows, err := s.table.Snapshot(ctx, s.opts.Filter)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("poll snapshot failed", "table", s.table.Name(), "error", err)
		}
		return mark
	}

	fresh := make([]tablestore.Row, 0, len(rows))
	for _, row := range rows {
		wm, ok := watermarkOf(row, s.opts.WatermarkColumn)
		if !ok {
			s.log.Warn("skipping row without watermark", "table", s.table.Name(), "column", s.opts.WatermarkColumn)
			continue
		}
		if wm > mark {
			fresh = append(fresh, row)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		a, _ := watermarkOf(fresh[i], s.opts.WatermarkColumn)
		b, _ := watermarkOf(fresh[j], s.opts.WatermarkColumn)
		return a < b
	})

	for _, row := range fresh {
		if s.isStopped() || ctx.Err() != nil {
			return mark
		}
		wm, _ := watermarkOf(row, s.opts.WatermarkColumn)
		if s.opts.Callback != nil {
			s.opts.Callback(row)
		} else {
			select {
			case s.rows <- row:
			default:
				s.log.Warn("dropping row: subscriber queue full", "table", s.table.Name(), "queue_size", s.opts.QueueSize)
			}
		}
		// The mark advances per delivery, so a stop mid-batch does not
		// skip the remainder on a later subscription.
		if wm > mark {
			mark = wm
		}
	}
	return mark
}

func watermarkOf(row tablestore.Row, col string) (int64, bool) {
	switch v := row[col].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
