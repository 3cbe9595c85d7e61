package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/tablebus/internal/codec"
	"github.com/basket/tablebus/internal/tablestore"
)

// MetricWindow is the aggregation window for rolling metrics.
const MetricWindow = time.Minute

// Recorder appends lifecycle events and folds claim outcomes into
// rolling per-window metric rows as a side effect of queue operations.
// Callers invoke it while holding the queue engine's mutator lock, so
// the fold's read-modify-write is race-free within one process.
type Recorder struct {
	events  tablestore.Table
	metrics tablestore.Table
	now     func() time.Time
}

// NewRecorder builds a Recorder over the opened event and metric tables.
// now may be nil, defaulting to wall-clock time.
func NewRecorder(events, metrics tablestore.Table, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{events: events, metrics: metrics, now: now}
}

// Event appends one lifecycle event. details is marshaled to JSON;
// unmarshalable values degrade to an empty object rather than dropping
// the event.
func (r *Recorder) Event(ctx context.Context, kind, agentID, sessionID string, details map[string]any) error {
	detailsJSON := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	e := codec.Event{
		TS:          r.now().UnixNano(),
		AgentID:     agentID,
		SessionID:   sessionID,
		Kind:        kind,
		DetailsJSON: detailsJSON,
	}
	return r.events.Append(ctx, []tablestore.Row{codec.EncodeEvent(e)})
}

// FoldOutcome merges one completed (success) or failed claim into the
// current minute-aligned metric window: counters increment and the
// latency average is recomputed over the window's processed count. The
// keyed re-append replaces the prior window row (last-write-wins).
func (r *Recorder) FoldOutcome(ctx context.Context, agentID, sessionID string, latencyMS float64, success bool) error {
	now := r.now().UnixNano()
	windowStart := now - now%int64(MetricWindow)

	current := codec.Metric{
		WindowStart: windowStart,
		AgentID:     agentID,
		SessionID:   sessionID,
	}
	rows, err := r.metrics.Snapshot(ctx, tablestore.And(
		tablestore.Eq("window_start", windowStart),
		tablestore.Eq("agent_id", agentID),
		tablestore.Eq("session_id", sessionID),
	))
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		if m, decErr := codec.DecodeMetric(rows[0]); decErr == nil {
			current = m
		}
	}

	if success {
		total := current.AvgLatencyMS * float64(current.MessagesProcessed)
		current.MessagesProcessed++
		current.AvgLatencyMS = (total + latencyMS) / float64(current.MessagesProcessed)
	} else {
		current.Errors++
	}
	current.LastUpdateTS = now
	return r.metrics.Append(ctx, []tablestore.Row{codec.EncodeMetric(current)})
}

// AppendEvent appends a caller-supplied event, stamping TS when unset.
// Used by the transport's event surface.
func (r *Recorder) AppendEvent(ctx context.Context, e codec.Event) error {
	if e.TS == 0 {
		e.TS = r.now().UnixNano()
	}
	if e.DetailsJSON == "" {
		e.DetailsJSON = "{}"
	}
	return r.events.Append(ctx, []tablestore.Row{codec.EncodeEvent(e)})
}

// RecordMetric upserts a caller-supplied metric row unmodified. Used by
// the transport's publishMetrics surface.
func (r *Recorder) RecordMetric(ctx context.Context, m codec.Metric) error {
	if m.LastUpdateTS == 0 {
		m.LastUpdateTS = r.now().UnixNano()
	}
	return r.metrics.Append(ctx, []tablestore.Row{codec.EncodeMetric(m)})
}
