// Package queue implements the lease queue engine: publish, claim, ack,
// nack, and heartbeat over the table store, with a lazy expiry sweep on
// every claim.
//
// Leases are best-effort, not linearizable. The substrate has no atomic
// read-modify-write, so two claimants in different processes can both
// snapshot the same queued row before either writes its processing
// update; the last writer wins. Within one process the engine's mutex
// removes that race. Callers needing strict exclusivity must re-verify
// ownership before side-effecting work; Ack, Nack, and Heartbeat return
// false (never an error) when ownership has been lost.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tablebus/internal/codec"
	"github.com/basket/tablebus/internal/otel"
	"github.com/basket/tablebus/internal/tablestore"
	"github.com/basket/tablebus/internal/telemetry"
)

// Config controls engine behavior. Zero values take the defaults below.
type Config struct {
	// Namespace prefixes the bus table names.
	Namespace string
	// DefaultTTL applies to published messages without a TTL.
	DefaultTTL time.Duration
	// LeaseExtension is the lease duration used when a claim or
	// heartbeat does not specify one.
	LeaseExtension time.Duration
	// Now overrides wall-clock time in tests.
	Now func() time.Time
	// Metrics instruments are optional; nil disables instrumentation.
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

const (
	defaultTTL            = 5 * time.Minute
	defaultLeaseExtension = time.Minute
)

// Engine is the lease queue over one table store. All five mutators
// serialize through one mutex scoped to the engine instance; this does
// not provide cross-process exclusivity (see the package comment).
type Engine struct {
	mu    sync.Mutex
	store tablestore.Store
	cfg   Config

	messages tablestore.Table
	rec      *telemetry.Recorder
	log      *slog.Logger
	now      func() time.Time
}

// New builds an engine over store. Tables are opened lazily on first
// use so construction never touches the backend.
func New(store tablestore.Store, cfg Config) *Engine {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.LeaseExtension <= 0 {
		cfg.LeaseExtension = defaultLeaseExtension
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, log: log, now: now}
}

// ensureLocked opens the three bus tables idempotently and wires the
// recorder. Must hold e.mu.
func (e *Engine) ensureLocked(ctx context.Context) error {
	if e.messages != nil {
		return nil
	}
	messages, err := e.store.OpenOrCreate(ctx, codec.MessageSpec(e.cfg.Namespace))
	if err != nil {
		return err
	}
	events, err := e.store.OpenOrCreate(ctx, codec.EventSpec(e.cfg.Namespace))
	if err != nil {
		return err
	}
	metrics, err := e.store.OpenOrCreate(ctx, codec.MetricSpec(e.cfg.Namespace))
	if err != nil {
		return err
	}
	e.messages = messages
	e.rec = telemetry.NewRecorder(events, metrics, e.now)
	return nil
}

// Recorder exposes the engine's audit/metric recorder for the transport
// surface (publishEvent / recordMetrics). Opens tables on first use.
func (e *Engine) Recorder(ctx context.Context) (*telemetry.Recorder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return e.rec, nil
}

// MessagesTable returns the opened messages table for polling
// subscriptions. Subscriptions only read.
func (e *Engine) MessagesTable(ctx context.Context) (tablestore.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return e.messages, nil
}

// Publish appends a message, filling required defaults, and emits a
// publish event. It never blocks on consumers.
func (e *Engine) Publish(ctx context.Context, msg codec.Message) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return "", err
	}

	now := e.now().UnixNano()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedTS == 0 {
		msg.CreatedTS = now
	}
	if msg.IngestTS == 0 {
		msg.IngestTS = now
	}
	if msg.TTLMillis <= 0 {
		msg.TTLMillis = int32(e.cfg.DefaultTTL / time.Millisecond)
	}
	if msg.HeartbeatTS == 0 {
		msg.HeartbeatTS = now
	}
	msg.LeaseOwner = ""
	msg.LeaseExpiresTS = 0
	msg.Status = codec.StatusQueued
	msg.RetryCount = 0

	if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(msg)}); err != nil {
		return "", fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	if err := e.rec.Event(ctx, codec.EventPublish, msg.AgentID, msg.SessionID,
		map[string]any{"message_id": msg.ID, "topic": msg.Topic}); err != nil {
		return "", err
	}
	if m := e.cfg.Metrics; m != nil {
		m.Published.Add(ctx, 1)
	}
	return msg.ID, nil
}

// ClaimOptions parameterize one claim attempt.
type ClaimOptions struct {
	AgentID   string
	Lease     time.Duration // defaults to Config.LeaseExtension
	Topic     string        // optional equality filter
	SessionID string        // optional equality filter
}

// Claim sweeps expired leases, then atomically (within this process)
// selects and leases the best queued candidate: highest priority first,
// ties broken by earliest enqueue time, then by id. Returns (nil, nil)
// when no work is available; that is not an error. A candidate that has
// outlived its TTL is written back as expired instead of claimed and
// nil is returned, so the caller retries.
func (e *Engine) Claim(ctx context.Context, opts ClaimOptions) (*codec.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return nil, err
	}
	if _, err := e.sweepLocked(ctx); err != nil {
		return nil, err
	}

	filter := tablestore.And(tablestore.Eq("status", string(codec.StatusQueued)))
	if opts.Topic != "" {
		filter = append(filter, tablestore.Eq("topic", opts.Topic))
	}
	if opts.SessionID != "" {
		filter = append(filter, tablestore.Eq("session_id", opts.SessionID))
	}
	rows, err := e.messages.Snapshot(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("claim snapshot: %w", err)
	}
	candidates := e.decodeRows(rows)
	if len(candidates) == 0 {
		if m := e.cfg.Metrics; m != nil {
			m.ClaimEmpty.Add(ctx, 1)
		}
		return nil, nil
	}

	// Deterministic selection, reproducible from the snapshot alone.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CreatedTS != b.CreatedTS {
			return a.CreatedTS < b.CreatedTS
		}
		return a.ID < b.ID
	})
	selected := candidates[0]
	now := e.now()

	if selected.Expired(now) {
		selected.Status = codec.StatusExpired
		selected.LeaseOwner = ""
		selected.LeaseExpiresTS = 0
		selected.HeartbeatTS = now.UnixNano()
		if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(selected)}); err != nil {
			return nil, fmt.Errorf("expire %s: %w", selected.ID, err)
		}
		if err := e.rec.Event(ctx, codec.EventExpired, selected.AgentID, selected.SessionID,
			map[string]any{"message_id": selected.ID, "ttl_ms": selected.TTLMillis}); err != nil {
			return nil, err
		}
		if m := e.cfg.Metrics; m != nil {
			m.Expired.Add(ctx, 1)
		}
		return nil, nil
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = e.cfg.LeaseExtension
	}
	selected.Status = codec.StatusProcessing
	selected.LeaseOwner = opts.AgentID
	selected.LeaseExpiresTS = now.Add(lease).UnixNano()
	selected.HeartbeatTS = now.UnixNano()
	if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(selected)}); err != nil {
		return nil, fmt.Errorf("claim %s: %w", selected.ID, err)
	}
	if err := e.rec.Event(ctx, codec.EventClaimed, opts.AgentID, selected.SessionID,
		map[string]any{"message_id": selected.ID, "topic": selected.Topic}); err != nil {
		return nil, err
	}
	if m := e.cfg.Metrics; m != nil {
		m.Claimed.Add(ctx, 1)
	}
	out := selected
	return &out, nil
}

// Ack marks a processing message done and folds a success into the
// current metric window. Returns false when the message is absent, not
// processing, or owned by someone else; those are expected races, not
// faults.
func (e *Engine) Ack(ctx context.Context, messageID, agentID string, latencyMS float64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return false, err
	}
	msg, err := e.getLocked(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil || msg.Status != codec.StatusProcessing {
		return false, nil
	}
	if agentID != "" && msg.LeaseOwner != agentID {
		return false, nil
	}

	msg.Status = codec.StatusDone
	msg.LeaseOwner = ""
	msg.LeaseExpiresTS = 0
	msg.HeartbeatTS = e.now().UnixNano()
	if latencyMS > 0 {
		msg.LatencyMS = latencyMS
	}
	if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(*msg)}); err != nil {
		return false, fmt.Errorf("ack %s: %w", messageID, err)
	}
	if err := e.rec.Event(ctx, codec.EventAck, agentID, msg.SessionID,
		map[string]any{"message_id": messageID}); err != nil {
		return false, err
	}
	if err := e.rec.FoldOutcome(ctx, orDefault(agentID, msg.AgentID), msg.SessionID, msg.LatencyMS, true); err != nil {
		return false, err
	}
	if m := e.cfg.Metrics; m != nil {
		m.Acked.Add(ctx, 1)
		m.AckLatency.Record(ctx, msg.LatencyMS)
	}
	return true, nil
}

// Nack returns a processing message to the queue with retry_count
// incremented. TTL, priority, and payload carry forward unmodified;
// bounding retries is the caller's policy. Folds a failure into the
// current metric window.
func (e *Engine) Nack(ctx context.Context, messageID, agentID, reason string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return false, err
	}
	msg, err := e.getLocked(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil || msg.Status != codec.StatusProcessing {
		return false, nil
	}
	if agentID != "" && msg.LeaseOwner != agentID {
		return false, nil
	}

	msg.Status = codec.StatusQueued
	msg.LeaseOwner = ""
	msg.LeaseExpiresTS = 0
	msg.HeartbeatTS = e.now().UnixNano()
	msg.RetryCount++
	if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(*msg)}); err != nil {
		return false, fmt.Errorf("nack %s: %w", messageID, err)
	}
	if err := e.rec.Event(ctx, codec.EventNack, agentID, msg.SessionID,
		map[string]any{"message_id": messageID, "reason": reason}); err != nil {
		return false, err
	}
	if err := e.rec.FoldOutcome(ctx, orDefault(agentID, msg.AgentID), msg.SessionID, msg.LatencyMS, false); err != nil {
		return false, err
	}
	if m := e.cfg.Metrics; m != nil {
		m.Nacked.Add(ctx, 1)
	}
	return true, nil
}

// Heartbeat extends the lease on an in-flight message. Returns false
// silently when the caller no longer owns the lease: losing it is a
// normal race under concurrent claimants, not a fault.
func (e *Engine) Heartbeat(ctx context.Context, agentID, messageID string, extension time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return false, err
	}
	msg, err := e.getLocked(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil || msg.LeaseOwner != agentID {
		e.log.Debug("skipping heartbeat: not lease owner", "message_id", messageID, "agent_id", agentID)
		return false, nil
	}

	if extension <= 0 {
		extension = e.cfg.LeaseExtension
	}
	now := e.now()
	msg.LeaseExpiresTS = now.Add(extension).UnixNano()
	msg.HeartbeatTS = now.UnixNano()
	if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(*msg)}); err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", messageID, err)
	}
	if err := e.rec.Event(ctx, codec.EventHeartbeat, agentID, msg.SessionID,
		map[string]any{"message_id": messageID, "extension_ms": extension.Milliseconds()}); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpired runs one expiry sweep outside of a claim, for the active
// sweeper. Returns the number of leases reclaimed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLocked(ctx); err != nil {
		return 0, err
	}
	return e.sweepLocked(ctx)
}

// sweepLocked reclaims processing rows whose lease has elapsed by
// returning them to the queue with retry_count unchanged, emitting a
// timeout event for each. The sweep is lazy: it runs at the head of
// every claim (and from the optional Sweeper), never from a hidden
// background goroutine of the engine itself.
func (e *Engine) sweepLocked(ctx context.Context) (int, error) {
	rows, err := e.messages.Snapshot(ctx,
		tablestore.And(tablestore.Eq("status", string(codec.StatusProcessing))))
	if err != nil {
		return 0, fmt.Errorf("sweep snapshot: %w", err)
	}
	now := e.now().UnixNano()
	reclaimed := 0
	for _, msg := range e.decodeRows(rows) {
		if msg.LeaseExpiresTS <= 0 || msg.LeaseExpiresTS > now {
			continue
		}
		owner := msg.LeaseOwner
		msg.Status = codec.StatusQueued
		msg.LeaseOwner = ""
		msg.LeaseExpiresTS = 0
		msg.HeartbeatTS = now
		if err := e.messages.Append(ctx, []tablestore.Row{codec.EncodeMessage(msg)}); err != nil {
			return reclaimed, fmt.Errorf("sweep %s: %w", msg.ID, err)
		}
		if err := e.rec.Event(ctx, codec.EventTimeout, owner, msg.SessionID,
			map[string]any{"message_id": msg.ID}); err != nil {
			return reclaimed, err
		}
		if m := e.cfg.Metrics; m != nil {
			m.Expired.Add(ctx, 1)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// getLocked loads one message by id. nil means not found.
func (e *Engine) getLocked(ctx context.Context, messageID string) (*codec.Message, error) {
	rows, err := e.messages.Snapshot(ctx,
		tablestore.And(tablestore.Eq("message_id", messageID)))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", messageID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	msg, err := codec.DecodeMessage(rows[0])
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// decodeRows decodes a snapshot, logging and skipping malformed rows so
// a bad row never takes down a claim or sweep.
func (e *Engine) decodeRows(rows []tablestore.Row) []codec.Message {
	out := make([]codec.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := codec.DecodeMessage(row)
		if err != nil {
			e.log.Warn("skipping malformed message row", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
