package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/tablebus/internal/codec"
	"github.com/basket/tablebus/internal/tablestore"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *tablestore.MemoryStore, *fakeClock) {
	t.Helper()
	store := tablestore.NewMemoryStore()
	clock := newFakeClock()
	e := New(store, Config{
		Namespace: "test_",
		Now:       clock.Now,
		Logger:    testLogger(),
	})
	return e, store, clock
}

func publishN(t *testing.T, e *Engine, clock *fakeClock, priorities []int32) []string {
	t.Helper()
	ids := make([]string, len(priorities))
	for i, p := range priorities {
		id, err := e.Publish(context.Background(), codec.Message{
			Topic:       "work",
			SessionID:   "s1",
			AgentID:     "producer",
			PayloadJSON: `{"n":1}`,
			Priority:    p,
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids[i] = id
		clock.Advance(time.Millisecond) // distinct enqueue timestamps
	}
	return ids
}

func TestEngine_ClaimOrder(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ids := publishN(t, e, clock, []int32{1, 5, 1, 3, 5})

	// Highest priority first; FIFO within a priority class.
	wantOrder := []int{1, 4, 3, 0, 2}
	for i, want := range wantOrder {
		msg, err := e.Claim(context.Background(), ClaimOptions{AgentID: "worker", Lease: time.Minute})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("claim %d: got nil, want %s", i, ids[want])
		}
		if msg.ID != ids[want] {
			t.Fatalf("claim %d: got %s, want %s", i, msg.ID, ids[want])
		}
		if msg.Status != codec.StatusProcessing || msg.LeaseOwner != "worker" {
			t.Fatalf("claim %d: status=%s owner=%q", i, msg.Status, msg.LeaseOwner)
		}
	}

	// Queue drained.
	msg, err := e.Claim(context.Background(), ClaimOptions{AgentID: "worker"})
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected empty queue, got %s", msg.ID)
	}
}

func TestEngine_ClaimFilters(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Publish(ctx, codec.Message{Topic: "alpha", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Millisecond)
	wantID, err := e.Publish(ctx, codec.Message{Topic: "beta", SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "w", Topic: "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ID != wantID {
		t.Fatalf("topic filter: got %v, want %s", msg, wantID)
	}

	msg, err = e.Claim(ctx, ClaimOptions{AgentID: "w", Topic: "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected no gamma messages, got %s", msg.ID)
	}
}

func TestEngine_AckIdempotence(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	ok, err := e.Ack(ctx, msg.ID, "worker", 42.0)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if !ok {
		t.Fatal("first ack = false, want true")
	}

	ok, err = e.Ack(ctx, msg.ID, "worker", 42.0)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if ok {
		t.Fatal("second ack = true, want false")
	}
}

func TestEngine_AckUnknownMessage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ok, err := e.Ack(context.Background(), "no-such-id", "worker", 0)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ok {
		t.Fatal("ack unknown = true, want false")
	}
}

func TestEngine_NackRequeues(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}
	if msg.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", msg.RetryCount)
	}

	ok, err := e.Nack(ctx, msg.ID, "worker", "transient failure")
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !ok {
		t.Fatal("nack = false, want true")
	}

	again, err := e.Claim(ctx, ClaimOptions{AgentID: "worker2"})
	if err != nil || again == nil {
		t.Fatalf("reclaim: msg=%v err=%v", again, err)
	}
	if again.ID != msg.ID {
		t.Fatalf("reclaimed %s, want %s", again.ID, msg.ID)
	}
	if again.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", again.RetryCount)
	}
	if again.LeaseOwner != "worker2" {
		t.Fatalf("lease_owner = %q, want worker2", again.LeaseOwner)
	}
}

func TestEngine_LeaseExpiryReclaims(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "crashed", Lease: 100 * time.Millisecond})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	// Lease still held: invisible to other claimants.
	clock.Advance(50 * time.Millisecond)
	other, err := e.Claim(ctx, ClaimOptions{AgentID: "worker2"})
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatalf("claimed %s while lease held", other.ID)
	}

	// Lease elapsed: the sweep at the head of claim requeues it with
	// retry_count unchanged, and the same claim picks it up.
	clock.Advance(60 * time.Millisecond)
	other, err = e.Claim(ctx, ClaimOptions{AgentID: "worker2"})
	if err != nil {
		t.Fatal(err)
	}
	if other == nil || other.ID != msg.ID {
		t.Fatalf("reclaim after expiry: got %v, want %s", other, msg.ID)
	}
	if other.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0 (lease timeout is not a nack)", other.RetryCount)
	}
	if other.LeaseOwner != "worker2" {
		t.Fatalf("lease_owner = %q, want worker2", other.LeaseOwner)
	}
}

func TestEngine_SweepExpiredEmitsTimeout(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "crashed", Lease: 10 * time.Millisecond})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	clock.Advance(20 * time.Millisecond)
	n, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	events, err := store.OpenOrCreate(ctx, codec.EventSpec("test_"))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := events.Snapshot(ctx, tablestore.And(tablestore.Eq("event", codec.EventTimeout)))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("timeout events = %d, want 1", len(rows))
	}
}

func TestEngine_HeartbeatKeepsLeaseAlive(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker", Lease: 50 * time.Millisecond})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	// Heartbeat every 20ms for 200ms; the lease must never lapse.
	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Millisecond)
		ok, err := e.Heartbeat(ctx, "worker", msg.ID, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("heartbeat %d lost lease", i)
		}
		if n, err := e.SweepExpired(ctx); err != nil || n != 0 {
			t.Fatalf("sweep %d reclaimed %d (err=%v), lease should be live", i, n, err)
		}
	}

	// Stop heartbeating: the lease lapses and the message is reclaimed.
	clock.Advance(60 * time.Millisecond)
	other, err := e.Claim(ctx, ClaimOptions{AgentID: "worker2"})
	if err != nil || other == nil || other.ID != msg.ID {
		t.Fatalf("reclaim: msg=%v err=%v", other, err)
	}
}

func TestEngine_OwnershipLostReturnsFalse(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0})

	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "workerA", Lease: 10 * time.Millisecond})
	if err != nil || msg == nil {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	// Lease lapses and another claimant takes over.
	clock.Advance(20 * time.Millisecond)
	taken, err := e.Claim(ctx, ClaimOptions{AgentID: "workerB", Lease: time.Minute})
	if err != nil || taken == nil || taken.ID != msg.ID {
		t.Fatalf("takeover: msg=%v err=%v", taken, err)
	}

	// The original owner's operations are no-ops, never errors.
	ok, err := e.Heartbeat(ctx, "workerA", msg.ID, time.Minute)
	if err != nil {
		t.Fatalf("heartbeat after takeover: %v", err)
	}
	if ok {
		t.Fatal("heartbeat after takeover = true, want false")
	}
	ok, err = e.Ack(ctx, msg.ID, "workerA", 1.0)
	if err != nil {
		t.Fatalf("ack after takeover: %v", err)
	}
	if ok {
		t.Fatal("ack after takeover = true, want false")
	}
	ok, err = e.Nack(ctx, msg.ID, "workerA", "late")
	if err != nil {
		t.Fatalf("nack after takeover: %v", err)
	}
	if ok {
		t.Fatal("nack after takeover = true, want false")
	}
}

func TestEngine_TTLExpiry(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Publish(ctx, codec.Message{Topic: "work", TTLMillis: 100})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(200 * time.Millisecond)

	// The dead candidate is written back as expired and nil returned.
	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("claimed TTL-dead message %s", msg.ID)
	}

	messages, err := store.OpenOrCreate(ctx, codec.MessageSpec("test_"))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := messages.Snapshot(ctx, tablestore.And(tablestore.Eq("message_id", id)))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got, err := codec.DecodeMessage(rows[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != codec.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Expired is terminal: a later claim no longer sees it.
	msg, err = e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("reclaimed expired message %s", msg.ID)
	}
}

func TestEngine_PublishUnavailable(t *testing.T) {
	e, store, _ := newTestEngine(t)
	store.SetAlive(false)

	_, err := e.Publish(context.Background(), codec.Message{Topic: "work"})
	if !errors.Is(err, tablestore.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestEngine_MalformedRowSkipped(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()
	ids := publishN(t, e, clock, []int32{0})

	// Corrupt a queued row directly: a number where a string belongs.
	// It stays in the claim's candidate snapshot but fails to decode.
	messages, err := store.OpenOrCreate(ctx, codec.MessageSpec("test_"))
	if err != nil {
		t.Fatal(err)
	}
	bad := codec.EncodeMessage(codec.Message{ID: "bad-row", Status: codec.StatusQueued})
	bad["topic"] = 123
	if err := messages.Append(ctx, []tablestore.Row{bad}); err != nil {
		t.Fatal(err)
	}

	// The claim skips the malformed row and still serves the good one.
	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if msg == nil || msg.ID != ids[0] {
		t.Fatalf("claim = %v, want %s", msg, ids[0])
	}
}

func TestEngine_MetricFold(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()
	publishN(t, e, clock, []int32{0, 0})

	first, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil || first == nil {
		t.Fatalf("claim: msg=%v err=%v", first, err)
	}
	if _, err := e.Ack(ctx, first.ID, "worker", 100); err != nil {
		t.Fatal(err)
	}
	second, err := e.Claim(ctx, ClaimOptions{AgentID: "worker"})
	if err != nil || second == nil {
		t.Fatalf("claim: msg=%v err=%v", second, err)
	}
	if _, err := e.Ack(ctx, second.ID, "worker", 200); err != nil {
		t.Fatal(err)
	}

	metrics, err := store.OpenOrCreate(ctx, codec.MetricSpec("test_"))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := metrics.Snapshot(ctx, tablestore.And(tablestore.Eq("agent_id", "worker")))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("metric rows = %d, want 1 (same window upserts)", len(rows))
	}
	m, err := codec.DecodeMetric(rows[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.MessagesProcessed != 2 {
		t.Fatalf("messages_processed = %d, want 2", m.MessagesProcessed)
	}
	if m.AvgLatencyMS != 150 {
		t.Fatalf("avg_latency_ms = %v, want 150", m.AvgLatencyMS)
	}
}

func TestEngine_KeepAliveStopsOnLostLease(t *testing.T) {
	store := tablestore.NewMemoryStore()
	e := New(store, Config{Namespace: "test_", Logger: testLogger()})
	ctx := context.Background()

	id, err := e.Publish(ctx, codec.Message{Topic: "work"})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := e.Claim(ctx, ClaimOptions{AgentID: "worker", Lease: time.Minute})
	if err != nil || msg == nil || msg.ID != id {
		t.Fatalf("claim: msg=%v err=%v", msg, err)
	}

	// Complete the work; the keepalive loop must notice and return.
	if _, err := e.Ack(ctx, id, "worker", 1.0); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.KeepAlive(ctx, "worker", id, 5*time.Millisecond, time.Minute)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("keepalive: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop after lease loss")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	store := tablestore.NewMemoryStore()
	e := New(store, Config{Namespace: "test_", Logger: testLogger()})
	ctx := context.Background()

	id, err := e.Publish(ctx, codec.Message{Topic: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Claim(ctx, ClaimOptions{AgentID: "crashed", Lease: time.Nanosecond}); err != nil {
		t.Fatal(err)
	}

	s, err := NewSweeper(SweeperConfig{Engine: e, Logger: testLogger(), Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop()

	// The startup sweep requeues the lapsed lease without any claim.
	messages, err := store.OpenOrCreate(ctx, codec.MessageSpec("test_"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := messages.Snapshot(ctx, tablestore.And(
			tablestore.Eq("message_id", id),
			tablestore.Eq("status", string(codec.StatusQueued)),
		))
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for sweeper to requeue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewSweeper_BadCron(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{CronExpr: "not a cron"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}
