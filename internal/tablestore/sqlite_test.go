package tablestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var sqliteSpec = TableSpec{
	Name: "messages",
	Schema: []Column{
		{Name: "id", Type: TypeString},
		{Name: "priority", Type: TypeInt},
		{Name: "ts", Type: TypeLong},
		{Name: "latency", Type: TypeDouble},
		{Name: "topic", Type: TypeString},
	},
	KeyColumns: []string{"id"},
}

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), SQLiteConfig{
		Path:        path,
		Backoff:     []time.Duration{time.Millisecond},
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "bus.db"))
	table, err := store.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}

	in := Row{"id": "a", "priority": int32(5), "ts": int64(1000), "latency": 2.5, "topic": "tasks"}
	if err := table.Append(ctx, []Row{in}); err != nil {
		t.Fatal(err)
	}

	rows, err := table.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got["id"] != "a" || got["topic"] != "tasks" {
		t.Fatalf("strings = %v/%v", got["id"], got["topic"])
	}
	// Integer widths narrow back to the schema's types.
	if got["priority"] != int32(5) {
		t.Fatalf("priority = %T(%v), want int32(5)", got["priority"], got["priority"])
	}
	if got["ts"] != int64(1000) {
		t.Fatalf("ts = %T(%v), want int64(1000)", got["ts"], got["ts"])
	}
	if got["latency"] != 2.5 {
		t.Fatalf("latency = %T(%v), want 2.5", got["latency"], got["latency"])
	}
}

func TestSQLiteStore_LongKeepsNanosecondPrecision(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "bus.db"))
	table, err := store.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}

	// UnixNano timestamps exceed 2^53; a float64 detour would round the
	// low bits away.
	ts := int64(1788177600123456789)
	in := Row{"id": "a", "priority": int32(0), "ts": ts, "latency": 0.0, "topic": "x"}
	if err := table.Append(ctx, []Row{in}); err != nil {
		t.Fatal(err)
	}

	rows, err := table.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if got := rows[0]["ts"]; got != ts {
		t.Fatalf("ts = %T(%v), want int64(%d)", got, got, ts)
	}
}

func TestSQLiteStore_KeyedReplace(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "bus.db"))
	table, err := store.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}

	if err := table.Append(ctx, []Row{{"id": "a", "priority": int32(1), "ts": int64(1), "latency": 0.0, "topic": "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := table.Append(ctx, []Row{{"id": "a", "priority": int32(2), "ts": int64(1), "latency": 0.0, "topic": "x"}}); err != nil {
		t.Fatal(err)
	}

	rows, err := table.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (primary key replaces)", len(rows))
	}
	if rows[0]["priority"] != int32(2) {
		t.Fatalf("priority = %v, want 2 (last write wins)", rows[0]["priority"])
	}
}

func TestSQLiteStore_FilterPushdown(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "bus.db"))
	table, err := store.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}

	for i, topic := range []string{"keep", "skip", "keep"} {
		row := Row{"id": string(rune('a' + i)), "priority": int32(i), "ts": int64(i * 10), "latency": 0.0, "topic": topic}
		if err := table.Append(ctx, []Row{row}); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := table.Snapshot(ctx, And(Eq("topic", "keep"), Gt("ts", 0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != "c" {
		t.Fatalf("rows = %v, want just c", rows)
	}

	rows, err = table.Snapshot(ctx, And(Ne("topic", "skip")))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bus.db")

	first := openTestStore(t, path)
	table, err := first.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Append(ctx, []Row{{"id": "a", "priority": int32(1), "ts": int64(1), "latency": 0.0, "topic": "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := openTestStore(t, path)
	reopened, err := second.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatalf("reopen existing table: %v", err)
	}
	rows, err := reopened.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != "a" {
		t.Fatalf("rows = %v, want the persisted row", rows)
	}
}

func TestSQLiteStore_SchemaMismatchRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bus.db")

	first := openTestStore(t, path)
	if _, err := first.OpenOrCreate(ctx, sqliteSpec); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	wider := sqliteSpec
	wider.Schema = append([]Column{}, sqliteSpec.Schema...)
	wider.Schema = append(wider.Schema, Column{Name: "extra", Type: TypeString})

	second := openTestStore(t, path)
	if _, err := second.OpenOrCreate(ctx, wider); err == nil {
		t.Fatal("expected missing-column error for widened schema")
	}
}

func TestSQLiteStore_ClosedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "bus.db"))
	table, err := store.OpenOrCreate(ctx, sqliteSpec)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if err := table.Append(ctx, []Row{{"id": "a"}}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("append err = %v, want ErrUnavailable", err)
	}
	if _, err := table.Snapshot(ctx, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("snapshot err = %v, want ErrUnavailable", err)
	}
	if store.Alive(ctx) {
		t.Fatal("closed store reports alive")
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), SQLiteConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
