package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteConfig controls how the sqlite-backed store connects.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" gives a private in-process
	// database.
	Path string
	// Backoff is the reconnect delay ladder. Attempts past the end reuse
	// the last entry.
	Backoff []time.Duration
	// MaxAttempts caps connection attempts; 0 means unbounded.
	MaxAttempts int
}

// DefaultBackoff mirrors the stock reconnect ladder.
var DefaultBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
}

// SQLiteStore implements Store over a local sqlite database. One
// connection is held; a failed liveness probe triggers a reconnect on
// the next use rather than in a background goroutine.
type SQLiteStore struct {
	cfg SQLiteConfig

	mu     sync.Mutex
	db     *sql.DB
	tables map[string]*sqliteTable
	closed bool
}

// OpenSQLite connects to the database, retrying over the configured
// backoff ladder. It fails once the attempt budget is exhausted.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tablestore: sqlite path required")
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	s := &SQLiteStore{cfg: cfg, tables: make(map[string]*sqliteTable)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) connectLocked(ctx context.Context) error {
	attempt := 0
	for {
		db, err := s.connectOnce(ctx)
		if err == nil {
			s.db = db
			return nil
		}
		attempt++
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			return Unavailable(fmt.Errorf("connect after %d attempts: %v", attempt, err))
		}
		delay := s.cfg.Backoff[min(attempt-1, len(s.cfg.Backoff)-1)]
		select {
		case <-ctx.Done():
			return Unavailable(ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (s *SQLiteStore) connectOnce(ctx context.Context) (*sql.DB, error) {
	if dir := filepath.Dir(s.cfg.Path); s.cfg.Path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", s.cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ensureLocked returns a usable handle, reconnecting when the previous
// connection has gone away.
func (s *SQLiteStore) ensureLocked(ctx context.Context) (*sql.DB, error) {
	if s.closed {
		return nil, Unavailable(fmt.Errorf("store closed"))
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err == nil {
			return s.db, nil
		}
		_ = s.db.Close()
		s.db = nil
	}
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.db, nil
}

func (s *SQLiteStore) Alive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) OpenOrCreate(ctx context.Context, spec TableSpec) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[spec.Name]; ok {
		return t, nil
	}
	db, err := s.ensureLocked(ctx)
	if err != nil {
		return nil, err
	}

	exists, err := s.tableExists(ctx, db, spec.Name)
	if err != nil {
		return nil, Unavailable(err)
	}
	if exists {
		if err := s.verifyColumns(ctx, db, spec); err != nil {
			return nil, err
		}
	} else if _, err := db.ExecContext(ctx, createStmt(spec)); err != nil {
		return nil, Unavailable(err)
	}

	t := &sqliteTable{store: s, spec: spec}
	s.tables[spec.Name] = t
	return t, nil
}

func (s *SQLiteStore) tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?;`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// verifyColumns rejects an existing table missing schema columns. Schema
// widening is a bootstrap concern, not handled here.
func (s *SQLiteStore) verifyColumns(ctx context.Context, db *sql.DB, spec TableSpec) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q);`, spec.Name))
	if err != nil {
		return Unavailable(err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			deflt      sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &deflt, &primaryKey); err != nil {
			return Unavailable(err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return Unavailable(err)
	}
	for _, col := range spec.Schema {
		if !have[col.Name] {
			return fmt.Errorf("tablestore: table %q is missing column %q", spec.Name, col.Name)
		}
	}
	return nil
}

func createStmt(spec TableSpec) string {
	cols := make([]string, 0, len(spec.Schema)+1)
	for _, c := range spec.Schema {
		cols = append(cols, fmt.Sprintf("%q %s", c.Name, sqliteType(c.Type)))
	}
	if len(spec.KeyColumns) > 0 {
		quoted := make([]string, len(spec.KeyColumns))
		for i, k := range spec.KeyColumns {
			quoted[i] = fmt.Sprintf("%q", k)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s) ON CONFLICT REPLACE", strings.Join(quoted, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s);", spec.Name, strings.Join(cols, ", "))
}

func sqliteType(t Type) string {
	switch t {
	case TypeLong, TypeInt:
		return "INTEGER"
	case TypeDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

type sqliteTable struct {
	store *SQLiteStore
	spec  TableSpec
}

func (t *sqliteTable) Name() string { return t.spec.Name }

func (t *sqliteTable) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	db, err := t.store.ensureLocked(ctx)
	if err != nil {
		return err
	}

	names := make([]string, len(t.spec.Schema))
	marks := make([]string, len(t.spec.Schema))
	for i, c := range t.spec.Schema {
		names[i] = fmt.Sprintf("%q", c.Name)
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %q (%s) VALUES (%s);",
		t.spec.Name, strings.Join(names, ", "), strings.Join(marks, ", "))

	for _, row := range rows {
		args := make([]any, len(t.spec.Schema))
		for i, c := range t.spec.Schema {
			args[i] = row[c.Name]
		}
		if err := execRetryBusy(ctx, db, stmt, args); err != nil {
			return Unavailable(err)
		}
	}
	return nil
}

// execRetryBusy retries transient lock errors with a short bounded wait
// on top of the driver's busy_timeout.
func execRetryBusy(ctx context.Context, db *sql.DB, stmt string, args []any) error {
	const maxRetries = 5
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = db.ExecContext(ctx, stmt, args...)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if ok := asSQLiteErr(err, &se); ok {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func asSQLiteErr(err error, out *sqlite3.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite3.Error); ok {
			*out = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (t *sqliteTable) Snapshot(ctx context.Context, filter Filter) ([]Row, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	db, err := t.store.ensureLocked(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(t.spec.Schema))
	for i, c := range t.spec.Schema {
		names[i] = fmt.Sprintf("%q", c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %q", strings.Join(names, ", "), t.spec.Name)
	var args []any
	if len(filter) > 0 {
		where := make([]string, len(filter))
		for i, c := range filter {
			where[i] = fmt.Sprintf("%q %s ?", c.Column, sqlOp(c.Op))
			args = append(args, c.Value)
		}
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ";"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, fmt.Errorf("%w: table %q", ErrNotFound, t.spec.Name)
		}
		return nil, Unavailable(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		dest := make([]any, len(t.spec.Schema))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, Unavailable(err)
		}
		row := make(Row, len(t.spec.Schema))
		for i, c := range t.spec.Schema {
			row[c.Name] = coerce(c.Type, *(dest[i].(*any)))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable(err)
	}
	return out, nil
}

// coerce maps driver values back to the schema's primitive types.
// sqlite widens all integers to int64, so int columns narrow here.
// Integer driver values must never route through float64: nanosecond
// timestamps exceed 2^53 and would lose precision.
func coerce(t Type, v any) any {
	if v == nil {
		switch t {
		case TypeString:
			return ""
		case TypeLong:
			return int64(0)
		case TypeInt:
			return int32(0)
		default:
			return float64(0)
		}
	}
	switch t {
	case TypeString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	case TypeLong:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	case TypeInt:
		switch n := v.(type) {
		case int64:
			return int32(n)
		case int32:
			return n
		case int:
			return int32(n)
		case float64:
			return int32(n)
		}
	case TypeDouble:
		if n, ok := asFloat(v); ok {
			return n
		}
	}
	return v
}

func sqlOp(op Op) string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	default:
		return string(op)
	}
}
