// Package tablestore adapts the backing table service behind a narrow
// interface: open-or-create a table, append rows, snapshot with a filter,
// and probe liveness. The substrate offers no transactions and no
// compare-and-swap; mutation happens by re-appending a row to a keyed
// table, which replaces the previous row with the same key
// (last-write-wins).
package tablestore

import (
	"context"
	"errors"
	"fmt"
)

// Type is the primitive column type of a table column.
type Type string

const (
	TypeString Type = "string" // opaque string
	TypeLong   Type = "long"   // 64-bit integer, also used for timestamps
	TypeInt    Type = "int"    // 32-bit integer
	TypeDouble Type = "double" // 64-bit float
)

// Column describes one column of a table schema.
type Column struct {
	Name string
	Type Type
}

// TableSpec defines a table that a Store can open or create. KeyColumns,
// when non-empty, make appends with an existing key replace the prior row.
type TableSpec struct {
	Name       string
	Schema     []Column
	KeyColumns []string
}

// Column returns the schema entry for name, or false when absent.
func (s TableSpec) Column(name string) (Column, bool) {
	for _, c := range s.Schema {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row is one table row keyed by column name. Values are limited to
// string, int64, int32, and float64 per the column types above.
type Row map[string]any

// Clone returns a shallow copy of the row. Values are primitives, so a
// shallow copy is a full copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the consumed interface of the backing table service.
type Store interface {
	// OpenOrCreate opens the named table, creating it when absent.
	// Idempotent. Returns ErrUnavailable when the backend cannot be
	// reached.
	OpenOrCreate(ctx context.Context, spec TableSpec) (Table, error)
	// Alive reports whether the backend connection is usable.
	Alive(ctx context.Context) bool
	Close() error
}

// Table is a handle pair for one open table: append (write) and
// snapshot (read).
type Table interface {
	Name() string
	// Append writes rows. On a keyed table, a row whose key columns match
	// an existing row replaces it.
	Append(ctx context.Context, rows []Row) error
	// Snapshot returns a materialized point-in-time copy of the rows
	// matching filter. Callers own the returned rows.
	Snapshot(ctx context.Context, filter Filter) ([]Row, error)
}

var (
	// ErrUnavailable marks connection or backend failures, as opposed to
	// a table or row simply not existing yet.
	ErrUnavailable = errors.New("tablestore: backend unavailable")
	// ErrNotFound marks a table that does not exist.
	ErrNotFound = errors.New("tablestore: not found")
)

// Unavailable wraps err as a backend-unavailable error.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
