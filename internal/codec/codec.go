// Package codec converts between the bus's typed row model and the
// table store's native row representation, and owns the specs of the
// three bus tables (messages, events, metrics).
package codec

import (
	"errors"
	"fmt"

	"github.com/basket/tablebus/internal/tablestore"
)

// ErrMalformedRow marks a store row that cannot be decoded against the
// expected schema. Fatal for that row only: callers log and skip, a
// polling loop never crashes on it.
var ErrMalformedRow = errors.New("codec: malformed row")

func malformed(table, column string, v any) error {
	return fmt.Errorf("%w: %s.%s has unexpected value %v (%T)", ErrMalformedRow, table, column, v, v)
}

// The store may hand back different integer widths than were written
// (sqlite widens everything to int64), so decoding is lenient about
// numeric types and strict about strings.

func stringOf(table string, row tablestore.Row, col string) (string, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", malformed(table, col, v)
}

func longOf(table string, row tablestore.Row, col string) (int64, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, malformed(table, col, v)
}

func intOf(table string, row tablestore.Row, col string) (int32, error) {
	n, err := longOf(table, row, col)
	return int32(n), err
}

func doubleOf(table string, row tablestore.Row, col string) (float64, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, malformed(table, col, v)
}
