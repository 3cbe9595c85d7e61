package tablestore

import "fmt"

// Op is a comparison operator usable in a filter condition.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGt Op = ">"
	OpGe Op = ">="
	OpLt Op = "<"
	OpLe Op = "<="
)

// Cond is a single column predicate.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Filter is a conjunction of conditions over named columns. An empty
// filter matches every row. Filters carry no code, only column/operator/
// value triples, so backends can translate them to native expressions.
type Filter []Cond

func Eq(column string, value any) Cond { return Cond{Column: column, Op: OpEq, Value: value} }
func Ne(column string, value any) Cond { return Cond{Column: column, Op: OpNe, Value: value} }
func Gt(column string, value any) Cond { return Cond{Column: column, Op: OpGt, Value: value} }
func Ge(column string, value any) Cond { return Cond{Column: column, Op: OpGe, Value: value} }
func Lt(column string, value any) Cond { return Cond{Column: column, Op: OpLt, Value: value} }
func Le(column string, value any) Cond { return Cond{Column: column, Op: OpLe, Value: value} }

// And builds a filter from the given conditions.
func And(conds ...Cond) Filter { return Filter(conds) }

// Matches evaluates the filter against a row in memory. Numeric values
// compare across int32/int64/float64 widths; mixed string/number
// comparisons never match.
func (f Filter) Matches(row Row) bool {
	for _, c := range f {
		if !c.matches(row[c.Column]) {
			return false
		}
	}
	return true
}

func (c Cond) matches(have any) bool {
	if hs, ok := have.(string); ok {
		ws, ok := c.Value.(string)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			return hs == ws
		case OpNe:
			return hs != ws
		case OpGt:
			return hs > ws
		case OpGe:
			return hs >= ws
		case OpLt:
			return hs < ws
		case OpLe:
			return hs <= ws
		}
		return false
	}

	// Integer operands compare as int64; float64 loses precision above
	// 2^53, which matters for nanosecond timestamps.
	if hi, ok1 := asInt(have); ok1 {
		if wi, ok2 := asInt(c.Value); ok2 {
			switch c.Op {
			case OpEq:
				return hi == wi
			case OpNe:
				return hi != wi
			case OpGt:
				return hi > wi
			case OpGe:
				return hi >= wi
			case OpLt:
				return hi < wi
			case OpLe:
				return hi <= wi
			}
			return false
		}
	}

	hn, ok1 := asFloat(have)
	wn, ok2 := asFloat(c.Value)
	if !ok1 || !ok2 {
		return false
	}
	switch c.Op {
	case OpEq:
		return hn == wn
	case OpNe:
		return hn != wn
	case OpGt:
		return hn > wn
	case OpGe:
		return hn >= wn
	case OpLt:
		return hn < wn
	case OpLe:
		return hn <= wn
	}
	return false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// String renders the filter for logs.
func (f Filter) String() string {
	s := ""
	for i, c := range f {
		if i > 0 {
			s += " && "
		}
		s += fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Value)
	}
	return s
}
