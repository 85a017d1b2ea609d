package ruleengine

import (
	"strings"
)

// NativeOp is the store-side name of an operator inside a Filter clause.
type NativeOp string

const (
	NativeEquals         NativeOp = "equals"
	NativeNotEquals      NativeOp = "not_equals"
	NativeGreater        NativeOp = "greater_than"
	NativeGreaterOrEqual NativeOp = "greater_or_equal"
	NativeLess           NativeOp = "less_than"
	NativeLessOrEqual    NativeOp = "less_or_equal"
	NativeIContains      NativeOp = "icontains"
	NativeNotIContains   NativeOp = "not_icontains"
	NativeIStartsWith    NativeOp = "istarts_with"
	NativeIEndsWith      NativeOp = "iends_with"
	NativeIn             NativeOp = "in"
	NativeNotIn          NativeOp = "not_in"
	NativeRange          NativeOp = "range"
)

// operatorSpec is the single definition of an operator. match drives the
// in-process Evaluator and render drives both the store query and the
// diagnostic string, so the two execution paths share every semantic choice:
//
//   - EQ, NEQ and IN compare text case-sensitively
//   - CONTAINS, STARTS_WITH and ENDS_WITH fold ASCII case on both sides
//   - BETWEEN is inclusive on both bounds
//   - dates compare by instant
//
// NULL handling lives in the callers (a missing attribute never matches).
type operatorSpec struct {
	arity  Arity
	native NativeOp
	match  func(attr, operand Value) bool
	render func(w sqlWriter, column string, operand Value) string
}

var operatorTable = map[Operator]operatorSpec{
	OpEQ:  comparison(NativeEquals, "=", func(c int) bool { return c == 0 }),
	OpNEQ: comparison(NativeNotEquals, "<>", func(c int) bool { return c != 0 }),
	OpGT:  comparison(NativeGreater, ">", func(c int) bool { return c > 0 }),
	OpGTE: comparison(NativeGreaterOrEqual, ">=", func(c int) bool { return c >= 0 }),
	OpLT:  comparison(NativeLess, "<", func(c int) bool { return c < 0 }),
	OpLTE: comparison(NativeLessOrEqual, "<=", func(c int) bool { return c <= 0 }),

	OpContains:    pattern(NativeIContains, false, true, true),
	OpNotContains: pattern(NativeNotIContains, true, true, true),
	OpStartsWith:  pattern(NativeIStartsWith, false, false, true),
	OpEndsWith:    pattern(NativeIEndsWith, false, true, false),

	OpIn: {
		arity:  ArityList,
		native: NativeIn,
		match:  memberOf,
		render: func(w sqlWriter, col string, o Value) string {
			return col + " IN " + list(w, o)
		},
	},
	OpNotIn: {
		arity:  ArityList,
		native: NativeNotIn,
		match:  func(a, o Value) bool { return !memberOf(a, o) },
		render: func(w sqlWriter, col string, o Value) string {
			return col + " NOT IN " + list(w, o)
		},
	},
	OpBetween: {
		arity:  ArityRange,
		native: NativeRange,
		match: func(a, o Value) bool {
			return compareAt(a, o, 0) >= 0 && compareAt(a, o, 1) <= 0
		},
		render: func(w sqlWriter, col string, o Value) string {
			return col + " BETWEEN " + w.literal(o, 0) + " AND " + w.literal(o, 1)
		},
	},
}

// nativeIndex maps a clause's native operator back to its definition.
var nativeIndex = func() map[NativeOp]Operator {
	idx := make(map[NativeOp]Operator, len(operatorTable))
	for op, spec := range operatorTable {
		idx[spec.native] = op
	}
	return idx
}()

// ArityOf returns the operand shape op expects.
func ArityOf(op Operator) Arity {
	return operatorTable[op].arity
}

func comparison(native NativeOp, sqlOp string, accept func(int) bool) operatorSpec {
	return operatorSpec{
		arity:  ArityScalar,
		native: native,
		match:  func(a, o Value) bool { return accept(compareAt(a, o, 0)) },
		render: func(w sqlWriter, col string, o Value) string {
			return col + " " + sqlOp + " " + w.literal(o, 0)
		},
	}
}

// pattern builds a case-insensitive LIKE operator. leading and trailing say
// where the wildcard goes around the operand.
func pattern(native NativeOp, negate, leading, trailing bool) operatorSpec {
	prefix, suffix := "", ""
	if leading {
		prefix = "%"
	}
	if trailing {
		suffix = "%"
	}
	keyword := " LIKE "
	if negate {
		keyword = " NOT LIKE "
	}

	return operatorSpec{
		arity:  ArityScalar,
		native: native,
		match: func(a, o Value) bool {
			hay, needle := foldASCII(a.Str(0)), foldASCII(o.Str(0))
			var ok bool
			switch {
			case leading && trailing:
				ok = strings.Contains(hay, needle)
			case leading:
				ok = strings.HasSuffix(hay, needle)
			default:
				ok = strings.HasPrefix(hay, needle)
			}
			return ok != negate
		},
		render: func(w sqlWriter, col string, o Value) string {
			return w.fold(col) + keyword + w.pattern(prefix, o.Str(0), suffix)
		},
	}
}

// foldASCII lowercases A-Z and leaves every other byte alone. SQL LOWER folds
// the same range in SQLite and in PostgreSQL under the C collation.
func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func memberOf(a, o Value) bool {
	for i := range o.Len() {
		if compareAt(a, o, i) == 0 {
			return true
		}
	}
	return false
}

func list(w sqlWriter, o Value) string {
	parts := make([]string, o.Len())
	for i := range parts {
		parts[i] = w.literal(o, i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
