package ruleengine

import (
	"strings"
)

// sqlWriter abstracts the only differences between the diagnostic string and
// the executable store query: how operands are written and whether text is
// case folded on the column side.
type sqlWriter interface {
	// literal writes element i of v.
	literal(v Value, i int) string
	// pattern writes a LIKE operand made of prefix, text and suffix.
	pattern(prefix, text, suffix string) string
	// fold wraps a column for case-insensitive comparison.
	fold(column string) string
}

// renderCondition writes one condition through w, negating it when asked.
func renderCondition(w sqlWriter, column string, op Operator, operand Value, negated bool) string {
	expr := operatorTable[op].render(w, column, operand)
	if negated {
		return "NOT (" + expr + ")"
	}
	return expr
}

// diagnosticWriter inlines every operand as a SQL literal.
type diagnosticWriter struct{}

func (diagnosticWriter) literal(v Value, i int) string {
	switch v.Type() {
	case TypeNumeric:
		return formatNumber(v.Float(i))
	case TypeDate:
		return quote(v.Time(i).Format(DateLayout))
	case TypeText:
		return quote(v.Str(i))
	case TypeBoolean:
		if v.Truth() {
			return "TRUE"
		}
		return "FALSE"
	}
	return "NULL"
}

func (diagnosticWriter) pattern(prefix, text, suffix string) string {
	return quote(prefix + text + suffix)
}

func (diagnosticWriter) fold(column string) string {
	return column
}

// quote single-quotes s, doubling embedded quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// bindWriter emits '?' placeholders and collects the arguments in order.
type bindWriter struct {
	args []any
}

func (b *bindWriter) literal(v Value, i int) string {
	switch v.Type() {
	case TypeNumeric:
		b.args = append(b.args, v.Float(i))
	case TypeDate:
		b.args = append(b.args, v.Time(i))
	case TypeText:
		b.args = append(b.args, v.Str(i))
	case TypeBoolean:
		b.args = append(b.args, v.Truth())
	default:
		b.args = append(b.args, nil)
	}
	return "?"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (b *bindWriter) pattern(prefix, text, suffix string) string {
	b.args = append(b.args, prefix+likeEscaper.Replace(foldASCII(text))+suffix)
	return `? ESCAPE '\'`
}

func (b *bindWriter) fold(column string) string {
	return "LOWER(" + column + ")"
}
