// Package ruleengine is the segmentation rule engine.
//
// A RuleSet is a flat boolean expression over customer attributes: an ordered
// list of Conditions joined by a single Combinator. The package validates rule
// sets against a field Registry, compiles them into a store Filter plus a
// human readable diagnostic query, and evaluates them in process against a
// single customer Record.
//
// Compilation and evaluation both derive from one operator table
// (operators.go), so a customer matched by the store filter is exactly a
// customer for which Evaluate returns true.
package ruleengine

import "slices"

// SemanticType is the value domain of a customer field.
type SemanticType string

const (
	TypeNumeric SemanticType = "NUMERIC"
	TypeDate    SemanticType = "DATE"
	TypeText    SemanticType = "TEXT"
	TypeBoolean SemanticType = "BOOLEAN"
)

// Valid reports whether t is one of the four known semantic types.
func (t SemanticType) Valid() bool {
	switch t {
	case TypeNumeric, TypeDate, TypeText, TypeBoolean:
		return true
	}
	return false
}

// Operator is the comparison applied by a Condition.
type Operator string

const (
	OpEQ          Operator = "EQ"
	OpNEQ         Operator = "NEQ"
	OpGT          Operator = "GT"
	OpGTE         Operator = "GTE"
	OpLT          Operator = "LT"
	OpLTE         Operator = "LTE"
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpStartsWith  Operator = "STARTS_WITH"
	OpEndsWith    Operator = "ENDS_WITH"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
	OpBetween     Operator = "BETWEEN"
)

// Operators lists every operator in declaration order.
var Operators = []Operator{
	OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE,
	OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpIn, OpNotIn, OpBetween,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	return slices.Contains(Operators, op)
}

// Combinator joins the conditions of a RuleSet.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Valid reports whether c is AND or OR. Any other spelling, including
// localized ones, is rejected rather than mapped.
func (c Combinator) Valid() bool {
	return c == And || c == Or
}

// Condition is a single field/operator/value test, optionally negated.
type Condition struct {
	Field    string
	Operator Operator
	Value    Value
	Negated  bool
}

// RuleSet is an ordered, non-empty list of conditions joined by one combinator.
// Nesting is not supported.
type RuleSet struct {
	Conditions []Condition
	Combinator Combinator
}

// Clone returns a deep copy of rs.
func (rs RuleSet) Clone() RuleSet {
	out := RuleSet{Combinator: rs.Combinator}
	if rs.Conditions != nil {
		out.Conditions = make([]Condition, len(rs.Conditions))
		for i, c := range rs.Conditions {
			c.Value = c.Value.clone()
			out.Conditions[i] = c
		}
	}
	return out
}

// Equal reports whether rs and other describe the same expression in the same order.
func (rs RuleSet) Equal(other RuleSet) bool {
	if rs.Combinator != other.Combinator || len(rs.Conditions) != len(other.Conditions) {
		return false
	}
	for i, c := range rs.Conditions {
		o := other.Conditions[i]
		if c.Field != o.Field || c.Operator != o.Operator || c.Negated != o.Negated || !c.Value.Equal(o.Value) {
			return false
		}
	}
	return true
}

// Record is one customer as seen by the evaluator. Attributes are keyed by
// logical field name. An absent key is a NULL attribute.
type Record struct {
	ID         string
	Attributes map[string]Value
}
