package ruleengine

import (
	"fmt"
	"strings"

	"github.com/rafaeljc/segmentation/internal/apperrors"
)

const (
	// MaxConditions caps the size of a rule set. Longer flat expressions are
	// better expressed as several segments.
	MaxConditions = 50

	// MaxListSize caps IN and NOT_IN operands, which are bound one
	// placeholder per element.
	MaxListSize = 1_000
)

// Validator checks rule sets against a Registry. It never touches a store:
// whether a rule can actually run is a separate, later concern.
type Validator struct {
	registry *Registry
}

// NewValidator returns a Validator bound to registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns nil for a valid rule set, or an *apperrors.ValidationError
// listing every problem found.
func (v *Validator) Validate(rs RuleSet) error {
	var msgs []string

	if !rs.Combinator.Valid() {
		msgs = append(msgs, fmt.Sprintf("combinator %q is not supported, use AND or OR", rs.Combinator))
	}

	switch n := len(rs.Conditions); {
	case n == 0:
		msgs = append(msgs, "rule set must contain at least one condition")
	case n > MaxConditions:
		msgs = append(msgs, fmt.Sprintf("rule set has %d conditions, the maximum is %d", n, MaxConditions))
	}

	for i, c := range rs.Conditions {
		if msg := v.checkCondition(c); msg != "" {
			msgs = append(msgs, fmt.Sprintf("condition %d: %s", i+1, msg))
		}
	}

	if len(msgs) > 0 {
		return apperrors.NewValidation(msgs...)
	}
	return nil
}

// checkCondition returns the first problem with c, or "".
func (v *Validator) checkCondition(c Condition) string {
	field, ok := v.registry.Describe(c.Field)
	if !ok {
		return fmt.Sprintf("unknown field %q", c.Field)
	}
	if !c.Operator.Valid() {
		return fmt.Sprintf("unknown operator %q", c.Operator)
	}
	if !field.Allows(c.Operator) {
		return fmt.Sprintf("operator %s is not allowed for %s field %q", c.Operator, field.Type, field.Name)
	}
	return checkShape(field, c.Operator, c.Value)
}

func checkShape(field FieldDescriptor, op Operator, val Value) string {
	want := ArityOf(op)

	if val.Type() != field.Type || val.Arity() != want {
		switch want {
		case ArityRange:
			return fmt.Sprintf("%s on %q requires exactly two %s bounds", op, field.Name, field.Type)
		case ArityList:
			return fmt.Sprintf("%s on %q requires a non-empty list of %s values", op, field.Name, field.Type)
		default:
			return fmt.Sprintf("%s on %q requires a single %s value", op, field.Name, field.Type)
		}
	}

	if !val.finite() {
		return fmt.Sprintf("%s on %q requires finite numbers", op, field.Name)
	}

	switch want {
	case ArityRange:
		if compareAt(rangeLow(val), val, 1) > 0 {
			return fmt.Sprintf("BETWEEN bounds on %q must be ordered (low <= high)", field.Name)
		}
	case ArityList:
		if val.Len() == 0 {
			return fmt.Sprintf("%s on %q requires a non-empty list of %s values", op, field.Name, field.Type)
		}
		if val.Len() > MaxListSize {
			return fmt.Sprintf("%s on %q has %d values, the maximum is %d", op, field.Name, val.Len(), MaxListSize)
		}
	}

	switch op {
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		if strings.TrimSpace(val.Str(0)) == "" {
			return fmt.Sprintf("%s on %q requires a non-blank value", op, field.Name)
		}
	}

	return ""
}

// rangeLow returns the lower bound of a range as a scalar Value.
func rangeLow(v Value) Value {
	if v.Type() == TypeDate {
		return Date(v.Time(0))
	}
	return Number(v.Float(0))
}
