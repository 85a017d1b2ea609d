package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/rafaeljc/segmentation/internal/apperrors"
)

// conditionJSON and ruleSetJSON are the wire and storage form of a RuleSet:
//
//	{"combinator":"AND","conditions":[{"field":"totalSpent","operator":"GT","value":500}]}
type conditionJSON struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Negated  bool            `json:"negated,omitempty"`
}

type ruleSetJSON struct {
	Combinator string          `json:"combinator"`
	Conditions []conditionJSON `json:"conditions"`
}

// MarshalJSON encodes rs in its wire form.
func (rs RuleSet) MarshalJSON() ([]byte, error) {
	out := ruleSetJSON{Combinator: string(rs.Combinator), Conditions: make([]conditionJSON, len(rs.Conditions))}
	for i, c := range rs.Conditions {
		raw, err := c.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		out.Conditions[i] = conditionJSON{
			Field:    c.Field,
			Operator: string(c.Operator),
			Value:    raw,
			Negated:  c.Negated,
		}
	}
	return json.Marshal(out)
}

// DecodeRuleSet parses the wire form of a rule set, typing each value by the
// field it targets. Malformed JSON is a validation error. Values that do not
// fit their field are decoded as invalid and left for the Validator to
// report, so the caller gets one complete list of problems.
func (r *Registry) DecodeRuleSet(data []byte) (RuleSet, error) {
	var wire ruleSetJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return RuleSet{}, apperrors.Validationf("rule set is not valid JSON: %v", err)
	}

	rs := RuleSet{Combinator: Combinator(wire.Combinator), Conditions: make([]Condition, len(wire.Conditions))}
	for i, wc := range wire.Conditions {
		op := Operator(wc.Operator)
		cond := Condition{Field: wc.Field, Operator: op, Negated: wc.Negated}
		if field, ok := r.Describe(wc.Field); ok {
			cond.Value = decodeValue(wc.Value, field.Type, ArityOf(op))
		}
		rs.Conditions[i] = cond
	}
	return rs, nil
}

// DecodeRecord types a customer's attributes by the registry. A JSON null
// leaves the attribute absent. Unknown fields and values that do not fit
// their field are reported together.
func (r *Registry) DecodeRecord(id string, attrs map[string]json.RawMessage) (Record, error) {
	rec := Record{ID: id, Attributes: make(map[string]Value, len(attrs))}

	var msgs []string
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		raw := attrs[name]
		field, ok := r.Describe(name)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("attribute %q is not a known field", name))
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		v := decodeValue(raw, field.Type, ArityScalar)
		if !v.IsValid() || v.Arity() != ArityScalar {
			msgs = append(msgs, fmt.Sprintf("attribute %q must be a single %s value", name, field.Type))
			continue
		}
		rec.Attributes[name] = v
	}
	if len(msgs) > 0 {
		return Record{}, apperrors.NewValidation(msgs...)
	}
	return rec, nil
}
