package ruleengine

// Predicate reports whether a record satisfies a bound rule set.
type Predicate func(Record) bool

// Evaluator tests rule sets against in-memory customer records.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator returns an Evaluator bound to registry.
func NewEvaluator(registry *Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// Evaluate reports whether rec satisfies rs. rs is expected to be valid; a
// condition on an unknown field or operator never matches.
func (e *Evaluator) Evaluate(rs RuleSet, rec Record) bool {
	return e.Bind(rs)(rec)
}

// Bind resolves field descriptors and operator definitions once and returns
// a Predicate suited to evaluating many records.
func (e *Evaluator) Bind(rs RuleSet) Predicate {
	type boundCondition struct {
		field   FieldDescriptor
		spec    operatorSpec
		operand Value
		negated bool
		ok      bool
	}

	bound := make([]boundCondition, len(rs.Conditions))
	for i, c := range rs.Conditions {
		field, known := e.registry.Describe(c.Field)
		spec, defined := operatorTable[c.Operator]
		bound[i] = boundCondition{
			field:   field,
			spec:    spec,
			operand: c.Value.clone(),
			negated: c.Negated,
			ok:      known && defined && c.Value.Type() == field.Type,
		}
	}
	disjunction := rs.Combinator == Or

	return func(rec Record) bool {
		if len(bound) == 0 {
			return false
		}
		for _, b := range bound {
			if conditionHolds(b.ok, b.field, b.spec, b.operand, b.negated, rec) == disjunction {
				return disjunction
			}
		}
		return !disjunction
	}
}

// conditionHolds applies one condition. A missing or mistyped attribute is
// NULL and yields false regardless of negation, mirroring SQL where
// NOT (NULL) is still NULL.
func conditionHolds(ok bool, field FieldDescriptor, spec operatorSpec, operand Value, negated bool, rec Record) bool {
	if !ok {
		return false
	}
	attr, present := rec.Attributes[field.Name]
	if !present || attr.Arity() != ArityScalar || attr.Type() != field.Type {
		return false
	}
	return spec.match(attr, operand) != negated
}
