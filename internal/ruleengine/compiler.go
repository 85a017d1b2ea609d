package ruleengine

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Clause is one primitive store-side test.
type Clause struct {
	Column  string   `json:"column"`
	Op      NativeOp `json:"op"`
	Value   Value    `json:"value"`
	Negated bool     `json:"negated,omitempty"`
}

// Filter is the backend-native form of a RuleSet: clauses keyed by storage
// column, joined by the rule set's combinator, in declared order.
type Filter struct {
	Combinator Combinator `json:"combinator"`
	Clauses    []Clause   `json:"clauses"`
}

// Where renders the filter as a SQL boolean expression with '?' placeholders
// and returns the bind arguments in placeholder order. Callers rebind the
// placeholders for their driver.
//
// A NULL column makes its clause NULL, which the WHERE clause treats as not
// matching whether or not the clause is negated.
func (f Filter) Where() (string, []any) {
	w := &bindWriter{}
	parts := make([]string, len(f.Clauses))
	for i, c := range f.Clauses {
		parts[i] = "(" + renderCondition(w, c.Column, nativeIndex[c.Op], c.Value, c.Negated) + ")"
	}
	return strings.Join(parts, " "+string(f.Combinator)+" "), w.args
}

// Program is the output of compiling a RuleSet.
type Program struct {
	Filter Filter
	// Diagnostic is a human readable query, stable byte for byte for equal
	// rule sets:
	//
	//	FROM customers WHERE totalSpent > 500 AND country IN ('BR', 'PT') ORDER BY lastActivity DESC
	Diagnostic string
	// Fingerprint is the murmur3 hash of Diagnostic.
	Fingerprint uint32
}

// Compiler turns validated rule sets into Programs.
type Compiler struct {
	registry  *Registry
	validator *Validator
}

// NewCompiler returns a Compiler bound to registry.
func NewCompiler(registry *Registry) *Compiler {
	return &Compiler{registry: registry, validator: NewValidator(registry)}
}

// Compile validates rs and builds its store filter and diagnostic string.
// An invalid rule set returns the Validator's *apperrors.ValidationError.
func (c *Compiler) Compile(rs RuleSet) (Program, error) {
	if err := c.validator.Validate(rs); err != nil {
		return Program{}, err
	}

	filter := Filter{Combinator: rs.Combinator, Clauses: make([]Clause, len(rs.Conditions))}
	diag := make([]string, len(rs.Conditions))

	for i, cond := range rs.Conditions {
		field, _ := c.registry.Describe(cond.Field)
		spec := operatorTable[cond.Operator]

		filter.Clauses[i] = Clause{
			Column:  field.Column,
			Op:      spec.native,
			Value:   cond.Value.clone(),
			Negated: cond.Negated,
		}
		diag[i] = renderCondition(diagnosticWriter{}, field.Name, cond.Operator, cond.Value, cond.Negated)
	}

	diagnostic := fmt.Sprintf("FROM customers WHERE %s ORDER BY %s DESC",
		strings.Join(diag, " "+string(rs.Combinator)+" "),
		c.registry.OrderBy().Name,
	)

	return Program{
		Filter:      filter,
		Diagnostic:  diagnostic,
		Fingerprint: murmur3.Sum32([]byte(diagnostic)),
	}, nil
}
