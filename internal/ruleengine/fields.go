package ruleengine

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// FieldDescriptor describes one customer attribute that rules may reference.
type FieldDescriptor struct {
	// Name is the logical identifier used in rule sets, e.g. "totalSpent".
	Name string
	Type SemanticType
	// Column is the physical column in the customer store.
	Column string
	// Operators is the subset of the type's legal operators exposed for this field.
	Operators []Operator
}

// Allows reports whether op may be used on this field.
func (d FieldDescriptor) Allows(op Operator) bool {
	return slices.Contains(d.Operators, op)
}

// typeOperators are the operators that have a meaning for each semantic type.
// A field may expose fewer, never more.
var typeOperators = map[SemanticType][]Operator{
	TypeNumeric: {OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn, OpBetween},
	TypeDate:    {OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpBetween},
	TypeText:    {OpEQ, OpNEQ, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpIn, OpNotIn},
	TypeBoolean: {OpEQ, OpNEQ},
}

// OperatorsFor returns the operators legal for t.
func OperatorsFor(t SemanticType) []Operator {
	return slices.Clone(typeOperators[t])
}

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Registry is the static table of rule-addressable customer fields. It has no
// mutable state and is safe for concurrent use.
type Registry struct {
	fields  map[string]FieldDescriptor
	order   []string
	orderBy string
}

// NewRegistry validates the descriptors and builds a Registry. orderBy names
// the DATE field used to sort diagnostic queries. A misconfigured table is a
// startup error, never a per-request one.
func NewRegistry(orderBy string, fields ...FieldDescriptor) (*Registry, error) {
	if len(fields) == 0 {
		return nil, errors.New("registry: at least one field is required")
	}

	r := &Registry{
		fields:  make(map[string]FieldDescriptor, len(fields)),
		order:   make([]string, 0, len(fields)),
		orderBy: orderBy,
	}
	columns := make(map[string]string, len(fields))

	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.New("registry: field name cannot be empty")
		}
		if _, dup := r.fields[f.Name]; dup {
			return nil, fmt.Errorf("registry: field %q registered twice", f.Name)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("registry: field %q has unknown type %q", f.Name, f.Type)
		}
		if !columnPattern.MatchString(f.Column) {
			return nil, fmt.Errorf("registry: field %q has invalid storage column %q", f.Name, f.Column)
		}
		if other, dup := columns[f.Column]; dup {
			return nil, fmt.Errorf("registry: fields %q and %q share storage column %q", other, f.Name, f.Column)
		}
		if len(f.Operators) == 0 {
			return nil, fmt.Errorf("registry: field %q exposes no operators", f.Name)
		}
		for _, op := range f.Operators {
			if !slices.Contains(typeOperators[f.Type], op) {
				return nil, fmt.Errorf("registry: operator %s is not defined for %s field %q", op, f.Type, f.Name)
			}
		}

		f.Operators = slices.Clone(f.Operators)
		r.fields[f.Name] = f
		r.order = append(r.order, f.Name)
		columns[f.Column] = f.Name
	}

	ob, ok := r.fields[orderBy]
	if !ok || ob.Type != TypeDate {
		return nil, fmt.Errorf("registry: order field %q must be a registered DATE field", orderBy)
	}

	return r, nil
}

// MustRegistry is NewRegistry that panics on error. Use it for static tables.
func MustRegistry(orderBy string, fields ...FieldDescriptor) *Registry {
	r, err := NewRegistry(orderBy, fields...)
	if err != nil {
		panic(err)
	}
	return r
}

// Describe looks up a field by logical name.
func (r *Registry) Describe(name string) (FieldDescriptor, bool) {
	f, ok := r.fields[name]
	return f, ok
}

// Fields returns every descriptor in registration order.
func (r *Registry) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.fields[name])
	}
	return out
}

// Columns returns every storage column in registration order.
func (r *Registry) Columns() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.fields[name].Column)
	}
	return out
}

// OrderBy returns the field diagnostic queries are sorted by.
func (r *Registry) OrderBy() FieldDescriptor {
	return r.fields[r.orderBy]
}

var defaultRegistry = MustRegistry("lastActivity",
	FieldDescriptor{Name: "totalSpent", Type: TypeNumeric, Column: "total_spent", Operators: OperatorsFor(TypeNumeric)},
	FieldDescriptor{Name: "totalOrders", Type: TypeNumeric, Column: "total_orders", Operators: OperatorsFor(TypeNumeric)},
	FieldDescriptor{Name: "averageOrderValue", Type: TypeNumeric, Column: "average_order_value",
		Operators: []Operator{OpGT, OpGTE, OpLT, OpLTE, OpBetween}},
	FieldDescriptor{Name: "lastActivity", Type: TypeDate, Column: "last_activity_at", Operators: OperatorsFor(TypeDate)},
	FieldDescriptor{Name: "lastPurchaseAt", Type: TypeDate, Column: "last_purchase_at", Operators: OperatorsFor(TypeDate)},
	FieldDescriptor{Name: "registeredAt", Type: TypeDate, Column: "registered_at", Operators: OperatorsFor(TypeDate)},
	FieldDescriptor{Name: "email", Type: TypeText, Column: "email", Operators: OperatorsFor(TypeText)},
	FieldDescriptor{Name: "firstName", Type: TypeText, Column: "first_name", Operators: OperatorsFor(TypeText)},
	FieldDescriptor{Name: "lastName", Type: TypeText, Column: "last_name", Operators: OperatorsFor(TypeText)},
	FieldDescriptor{Name: "city", Type: TypeText, Column: "city", Operators: OperatorsFor(TypeText)},
	FieldDescriptor{Name: "country", Type: TypeText, Column: "country",
		Operators: []Operator{OpEQ, OpNEQ, OpIn, OpNotIn}},
	FieldDescriptor{Name: "gender", Type: TypeText, Column: "gender",
		Operators: []Operator{OpEQ, OpNEQ, OpIn, OpNotIn}},
	FieldDescriptor{Name: "acceptsMarketing", Type: TypeBoolean, Column: "accepts_marketing", Operators: OperatorsFor(TypeBoolean)},
	FieldDescriptor{Name: "emailVerified", Type: TypeBoolean, Column: "email_verified", Operators: OperatorsFor(TypeBoolean)},
)

// DefaultRegistry returns the customer field table used by the service.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
