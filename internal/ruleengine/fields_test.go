package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()

	t.Run("Should describe known fields", func(t *testing.T) {
		t.Parallel()

		f, ok := r.Describe("totalSpent")
		require.True(t, ok)
		assert.Equal(t, TypeNumeric, f.Type)
		assert.Equal(t, "total_spent", f.Column)
		assert.True(t, f.Allows(OpBetween))
		assert.False(t, f.Allows(OpContains))
	})

	t.Run("Should report unknown fields as not found", func(t *testing.T) {
		t.Parallel()

		_, ok := r.Describe("favouriteColour")
		assert.False(t, ok)
	})

	t.Run("Should keep registration order", func(t *testing.T) {
		t.Parallel()

		fields := r.Fields()
		require.NotEmpty(t, fields)
		assert.Equal(t, "totalSpent", fields[0].Name)
		assert.Equal(t, len(fields), len(r.Columns()))
		assert.Equal(t, "lastActivity", r.OrderBy().Name)
	})

	t.Run("Should never expose an operator outside its type", func(t *testing.T) {
		t.Parallel()

		for _, f := range r.Fields() {
			for _, op := range f.Operators {
				assert.Contains(t, OperatorsFor(f.Type), op, "field %s", f.Name)
			}
		}
	})
}

func TestNewRegistry_Misconfiguration(t *testing.T) {
	t.Parallel()

	activity := FieldDescriptor{Name: "lastActivity", Type: TypeDate, Column: "last_activity_at", Operators: OperatorsFor(TypeDate)}

	tests := []struct {
		name    string
		orderBy string
		fields  []FieldDescriptor
		wantErr string
	}{
		{
			name:    "no fields",
			orderBy: "lastActivity",
			wantErr: "at least one field",
		},
		{
			name:    "duplicate name",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, activity},
			wantErr: "registered twice",
		},
		{
			name:    "unknown type",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, {Name: "x", Type: "JSON", Column: "x", Operators: []Operator{OpEQ}}},
			wantErr: "unknown type",
		},
		{
			name:    "invalid column",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, {Name: "x", Type: TypeText, Column: "x; DROP TABLE customers", Operators: []Operator{OpEQ}}},
			wantErr: "invalid storage column",
		},
		{
			name:    "shared column",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, {Name: "x", Type: TypeDate, Column: "last_activity_at", Operators: []Operator{OpEQ}}},
			wantErr: "share storage column",
		},
		{
			name:    "operator outside type",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, {Name: "vip", Type: TypeBoolean, Column: "vip", Operators: []Operator{OpContains}}},
			wantErr: "not defined for BOOLEAN",
		},
		{
			name:    "no operators",
			orderBy: "lastActivity",
			fields:  []FieldDescriptor{activity, {Name: "vip", Type: TypeBoolean, Column: "vip"}},
			wantErr: "exposes no operators",
		},
		{
			name:    "order field missing",
			orderBy: "updatedAt",
			fields:  []FieldDescriptor{activity},
			wantErr: "order field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRegistry(tt.orderBy, tt.fields...)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Panics(t, func() { MustRegistry("missing", activity) })
}
