package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindNumberRange
	KindNumberList
	KindDate
	KindDateRange
	KindText
	KindTextList
	KindBool
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindNumber:      "number",
	KindNumberRange: "number range",
	KindNumberList:  "number list",
	KindDate:        "date",
	KindDateRange:   "date range",
	KindText:        "text",
	KindTextList:    "text list",
	KindBool:        "boolean",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// Arity is the shape an operator expects from its operand.
type Arity uint8

const (
	ArityScalar Arity = iota + 1
	ArityRange
	ArityList
)

// Value is a typed operand or attribute. The zero Value is KindInvalid.
//
// Scalars and collections share the backing slices: a scalar number is
// nums[0], a range is nums[0:2], a list is nums.
type Value struct {
	kind  Kind
	nums  []float64
	times []time.Time
	strs  []string
	b     bool
}

// Number returns a numeric scalar.
func Number(v float64) Value { return Value{kind: KindNumber, nums: []float64{v}} }

// NumberRange returns an inclusive numeric range.
func NumberRange(low, high float64) Value {
	return Value{kind: KindNumberRange, nums: []float64{low, high}}
}

// NumberList returns a list of numbers for IN and NOT_IN.
func NumberList(vs ...float64) Value {
	return Value{kind: KindNumberList, nums: slices.Clone(vs)}
}

// Date returns a date scalar normalized to UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, times: []time.Time{t.UTC()}} }

// DateRange returns an inclusive date range normalized to UTC.
func DateRange(low, high time.Time) Value {
	return Value{kind: KindDateRange, times: []time.Time{low.UTC(), high.UTC()}}
}

// Text returns a string scalar.
func Text(s string) Value { return Value{kind: KindText, strs: []string{s}} }

// TextList returns a list of strings for IN and NOT_IN.
func TextList(ss ...string) Value {
	return Value{kind: KindTextList, strs: slices.Clone(ss)}
}

// Bool returns a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Type returns the semantic type of the elements held by v.
func (v Value) Type() SemanticType {
	switch v.kind {
	case KindNumber, KindNumberRange, KindNumberList:
		return TypeNumeric
	case KindDate, KindDateRange:
		return TypeDate
	case KindText, KindTextList:
		return TypeText
	case KindBool:
		return TypeBoolean
	}
	return ""
}

// Arity returns the shape of v.
func (v Value) Arity() Arity {
	switch v.kind {
	case KindNumberRange, KindDateRange:
		return ArityRange
	case KindNumberList, KindTextList:
		return ArityList
	case KindInvalid:
		return 0
	}
	return ArityScalar
}

// Len returns the number of elements held by v.
func (v Value) Len() int {
	switch v.Type() {
	case TypeNumeric:
		return len(v.nums)
	case TypeDate:
		return len(v.times)
	case TypeText:
		return len(v.strs)
	case TypeBoolean:
		return 1
	}
	return 0
}

// Float returns element i of a numeric value.
func (v Value) Float(i int) float64 { return v.nums[i] }

// Time returns element i of a date value.
func (v Value) Time(i int) time.Time { return v.times[i] }

// Str returns element i of a text value.
func (v Value) Str(i int) string { return v.strs[i] }

// Truth returns the boolean held by v.
func (v Value) Truth() bool { return v.b }

// Equal reports whether v and o hold the same variant and elements. Dates
// compare by instant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.Type() {
	case TypeNumeric:
		return slices.Equal(v.nums, o.nums)
	case TypeDate:
		return slices.EqualFunc(v.times, o.times, time.Time.Equal)
	case TypeText:
		return slices.Equal(v.strs, o.strs)
	case TypeBoolean:
		return v.b == o.b
	}
	return true
}

func (v Value) clone() Value {
	v.nums = slices.Clone(v.nums)
	v.times = slices.Clone(v.times)
	v.strs = slices.Clone(v.strs)
	return v
}

// compareAt orders the scalar attribute a against element i of operand o.
// Both must share a semantic type.
func compareAt(a, o Value, i int) int {
	switch a.Type() {
	case TypeNumeric:
		switch {
		case a.nums[0] < o.nums[i]:
			return -1
		case a.nums[0] > o.nums[i]:
			return 1
		}
		return 0
	case TypeDate:
		return a.times[0].Compare(o.times[i])
	case TypeText:
		switch {
		case a.strs[0] < o.strs[i]:
			return -1
		case a.strs[0] > o.strs[i]:
			return 1
		}
		return 0
	case TypeBoolean:
		switch {
		case a.b == o.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	}
	return 0
}

// finite reports whether every numeric element is a finite number.
func (v Value) finite() bool {
	for _, n := range v.nums {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return false
		}
	}
	return true
}

// DateLayout is the wire and diagnostic format of dates.
const DateLayout = time.RFC3339Nano

// ParseDate accepts RFC 3339 timestamps and plain calendar dates
// (2006-01-02, read as midnight UTC).
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MarshalJSON encodes v in its plain wire form: a number, string or boolean
// for scalars and an array for ranges and lists.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber, KindBool, KindText, KindDate:
		return json.Marshal(v.scalarAny(0))
	case KindInvalid:
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := range v.Len() {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(v.scalarAny(i))
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// scalarAny returns element i as a plain Go value for encoding and binding.
func (v Value) scalarAny(i int) any {
	switch v.Type() {
	case TypeNumeric:
		return v.nums[i]
	case TypeDate:
		return v.times[i].Format(DateLayout)
	case TypeText:
		return v.strs[i]
	case TypeBoolean:
		return v.b
	}
	return nil
}

// decodeValue interprets raw against the field type and the arity the
// operator expects. Anything that does not fit yields an invalid Value, which
// the Validator reports as a shape error.
func decodeValue(raw json.RawMessage, t SemanticType, want Arity) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Value{}
		}
		return decodeCollection(items, t, want == ArityRange && len(items) == 2)
	}

	switch t {
	case TypeNumeric:
		var f float64
		if json.Unmarshal(raw, &f) == nil {
			return Number(f)
		}
	case TypeDate:
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if d, err := ParseDate(s); err == nil {
				return Date(d)
			}
		}
	case TypeText:
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return Text(s)
		}
	case TypeBoolean:
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return Bool(b)
		}
	}
	return Value{}
}

func decodeCollection(items []json.RawMessage, t SemanticType, asRange bool) Value {
	switch t {
	case TypeNumeric:
		nums := make([]float64, len(items))
		for i, it := range items {
			if json.Unmarshal(it, &nums[i]) != nil {
				return Value{}
			}
		}
		if asRange {
			return NumberRange(nums[0], nums[1])
		}
		return NumberList(nums...)
	case TypeDate:
		if !asRange {
			return Value{}
		}
		var bounds [2]time.Time
		for i, it := range items {
			var s string
			if json.Unmarshal(it, &s) != nil {
				return Value{}
			}
			d, err := ParseDate(s)
			if err != nil {
				return Value{}
			}
			bounds[i] = d
		}
		return DateRange(bounds[0], bounds[1])
	case TypeText:
		strs := make([]string, len(items))
		for i, it := range items {
			if json.Unmarshal(it, &strs[i]) != nil {
				return Value{}
			}
		}
		return TextList(strs...)
	}
	return Value{}
}
