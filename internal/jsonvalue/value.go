// Package jsonvalue models an arbitrary JSON document as an explicit sum type so that
// telemetry payloads of unknown shape can be inspected and rewritten structurally
// instead of through map[string]interface{} type switches.
//
// Object members keep their original order and numbers keep their original text,
// so a parse/marshal round trip does not reorder headers or lose precision.
package jsonvalue

import (
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Member is a single key/value pair of an Object.
type Member struct {
	Key   string
	Value Value
}

// Value is an immutable JSON value. The zero Value is JSON null.
type Value struct {
	kind    Kind
	boolean bool
	text    string // String contents, or the literal text of a Number
	items   []Value
	members []Member
}

// NullValue returns JSON null.
func NullValue() Value { return Value{} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{kind: Bool, boolean: b} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: String, text: s} }

// NumberValue wraps the literal text of a JSON number, e.g. "403" or "1.1".
func NumberValue(literal string) Value { return Value{kind: Number, text: literal} }

// IntValue wraps an integer as a Number.
func IntValue(n int64) Value { return NumberValue(strconv.FormatInt(n, 10)) }

// ArrayValue builds an Array from items.
func ArrayValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: Array, items: items}
}

// ObjectValue builds an Object from members, keeping their order.
func ObjectValue(members ...Member) Value {
	if members == nil {
		members = []Member{}
	}
	return Value{kind: Object, members: members}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == Null }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) {
	return v.boolean, v.kind == Bool
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.text, true
}

// NumberText returns the literal text of a Number.
func (v Value) NumberText() (string, bool) {
	if v.kind != Number {
		return "", false
	}
	return v.text, true
}

// AsFloat interprets v as a finite float. Numeric strings such as "4" are accepted
// because inspection engines are inconsistent about quoting scores and codes;
// "Infinity" and "NaN" are not numbers here.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case Number, String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AsInt is AsFloat truncated to an int. Values outside the int32 range are
// rejected so they cannot overflow an INTEGER column.
func (v Value) AsInt() (int, bool) {
	f, ok := v.AsFloat()
	if !ok || f < math.MinInt32 || f >= math.MaxInt32+1 {
		return 0, false
	}
	return int(f), true
}

// Text renders scalars as plain text: strings verbatim, numbers by their literal
// and booleans as true/false. Null, arrays and objects yield false.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case String, Number:
		return v.text, true
	case Bool:
		return strconv.FormatBool(v.boolean), true
	}
	return "", false
}

// Elements returns the items of an Array, or nil for any other kind.
func (v Value) Elements() []Value {
	if v.kind != Array {
		return nil
	}
	return v.items
}

// Members returns the members of an Object, or nil for any other kind.
func (v Value) Members() []Member {
	if v.kind != Object {
		return nil
	}
	return v.members
}

// Len returns the number of items or members.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.items)
	case Object:
		return len(v.members)
	}
	return 0
}

// Has reports whether v is an Object containing key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Get looks up key in an Object. When a key is repeated the first occurrence wins.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.Members() {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// GetFold is Get with case-insensitive key comparison, for HTTP header maps.
func (v Value) GetFold(key string) (Value, bool) {
	for _, m := range v.Members() {
		if strings.EqualFold(m.Key, key) {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Path walks nested objects and returns null when any step is missing.
func (v Value) Path(keys ...string) Value {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}
		}
		cur = next
	}
	return cur
}

// Index returns the i-th element of an Array, or null when out of range.
func (v Value) Index(i int) Value {
	items := v.Elements()
	if i < 0 || i >= len(items) {
		return Value{}
	}
	return items[i]
}

// Equal reports deep equality, including member order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.boolean == o.boolean
	case Number, String:
		return v.text == o.text
	case Array:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(v.members) != len(o.members) {
			return false
		}
		for i := range v.members {
			if v.members[i].Key != o.members[i].Key || !v.members[i].Value.Equal(o.members[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
