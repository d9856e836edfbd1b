package jsonvalue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	fv, err := p.ParseBytes(data)
	if err != nil {
		return Value{}, fmt.Errorf("invalid JSON: %w", err)
	}
	// fv is owned by the pooled parser; convert before returning it to the pool.
	return fromFast(fv), nil
}

// ParseString is Parse for string input.
func ParseString(s string) (Value, error) {
	return Parse([]byte(s))
}

func fromFast(fv *fastjson.Value) Value {
	switch fv.Type() {
	case fastjson.TypeObject:
		o, _ := fv.Object()
		members := make([]Member, 0, o.Len())
		o.Visit(func(key []byte, child *fastjson.Value) {
			members = append(members, Member{Key: string(key), Value: fromFast(child)})
		})
		return ObjectValue(members...)
	case fastjson.TypeArray:
		arr, _ := fv.Array()
		items := make([]Value, 0, len(arr))
		for _, child := range arr {
			items = append(items, fromFast(child))
		}
		return ArrayValue(items...)
	case fastjson.TypeString:
		return StringValue(string(fv.GetStringBytes()))
	case fastjson.TypeNumber:
		return NumberValue(string(fv.MarshalTo(nil)))
	case fastjson.TypeTrue:
		return BoolValue(true)
	case fastjson.TypeFalse:
		return BoolValue(false)
	}
	return NullValue()
}

// MarshalJSON encodes v, preserving member order and number literals.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON lets Value be used directly in json-tagged structs.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String renders v as compact JSON; encoding errors render as null.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(b)
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if v.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(v.text)
	case String:
		return encodeString(buf, v.text)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, m.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jsonvalue: unknown kind %d", v.kind)
	}
	return nil
}

// encodeString uses encoding/json for escaping; fastjson falls back to Go quoting
// for control characters, which is not valid JSON.
func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder.Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
