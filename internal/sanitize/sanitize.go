// Package sanitize strips byte sequences that PostgreSQL text and jsonb columns
// reject (NUL bytes, \u0000 escapes, invalid UTF-8) along with the dangling escape
// fragments that WAF engines emit when they truncate matched request data.
//
// Every function here is total: failures degrade to null or an empty string.
// Output is a fixed point, so Value(Value(v)) equals Value(v) for any input.
package sanitize

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/waflog/waflog-backend/internal/jsonvalue"
)

// Value recursively sanitizes v. Array items and object members that end up null
// are dropped; object keys are kept as they are.
func Value(v jsonvalue.Value) jsonvalue.Value {
	switch v.Kind() {
	case jsonvalue.String:
		s, _ := v.AsString()
		return jsonvalue.StringValue(String(s))
	case jsonvalue.Array:
		items := make([]jsonvalue.Value, 0, v.Len())
		for _, item := range v.Elements() {
			clean := Value(item)
			if clean.IsNull() {
				continue
			}
			items = append(items, clean)
		}
		return jsonvalue.ArrayValue(items...)
	case jsonvalue.Object:
		members := make([]jsonvalue.Member, 0, v.Len())
		for _, m := range v.Members() {
			clean := Value(m.Value)
			if clean.IsNull() {
				continue
			}
			members = append(members, jsonvalue.Member{Key: m.Key, Value: clean})
		}
		return jsonvalue.ObjectValue(members...)
	}
	return v
}

// Raw parses data and sanitizes the result. Unparseable input yields null.
func Raw(data []byte) jsonvalue.Value {
	v, err := jsonvalue.Parse(data)
	if err != nil {
		return jsonvalue.NullValue()
	}
	return Value(v)
}

// String cleans a single string. Each pass either leaves s unchanged or makes it
// strictly shorter, so repeating passes until nothing changes terminates and yields
// an idempotent result.
func String(s string) string {
	for {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = dropNullEscapes(s)
	s = resolveUnicodeEscapes(s)
	s = dropStrayBackslashes(s)
	s = collapseBackslashRuns(s)
	s = dropMalformedUnicodeEscapes(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// dropNullEscapes removes \u0000 in any letter case.
func dropNullEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+6 <= len(s) && (s[i+1] == 'u' || s[i+1] == 'U') && s[i+2:i+6] == "0000" {
			i += 6
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// resolveUnicodeEscapes turns well-formed \uXXXX escapes into the literal character
// for printable ASCII, tab, newline and carriage return, and drops every other one.
func resolveUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+6 <= len(s) && s[i+1] == 'u' && isHex4(s[i+2:i+6]) {
			cp, _ := strconv.ParseUint(s[i+2:i+6], 16, 32)
			switch {
			case cp == 0:
			case cp >= 0x20 && cp <= 0x7e, cp == '\t', cp == '\n', cp == '\r':
				b.WriteByte(byte(cp))
			}
			i += 6
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// dropStrayBackslashes removes a backslash unless the next byte can start a JSON
// escape (or a \x / octal style escape that engines commonly log).
func dropStrayBackslashes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && (i+1 >= len(s) || !isEscapeLead(s[i+1])) {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// collapseBackslashRuns shortens any run of three or more backslashes to two.
func collapseBackslashRuns(s string) string {
	if !strings.Contains(s, `\\\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] == '\\' {
			j++
		}
		if j-i >= 3 {
			b.WriteString(`\\`)
		} else {
			b.WriteString(s[i:j])
		}
		i = j
	}
	return b.String()
}

// dropMalformedUnicodeEscapes removes \u followed by fewer than four hex digits,
// together with whatever partial digits follow it.
func dropMalformedUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'u' {
			n := 0
			for n < 4 && i+2+n < len(s) && isHexDigit(s[i+2+n]) {
				n++
			}
			if n < 4 {
				i += 2 + n
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func isEscapeLead(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u', 'x':
		return true
	}
	return c >= '0' && c <= '9'
}

func isHex4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
