// Package normalize resolves the envelope shapes that ingestion agents wrap WAF
// transactions in and returns the single canonical transaction object.
//
// Envelopes are matched by an ordered chain of variants; the first variant whose
// shape applies decides the outcome, even if it then fails to parse.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/waflog/waflog-backend/internal/jsonvalue"
)

var (
	// ErrUnrecognizedEnvelope is returned when no variant yields a candidate object.
	ErrUnrecognizedEnvelope = errors.New("unrecognized telemetry envelope")
	// ErrInvalidTransaction is returned when the resolved transaction is null or not an object.
	ErrInvalidTransaction = errors.New("transaction is missing or not an object")
	// ErrUndecodable is returned when an embedded JSON string cannot be decoded.
	ErrUndecodable = errors.New("embedded JSON could not be decoded")
)

// Variant names an envelope shape.
type Variant int

const (
	// VariantRawString is {"raw": "<json>"}.
	VariantRawString Variant = iota + 1
	// VariantDataString is {"data": "<json>"}.
	VariantDataString
	// VariantPayloadString is a payload that is itself a JSON string.
	VariantPayloadString
	// VariantDirectTransaction is {"transaction": {...}}.
	VariantDirectTransaction
	// VariantNestedData is {"data": {...}} or {"data": {"transaction": {...}}}.
	VariantNestedData
	// VariantFallbackWrap treats the whole payload as the transaction body.
	VariantFallbackWrap
)

var variantNames = map[Variant]string{
	VariantRawString:         "raw_string",
	VariantDataString:        "data_string",
	VariantPayloadString:     "payload_string",
	VariantDirectTransaction: "direct_transaction",
	VariantNestedData:        "nested_data",
	VariantFallbackWrap:      "fallback_wrap",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseError reports which variant matched and why it failed.
type ParseError struct {
	Variant Variant
	Err     error
}

func (e *ParseError) Error() string {
	if e.Variant == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s envelope: %v", e.Variant, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Envelope is a normalized payload.
type Envelope struct {
	Variant     Variant
	Transaction jsonvalue.Value
}

// Canonical returns the {"transaction": {...}} form.
func (e *Envelope) Canonical() jsonvalue.Value {
	return jsonvalue.ObjectValue(jsonvalue.Member{Key: "transaction", Value: e.Transaction})
}

// matcher inspects a payload. matched=false passes control to the next matcher.
type matcher struct {
	variant Variant
	match   func(payload jsonvalue.Value) (candidate jsonvalue.Value, matched bool, err error)
}

var chain = []matcher{
	{VariantRawString, stringField("raw")},
	{VariantDataString, stringField("data")},
	{VariantPayloadString, payloadString},
	{VariantDirectTransaction, directTransaction},
	{VariantNestedData, nestedData},
	{VariantFallbackWrap, fallbackWrap},
}

// Normalize resolves payload into a canonical transaction.
func Normalize(payload jsonvalue.Value) (*Envelope, error) {
	for _, m := range chain {
		candidate, matched, err := m.match(payload)
		if !matched {
			continue
		}
		if err != nil {
			return nil, &ParseError{Variant: m.variant, Err: err}
		}
		tx := resolveTransaction(candidate)
		if tx.Kind() != jsonvalue.Object {
			return nil, &ParseError{Variant: m.variant, Err: ErrInvalidTransaction}
		}
		return &Envelope{Variant: m.variant, Transaction: tx}, nil
	}
	return nil, &ParseError{Err: ErrUnrecognizedEnvelope}
}

// NormalizeBytes parses raw landing data and normalizes it.
func NormalizeBytes(data []byte) (*Envelope, error) {
	payload, err := jsonvalue.Parse(data)
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}
	return Normalize(payload)
}

// resolveTransaction prefers a nested "transaction" member over the candidate itself.
func resolveTransaction(candidate jsonvalue.Value) jsonvalue.Value {
	if tx, ok := candidate.Get("transaction"); ok {
		return tx
	}
	return candidate
}

func stringField(key string) func(jsonvalue.Value) (jsonvalue.Value, bool, error) {
	return func(payload jsonvalue.Value) (jsonvalue.Value, bool, error) {
		field, ok := payload.Get(key)
		if !ok {
			return jsonvalue.Value{}, false, nil
		}
		s, ok := field.AsString()
		if !ok {
			return jsonvalue.Value{}, false, nil
		}
		v, err := decodeEmbedded(s)
		return v, true, err
	}
}

func payloadString(payload jsonvalue.Value) (jsonvalue.Value, bool, error) {
	s, ok := payload.AsString()
	if !ok {
		return jsonvalue.Value{}, false, nil
	}
	v, err := decodeEmbedded(s)
	return v, true, err
}

func directTransaction(payload jsonvalue.Value) (jsonvalue.Value, bool, error) {
	if !payload.Has("transaction") {
		return jsonvalue.Value{}, false, nil
	}
	return payload, true, nil
}

func nestedData(payload jsonvalue.Value) (jsonvalue.Value, bool, error) {
	data, ok := payload.Get("data")
	if !ok || data.Kind() != jsonvalue.Object {
		return jsonvalue.Value{}, false, nil
	}
	return data, true, nil
}

func fallbackWrap(payload jsonvalue.Value) (jsonvalue.Value, bool, error) {
	if payload.Kind() != jsonvalue.Object {
		return jsonvalue.Value{}, false, nil
	}
	return jsonvalue.ObjectValue(jsonvalue.Member{Key: "transaction", Value: payload}), true, nil
}

// decodeEmbedded parses a JSON document carried inside a string. Agents that
// double-encode produce either a quoted JSON string or one with escaped quotes; both
// are unwrapped one layer.
func decodeEmbedded(s string) (jsonvalue.Value, error) {
	v, err := jsonvalue.ParseString(s)
	if err != nil {
		v, err = jsonvalue.ParseString(unescapeOnce(s))
		if err != nil {
			return jsonvalue.Value{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
	}
	if inner, ok := v.AsString(); ok {
		if nested, err := jsonvalue.ParseString(inner); err == nil {
			return nested, nil
		}
	}
	return v, nil
}

// unescapeOnce strips one pair of surrounding quotes and un-escapes \" and \\.
func unescapeOnce(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(s)
}
