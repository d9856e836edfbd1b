package jsonvalue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PreservesMemberOrderAndNumbers(t *testing.T) {
	v, err := ParseString(`{"z":1,"a":1.10,"m":{"y":true,"b":null},"list":[3,"x",false]}`)
	require.NoError(t, err)
	require.Equal(t, Object, v.Kind())

	keys := make([]string, 0)
	for _, m := range v.Members() {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"z", "a", "m", "list"}, keys)

	a, _ := v.Get("a")
	text, ok := a.NumberText()
	assert.True(t, ok)
	assert.Equal(t, "1.10", text)

	assert.Equal(t, `{"z":1,"a":1.10,"m":{"y":true,"b":null},"list":[3,"x",false]}`, v.String())
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := ParseString(`{"a":`)
	assert.Error(t, err)
}

func TestMarshal_ControlCharactersProduceValidJSON(t *testing.T) {
	v := ObjectValue(Member{Key: "k", Value: StringValue("tab\there <b> \x01")})
	b, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.True(t, json.Valid(b), "output %q is not valid JSON", b)

	back, err := Parse(b)
	require.NoError(t, err)
	assert.True(t, v.Equal(back))
}

func TestGetFold_CaseInsensitive(t *testing.T) {
	v, err := ParseString(`{"user-agent":"curl/8.0","Host":"example.com"}`)
	require.NoError(t, err)

	ua, ok := v.GetFold("User-Agent")
	require.True(t, ok)
	s, _ := ua.AsString()
	assert.Equal(t, "curl/8.0", s)

	_, ok = v.Get("User-Agent")
	assert.False(t, ok)
}

func TestPath_MissingStepIsNull(t *testing.T) {
	v, err := ParseString(`{"transaction":{"response":{"http_code":403}}}`)
	require.NoError(t, err)

	code, ok := v.Path("transaction", "response", "http_code").AsInt()
	assert.True(t, ok)
	assert.Equal(t, 403, code)

	assert.True(t, v.Path("transaction", "request", "method").IsNull())
	assert.True(t, StringValue("x").Path("a").IsNull())
}

func TestAsFloat_AcceptsNumericStrings(t *testing.T) {
	f, ok := StringValue(" 4 ").AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 4.0, f)

	_, ok = StringValue("high").AsFloat()
	assert.False(t, ok)

	_, ok = BoolValue(true).AsFloat()
	assert.False(t, ok)
}

func TestAsFloat_RejectsNonFinite(t *testing.T) {
	for _, v := range []Value{
		StringValue("Infinity"),
		StringValue("-inf"),
		StringValue("NaN"),
		NumberValue("1e400"),
	} {
		_, ok := v.AsFloat()
		assert.False(t, ok, "%s", v)
	}
}

func TestAsInt_Range(t *testing.T) {
	for _, tc := range []struct {
		v    Value
		want int
		ok   bool
	}{
		{NumberValue("51544"), 51544, true},
		{StringValue("7.9"), 7, true},
		{NumberValue("2147483647"), 2147483647, true},
		{NumberValue("-2147483648"), -2147483648, true},
		{NumberValue("2147483648"), 0, false},
		{NumberValue("1e20"), 0, false},
		{StringValue("9e99"), 0, false},
		{StringValue("Infinity"), 0, false},
	} {
		got, ok := tc.v.AsInt()
		assert.Equal(t, tc.ok, ok, "%s", tc.v)
		assert.Equal(t, tc.want, got, "%s", tc.v)
	}
}

func TestText(t *testing.T) {
	for _, tc := range []struct {
		v    Value
		want string
		ok   bool
	}{
		{StringValue("GET"), "GET", true},
		{NumberValue("1.1"), "1.1", true},
		{BoolValue(false), "false", true},
		{NullValue(), "", false},
		{ArrayValue(), "", false},
	} {
		got, ok := tc.v.Text()
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.ok, ok)
	}
}

func TestUnmarshalJSON_InStruct(t *testing.T) {
	var body struct {
		Payload Value `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"payload":{"raw":"{}"}}`), &body))
	assert.True(t, body.Payload.Has("raw"))
}

func TestEqual(t *testing.T) {
	a := ObjectValue(Member{"a", IntValue(1)}, Member{"b", ArrayValue(StringValue("x"))})
	b := ObjectValue(Member{"a", IntValue(1)}, Member{"b", ArrayValue(StringValue("x"))})
	c := ObjectValue(Member{"b", ArrayValue(StringValue("x"))}, Member{"a", IntValue(1)})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, NullValue().Equal(Value{}))
}
