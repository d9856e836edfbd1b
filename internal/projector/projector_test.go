package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/jsonvalue"
	"github.com/waflog/waflog-backend/internal/normalize"
	"github.com/waflog/waflog-backend/internal/sanitize"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestProjector() *Projector {
	return NewWithClock(func() time.Time { return fixedNow })
}

func mustTx(t *testing.T, body string) jsonvalue.Value {
	t.Helper()
	env, err := normalize.NormalizeBytes([]byte(body))
	require.NoError(t, err)
	return sanitize.Value(env.Transaction)
}

// ----------------------------------------------------------------------------
// Classification
// ----------------------------------------------------------------------------

func TestClassifySeverity_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		ok    bool
		want  models.Severity
	}{
		{0, false, models.SeverityLow},
		{0, true, models.SeverityLow},
		{3.99, true, models.SeverityLow},
		{4, true, models.SeverityMedium},
		{5.5, true, models.SeverityMedium},
		{6, true, models.SeverityHigh},
		{7.99, true, models.SeverityHigh},
		{8, true, models.SeverityCritical},
		{10, true, models.SeverityCritical},
		{-1, true, models.SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySeverity(tt.score, tt.ok), "score %v ok %v", tt.score, tt.ok)
	}
}

func TestClassifySeverity_Monotonic(t *testing.T) {
	rank := map[models.Severity]int{
		models.SeverityLow: 0, models.SeverityMedium: 1, models.SeverityHigh: 2, models.SeverityCritical: 3,
	}
	prev := -1
	for s := -2.0; s <= 12; s += 0.25 {
		r := rank[ClassifySeverity(s, true)]
		assert.GreaterOrEqual(t, r, prev, "score %v", s)
		prev = r
	}
}

func TestClassifyAction(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		hasCode  bool
		score    float64
		hasScore bool
		want     models.Action
	}{
		{"403 low score", 403, true, 2, true, models.ActionBlocked},
		{"406 no score", 406, true, 0, false, models.ActionBlocked},
		{"200 score 6", 200, true, 6, true, models.ActionBlocked},
		{"200 score 5.9", 200, true, 5.9, true, models.ActionWarning},
		{"no code no score", 0, false, 0, false, models.ActionWarning},
		{"500 score 4", 500, true, 4, true, models.ActionWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAction(tt.code, tt.hasCode, tt.score, tt.hasScore))
		})
	}
}

// ----------------------------------------------------------------------------
// Projection
// ----------------------------------------------------------------------------

func TestProject_ModSecurityWarning(t *testing.T) {
	tx := mustTx(t, `{"transaction":{
		"client_ip":"102.218.50.7","client_port":51544,"time_stamp":"Sat Oct 17 09:15:42 2026",
		"request":{"hostname":"196.188.250.141","method":"GET","uri":"/","http_version":1.1,
			"headers":{"Host":"196.188.250.141","User-Agent":"curl/8.5.0","Accept":"*/*"}},
		"response":{"http_code":200,"headers":{"Content-Type":"text/html"}},
		"messages":[{"message":"Host header is a numeric IP address",
			"details":{"match":"Matched \"Operator Rx\" against REQUEST_HEADERS:Host","ruleId":"920350",
			"severity":"4","maturity":"0","data":"196.188.250.141"}}]}}`)

	log := newTestProjector().Project(tx, nil)

	assert.Equal(t, models.ActionWarning, log.Action)
	assert.Equal(t, models.SeverityMedium, log.Severity)
	assert.Equal(t, "196.188.250.141", log.Host)
	assert.Equal(t, "102.218.50.7", log.ClientIP)
	require.NotNil(t, log.ClientPort)
	assert.Equal(t, 51544, *log.ClientPort)
	assert.Equal(t, time.Date(2026, 10, 17, 9, 15, 42, 0, time.UTC), log.Timestamp)
	require.NotNil(t, log.HTTPVersion)
	assert.Equal(t, "1.1", *log.HTTPVersion)
	require.NotNil(t, log.RuleID)
	assert.Equal(t, "920350", *log.RuleID)
	require.NotNil(t, log.Rule)
	assert.Contains(t, *log.Rule, "REQUEST_HEADERS:Host")
	require.NotNil(t, log.Message)
	assert.Equal(t, "Host header is a numeric IP address", *log.Message)
	require.NotNil(t, log.Maturity)
	assert.Equal(t, 0, *log.Maturity)
	require.NotNil(t, log.UserAgent)
	assert.Equal(t, "curl/8.5.0", *log.UserAgent)
	require.NotNil(t, log.ResponseCode)
	assert.Equal(t, 200, *log.ResponseCode)
	assert.JSONEq(t, `{"Host":"196.188.250.141","User-Agent":"curl/8.5.0","Accept":"*/*"}`, string(log.Headers))
	assert.JSONEq(t, `{"Content-Type":"text/html"}`, string(log.ResponseHeader))
	assert.Nil(t, log.OrganizationID)
}

func TestProject_RawEnvelope403IsBlocked(t *testing.T) {
	body := `{"raw":"{\"transaction\":{\"client_ip\":\"10.0.0.9\",\"request\":{\"method\":\"POST\",\"uri\":\"/login\"},\"response\":{\"http_code\":403},\"messages\":[{\"details\":{\"severity\":\"2\"}}]}}"}`
	log := newTestProjector().Project(mustTx(t, body), nil)

	assert.Equal(t, models.ActionBlocked, log.Action)
	assert.Equal(t, models.SeverityLow, log.Severity)
	assert.Equal(t, "POST", log.Method)
	assert.Equal(t, "/login", log.RequestURL)
}

func TestProject_CorazaFields(t *testing.T) {
	tx := mustTx(t, `{"transaction":{"timestamp":"2026/10/16 22:01:03","client_ip":"::1",
		"request":{"method":"GET","uri":"/admin","headers":{"host":["app.example.com:8443"],"user-agent":["Mozilla/5.0"]}},
		"response":{"status":406}}}`)

	log := newTestProjector().Project(tx, nil)

	assert.Equal(t, "app.example.com", log.Host)
	require.NotNil(t, log.UserAgent)
	assert.Equal(t, "Mozilla/5.0", *log.UserAgent)
	assert.Equal(t, models.ActionBlocked, log.Action)
	assert.Equal(t, time.Date(2026, 10, 16, 22, 1, 3, 0, time.UTC), log.Timestamp)
	require.NotNil(t, log.ResponseCode)
	assert.Equal(t, 406, *log.ResponseCode)
}

func TestProject_DefaultsForEmptyTransaction(t *testing.T) {
	org := "org-1"
	log := newTestProjector().Project(jsonvalue.ObjectValue(), &org)

	assert.Equal(t, DefaultClientIP, log.ClientIP)
	assert.Equal(t, DefaultHost, log.Host)
	assert.Equal(t, DefaultMethod, log.Method)
	assert.Equal(t, DefaultRequestURL, log.RequestURL)
	assert.Equal(t, models.ActionWarning, log.Action)
	assert.Equal(t, models.SeverityLow, log.Severity)
	assert.Equal(t, fixedNow, log.Timestamp)
	assert.Nil(t, log.ClientPort)
	assert.Nil(t, log.ResponseCode)
	assert.Nil(t, log.Headers)
	assert.Nil(t, log.UserAgent)
	require.NotNil(t, log.OrganizationID)
	assert.Equal(t, "org-1", *log.OrganizationID)
}

func TestProject_SanitizesStringFields(t *testing.T) {
	tx, err := jsonvalue.ParseString(`{"client_ip":"\\u0000",
		"request":{"uri":"/a\\u0000b\\u0041","method":"G\u0000ET","headers":{"Host":"h\\x.example:80"}},
		"messages":[{"message":"bad \\u00","details":{"match":"x\\\\\\\\ny"}}]}`)
	require.NoError(t, err)

	log := newTestProjector().Project(tx, nil)

	assert.Equal(t, DefaultClientIP, log.ClientIP)
	assert.Equal(t, "/abA", log.RequestURL)
	assert.Equal(t, "GET", log.Method)
	assert.Equal(t, `h\x.example`, log.Host)
	require.NotNil(t, log.Message)
	assert.Equal(t, "bad", *log.Message)
	require.NotNil(t, log.Rule)
	assert.Equal(t, `x\\ny`, *log.Rule)
}

func TestProject_RuleFallsBackToData(t *testing.T) {
	tx := mustTx(t, `{"messages":[{"details":{"data":"Matched Data: <script> found","severity":8}}]}`)
	log := newTestProjector().Project(tx, nil)
	require.NotNil(t, log.Rule)
	assert.Equal(t, "Matched Data: <script> found", *log.Rule)
	assert.Equal(t, models.SeverityCritical, log.Severity)
	assert.Equal(t, models.ActionBlocked, log.Action)
}

func TestProject_IPv6HostHeader(t *testing.T) {
	tx := mustTx(t, `{"request":{"headers":{"Host":"[2001:db8::1]:443"}}}`)
	assert.Equal(t, "[2001:db8::1]", newTestProjector().Project(tx, nil).Host)
}

// ----------------------------------------------------------------------------
// Timestamps
// ----------------------------------------------------------------------------

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		name string
		in   jsonvalue.Value
	}{
		{"ansic", jsonvalue.StringValue("Wed Mar  4 05:06:07 2026")},
		{"coraza", jsonvalue.StringValue("2026/03/04 05:06:07")},
		{"rfc3339", jsonvalue.StringValue("2026-03-04T05:06:07Z")},
		{"rfc3339 offset", jsonvalue.StringValue("2026-03-04T07:06:07+02:00")},
		{"apache", jsonvalue.StringValue("04/Mar/2026:05:06:07 +0000")},
		{"epoch seconds", jsonvalue.IntValue(want.Unix())},
		{"epoch millis", jsonvalue.IntValue(want.UnixMilli())},
		{"epoch nanos", jsonvalue.IntValue(want.UnixNano())},
		{"epoch string", jsonvalue.StringValue("1772600767")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			require.True(t, ok)
			assert.True(t, want.Equal(got), "got %v", got)
		})
	}
}

func TestParseTime_Rejects(t *testing.T) {
	for _, v := range []jsonvalue.Value{
		jsonvalue.StringValue("yesterday"),
		jsonvalue.StringValue(""),
		jsonvalue.NullValue(),
		jsonvalue.BoolValue(true),
		jsonvalue.IntValue(-5),
	} {
		_, ok := ParseTime(v)
		assert.False(t, ok, "%s", v)
	}
}

func TestProject_OutOfRangeNumbersBecomeNull(t *testing.T) {
	tx := mustTx(t, `{"transaction":{"client_ip":"10.0.0.1","client_port":1e20,
		"response":{"http_code":4294967296},
		"messages":[{"details":{"maturity":"9e99","severity":"Infinity"}}]}}`)

	log := newTestProjector().Project(tx, nil)

	assert.Nil(t, log.ClientPort)
	assert.Nil(t, log.Maturity)
	assert.Nil(t, log.ResponseCode)
	assert.Equal(t, models.SeverityLow, log.Severity)
	assert.Equal(t, models.ActionWarning, log.Action)
}

func TestProject_NaNSeverityIsMissing(t *testing.T) {
	tx := mustTx(t, `{"transaction":{"messages":[{"details":{"severity":"NaN"}}]}}`)
	assert.Equal(t, models.SeverityLow, newTestProjector().Project(tx, nil).Severity)
}

func TestProject_HeaderKeysLoseNUL(t *testing.T) {
	tx := mustTx(t, `{"transaction":{"request":{"headers":{"X-A\u0000b":"x","Host":"example.com"}},
		"response":{"headers":{"Set\u0000-Cookie":"a=b"}}}}`)

	log := newTestProjector().Project(tx, nil)

	assert.JSONEq(t, `{"X-Ab":"x","Host":"example.com"}`, string(log.Headers))
	assert.JSONEq(t, `{"Set-Cookie":"a=b"}`, string(log.ResponseHeader))
	assert.NotContains(t, string(log.Headers), `\u0000`)
}
