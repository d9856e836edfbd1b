package projector

import (
	"math"
	"strings"
	"time"

	"github.com/waflog/waflog-backend/internal/jsonvalue"
)

// timeLayouts are tried in order. ModSecurity v3 logs ANSIC, Coraza logs the
// slash form, and proxies in front of either tend to rewrite to RFC 3339.
var timeLayouts = []string{
	time.ANSIC,
	"2006/01/02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.UnixDate,
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02",
}

// ParseTime interprets v as an event time. Strings are matched against the known
// layouts; numbers are Unix epochs in seconds, milliseconds or nanoseconds, told
// apart by magnitude.
func ParseTime(v jsonvalue.Value) (time.Time, bool) {
	switch v.Kind() {
	case jsonvalue.Number:
		f, ok := v.AsFloat()
		if !ok {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case jsonvalue.String:
		s, _ := v.AsString()
		return parseTimeString(strings.TrimSpace(s))
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if f, ok := jsonvalue.StringValue(s).AsFloat(); ok {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	switch {
	case f >= 1e17:
		return time.Unix(0, int64(f)).UTC(), true
	case f >= 1e11:
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
