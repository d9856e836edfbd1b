// Package projector maps a canonical WAF transaction onto a SecurityLog.
//
// It understands the ModSecurity v3 JSON audit format (time_stamp, response.http_code,
// messages[].details) and the Coraza variant of it (timestamp, response.status).
// Every field has a fallback, so projection itself never fails.
package projector

import (
	"strings"
	"time"

	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/jsonvalue"
	"github.com/waflog/waflog-backend/internal/sanitize"
)

// Defaults applied to required columns that are still empty after sanitizing.
const (
	DefaultClientIP   = "0.0.0.0"
	DefaultHost       = "unknown"
	DefaultMethod     = "GET"
	DefaultRequestURL = "/"
)

// Severity score thresholds; a score at or above a threshold falls in that band.
const (
	criticalScore = 8
	highScore     = 6
	mediumScore   = 4
	blockingScore = highScore
)

// Projector converts transactions into security logs.
type Projector struct {
	now func() time.Time
}

// New returns a Projector that stamps unparseable event times with the wall clock.
func New() *Projector {
	return &Projector{now: time.Now}
}

// NewWithClock is New with an injectable clock.
func NewWithClock(now func() time.Time) *Projector {
	return &Projector{now: now}
}

// Project builds a SecurityLog from tx, the inner transaction object. ID, SourceHash
// and CreatedAt are left for the persistence layer.
func (p *Projector) Project(tx jsonvalue.Value, organizationID *string) *models.SecurityLog {
	request := tx.Path("request")
	response := tx.Path("response")
	headers := sanitize.Value(request.Path("headers"))
	detail := firstMessage(tx)

	score, hasScore := detail.Path("details", "severity").AsFloat()
	responseCode, hasCode := responseStatus(response)

	log := &models.SecurityLog{
		OrganizationID: organizationID,
		Timestamp:      p.eventTime(tx),
		ClientIP:       textField(tx.Path("client_ip")),
		ClientPort:     intField(tx.Path("client_port")),
		Host:           resolveHost(request, headers),
		Method:         textField(request.Path("method")),
		RequestURL:     textField(request.Path("uri")),
		HTTPVersion:    optionalText(request.Path("http_version")),
		Rule:           ruleText(detail),
		RuleID:         optionalText(detail.Path("details", "ruleId")),
		Message:        optionalText(detail.Path("message")),
		Maturity:       intField(detail.Path("details", "maturity")),
		UserAgent:      optionalText(headerValue(headers, "User-Agent")),
		Headers:        objectJSON(headers),
		ResponseHeader: objectJSON(sanitize.Value(response.Path("headers"))),
		Severity:       ClassifySeverity(score, hasScore),
		Action:         ClassifyAction(responseCode, hasCode, score, hasScore),
	}
	if hasCode {
		log.ResponseCode = &responseCode
	}
	applyDefaults(log)
	return log
}

// ClassifySeverity maps a severity score onto its band. A missing score is LOW.
func ClassifySeverity(score float64, ok bool) models.Severity {
	if !ok {
		return models.SeverityLow
	}
	switch {
	case score >= criticalScore:
		return models.SeverityCritical
	case score >= highScore:
		return models.SeverityHigh
	case score >= mediumScore:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// ClassifyAction reports blocked for a 403/406 response or a score of 6 and above.
func ClassifyAction(responseCode int, hasCode bool, score float64, hasScore bool) models.Action {
	if hasCode && (responseCode == 403 || responseCode == 406) {
		return models.ActionBlocked
	}
	if hasScore && score >= blockingScore {
		return models.ActionBlocked
	}
	return models.ActionWarning
}

func applyDefaults(log *models.SecurityLog) {
	if log.ClientIP == "" {
		log.ClientIP = DefaultClientIP
	}
	if log.Host == "" {
		log.Host = DefaultHost
	}
	if log.Method == "" {
		log.Method = DefaultMethod
	}
	if log.RequestURL == "" {
		log.RequestURL = DefaultRequestURL
	}
	if log.Action == "" {
		log.Action = models.ActionWarning
	}
	if log.Severity == "" {
		log.Severity = models.SeverityLow
	}
}

func (p *Projector) eventTime(tx jsonvalue.Value) time.Time {
	for _, key := range []string{"time_stamp", "timestamp"} {
		if t, ok := ParseTime(tx.Path(key)); ok {
			return t
		}
	}
	if t, ok := ParseTime(tx.Path("unix_timestamp")); ok {
		return t
	}
	return p.now().UTC()
}

func firstMessage(tx jsonvalue.Value) jsonvalue.Value {
	return tx.Path("messages").Index(0)
}

func responseStatus(response jsonvalue.Value) (int, bool) {
	if code, ok := response.Path("http_code").AsInt(); ok {
		return code, true
	}
	return response.Path("status").AsInt()
}

// resolveHost prefers request.hostname, then the Host header without its port.
func resolveHost(request, headers jsonvalue.Value) string {
	if host := textField(request.Path("hostname")); host != "" {
		return host
	}
	header := textField(headerValue(headers, "Host"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "[") {
		if end := strings.Index(header, "]"); end > 0 {
			return header[:end+1]
		}
	}
	host, _, _ := strings.Cut(header, ":")
	return strings.TrimSpace(host)
}

// headerValue looks a header up case-insensitively. Engines log either a string
// or a list of strings per header; the first entry of a list is used.
func headerValue(headers jsonvalue.Value, name string) jsonvalue.Value {
	v, ok := headers.GetFold(name)
	if !ok {
		return jsonvalue.NullValue()
	}
	if v.Kind() == jsonvalue.Array {
		return v.Index(0)
	}
	return v
}

func ruleText(detail jsonvalue.Value) *string {
	if rule := optionalText(detail.Path("details", "match")); rule != nil {
		return rule
	}
	return optionalText(detail.Path("details", "data"))
}

func textField(v jsonvalue.Value) string {
	s, ok := v.Text()
	if !ok {
		return ""
	}
	return strings.TrimSpace(sanitize.String(s))
}

func optionalText(v jsonvalue.Value) *string {
	s := textField(v)
	if s == "" {
		return nil
	}
	return &s
}

func intField(v jsonvalue.Value) *int {
	n, ok := v.AsInt()
	if !ok {
		return nil
	}
	return &n
}

// objectJSON encodes a header object for a jsonb column. Member keys are not
// sanitized upstream, so NUL and invalid UTF-8 are removed from them here.
func objectJSON(v jsonvalue.Value) []byte {
	if v.Kind() != jsonvalue.Object || v.Len() == 0 {
		return nil
	}
	b, err := jsonbKeys(v).MarshalJSON()
	if err != nil {
		return nil
	}
	return b
}

func jsonbKeys(v jsonvalue.Value) jsonvalue.Value {
	switch v.Kind() {
	case jsonvalue.Object:
		members := make([]jsonvalue.Member, 0, v.Len())
		for _, m := range v.Members() {
			key := strings.ToValidUTF8(strings.ReplaceAll(m.Key, "\x00", ""), "")
			members = append(members, jsonvalue.Member{Key: key, Value: jsonbKeys(m.Value)})
		}
		return jsonvalue.ObjectValue(members...)
	case jsonvalue.Array:
		items := make([]jsonvalue.Value, 0, v.Len())
		for _, item := range v.Elements() {
			items = append(items, jsonbKeys(item))
		}
		return jsonvalue.ArrayValue(items...)
	}
	return v
}
