// Package models - security_log.go defines SecurityLog, the canonical record projected
// from a WAF transaction, together with its action and severity enums.
package models

import (
	"encoding/json"
	"time"
)

// Action is what the edge did, or would have done, with the request.
type Action string

const (
	ActionBlocked Action = "blocked"
	ActionWarning Action = "warning"
)

// Severity is the classification band derived from the rule's severity score.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// SecurityLog is written exactly once per processed landing record and never updated.
// SourceHash identifies the originating landing record without a foreign key so a
// retried record cannot be written twice.
type SecurityLog struct {
	ID             string          `db:"id" json:"id"`
	OrganizationID *string         `db:"organization_id" json:"organization_id,omitempty"`
	Action         Action          `db:"action" json:"action"`
	Severity       Severity        `db:"severity" json:"severity"`
	Timestamp      time.Time       `db:"timestamp" json:"timestamp"`
	ClientIP       string          `db:"client_ip" json:"client_ip"`
	ClientPort     *int            `db:"client_port" json:"client_port,omitempty"`
	Host           string          `db:"host" json:"host"`
	Method         string          `db:"method" json:"method"`
	RequestURL     string          `db:"request_url" json:"request_url"`
	HTTPVersion    *string         `db:"http_version" json:"http_version,omitempty"`
	Rule           *string         `db:"rule" json:"rule,omitempty"`
	RuleID         *string         `db:"rule_id" json:"rule_id,omitempty"`
	Message        *string         `db:"message" json:"message,omitempty"`
	Maturity       *int            `db:"maturity" json:"maturity,omitempty"`
	UserAgent      *string         `db:"user_agent" json:"user_agent,omitempty"`
	Headers        json.RawMessage `db:"headers" json:"headers,omitempty"`
	ResponseHeader json.RawMessage `db:"response_header" json:"response_header,omitempty"`
	ResponseCode   *int            `db:"response_code" json:"response_code,omitempty"`
	SourceHash     *string         `db:"source_hash" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
