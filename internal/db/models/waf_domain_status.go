// Package models - waf_domain_status.go records the last enforcement state an edge
// agent confirmed for a domain.
package models

import "time"

// WAFDomainStatus is only written after the agent has acknowledged a toggle.
type WAFDomainStatus struct {
	Domain             string    `db:"domain" json:"domain"`
	EnforcementEnabled bool      `db:"enforcement_enabled" json:"enforcement_enabled"`
	EnforcementStatus  string    `db:"enforcement_status" json:"enforcement_status"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}
