// Package models - landing_record.go defines LandingRecord, one raw unit of WAF
// telemetry appended by an ingestion agent and later migrated into security_logs.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LandingRecord is an immutable raw telemetry row. Processed only ever moves from
// false to true; the claim columns are a short-lived lease held while a processor
// works on the row.
type LandingRecord struct {
	ID         string          `db:"id" json:"id"`
	Tag        *string         `db:"tag" json:"tag,omitempty"`
	ReceivedAt time.Time       `db:"time" json:"received_at"`
	Data       json.RawMessage `db:"data" json:"data"`
	Processed  bool            `db:"processed" json:"processed"`
	ClaimedAt  *time.Time      `db:"claimed_at" json:"-"`
	ClaimToken uuid.NullUUID   `db:"claim_token" json:"-"`
}
