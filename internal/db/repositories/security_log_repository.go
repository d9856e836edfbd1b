// security_log_repository.go implements SecurityLogRepository. Writing a log and
// flipping the originating landing record to processed happen in one transaction,
// and source_hash makes the insert idempotent across retries.
package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/waflog/waflog-backend/internal/db/models"
)

// ErrClaimLost is returned when the landing record is no longer held under the
// caller's claim token at commit time.
var ErrClaimLost = errors.New("landing record claim lost")

// SecurityLogRepository handles security log database operations
type SecurityLogRepository struct {
	db *sqlx.DB
}

// NewSecurityLogRepository creates a new SecurityLogRepository
func NewSecurityLogRepository(db *sqlx.DB) *SecurityLogRepository {
	return &SecurityLogRepository{db: db}
}

// SourceHash derives the idempotency key stored on a log from its landing record id.
func SourceHash(landingID string) string {
	sum := sha256.Sum256([]byte(landingID))
	return hex.EncodeToString(sum[:])
}

// CreateAndMarkProcessed inserts log and marks the landing record processed,
// provided it is still held under claimToken. If a log for the same landing record
// already exists the insert is skipped, created is false and log takes the stored
// row's id and created_at; the record is still marked processed.
func (r *SecurityLogRepository) CreateAndMarkProcessed(ctx context.Context, log *models.SecurityLog, landingID string, claimToken uuid.UUID) (created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	log.ID = uuid.New().String()
	log.CreatedAt = time.Now().UTC()
	hash := SourceHash(landingID)
	log.SourceHash = &hash

	insert := `
		INSERT INTO security_logs (
			id, organization_id, action, severity, timestamp, client_ip, client_port,
			host, method, request_url, http_version, rule, rule_id, message, maturity,
			user_agent, headers, response_header, response_code, source_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (source_hash) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, insert,
		log.ID,
		log.OrganizationID,
		log.Action,
		log.Severity,
		log.Timestamp,
		log.ClientIP,
		log.ClientPort,
		log.Host,
		log.Method,
		log.RequestURL,
		log.HTTPVersion,
		log.Rule,
		log.RuleID,
		log.Message,
		log.Maturity,
		log.UserAgent,
		nullableJSON(log.Headers),
		nullableJSON(log.ResponseHeader),
		log.ResponseCode,
		log.SourceHash,
		log.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert security log: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert security log: %w", err)
	}
	if inserted == 0 {
		existing := `SELECT id, created_at FROM security_logs WHERE source_hash = $1`
		if err := tx.QueryRowxContext(ctx, existing, hash).Scan(&log.ID, &log.CreatedAt); err != nil {
			return false, fmt.Errorf("failed to load existing security log: %w", err)
		}
	}

	mark := `
		UPDATE landing_records
		SET processed = true, claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND processed = false
	`
	res, err = tx.ExecContext(ctx, mark, landingID, claimToken)
	if err != nil {
		return false, fmt.Errorf("failed to mark landing record processed: %w", err)
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark landing record processed: %w", err)
	}
	if marked != 1 {
		return false, ErrClaimLost
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit security log: %w", err)
	}
	return inserted == 1, nil
}

// nullableJSON keeps empty documents out of jsonb columns.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
