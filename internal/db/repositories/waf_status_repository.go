// waf_status_repository.go implements WAFStatusRepository for the per-domain
// enforcement state last confirmed by an edge agent.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/waflog/waflog-backend/internal/db/models"
)

// WAFStatusRepository handles waf_domain_status database operations
type WAFStatusRepository struct {
	db *sqlx.DB
}

// NewWAFStatusRepository creates a new WAFStatusRepository
func NewWAFStatusRepository(db *sqlx.DB) *WAFStatusRepository {
	return &WAFStatusRepository{db: db}
}

// Upsert records the enforcement state for a domain.
func (r *WAFStatusRepository) Upsert(ctx context.Context, status *models.WAFDomainStatus) error {
	status.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO waf_domain_status (domain, enforcement_enabled, enforcement_status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE SET
			enforcement_enabled = EXCLUDED.enforcement_enabled,
			enforcement_status = EXCLUDED.enforcement_status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		status.Domain,
		status.EnforcementEnabled,
		status.EnforcementStatus,
		status.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert waf status: %w", err)
	}
	return nil
}

// Get returns the stored state for a domain, or nil, nil if none was recorded.
func (r *WAFStatusRepository) Get(ctx context.Context, domain string) (*models.WAFDomainStatus, error) {
	query := `
		SELECT domain, enforcement_enabled, enforcement_status, updated_at
		FROM waf_domain_status
		WHERE domain = $1
	`
	status := &models.WAFDomainStatus{}
	if err := r.db.GetContext(ctx, status, query, domain); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get waf status: %w", err)
	}
	return status, nil
}
