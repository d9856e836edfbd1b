// landing_repository.go implements LandingRepository, the append and drain side of
// the landing_records table: ingestion inserts rows, processors page through the
// unprocessed backlog and claim rows one at a time before working on them.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/waflog/waflog-backend/internal/db/models"
)

const landingColumns = `id, tag, time, data, processed, claimed_at, claim_token`

// LandingRepository handles landing record database operations
type LandingRepository struct {
	db *sqlx.DB
}

// NewLandingRepository creates a new LandingRepository
func NewLandingRepository(db *sqlx.DB) *LandingRepository {
	return &LandingRepository{db: db}
}

// Create appends a single landing record. ID and ReceivedAt are assigned here.
func (r *LandingRepository) Create(ctx context.Context, rec *models.LandingRecord) error {
	return r.CreateBatch(ctx, []*models.LandingRecord{rec})
}

// CreateBatch appends records in one transaction, so a multi-document ingest is
// either stored completely or not at all.
func (r *LandingRepository) CreateBatch(ctx context.Context, records []*models.LandingRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin landing insert: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	query := `
		INSERT INTO landing_records (id, tag, time, data, processed)
		VALUES ($1, $2, $3, $4, false)
	`
	now := time.Now().UTC()
	for _, rec := range records {
		rec.ID = uuid.New().String()
		rec.ReceivedAt = now
		rec.Processed = false
		if _, err := tx.ExecContext(ctx, query, rec.ID, rec.Tag, rec.ReceivedAt, []byte(rec.Data)); err != nil {
			return fmt.Errorf("failed to insert landing record: %w", err)
		}
	}

	return tx.Commit()
}

// ListUnprocessed returns one page of the unprocessed backlog, oldest first.
// Ties on time are broken by id so pages are stable.
func (r *LandingRepository) ListUnprocessed(ctx context.Context, limit, offset int) ([]*models.LandingRecord, error) {
	query := `
		SELECT ` + landingColumns + `
		FROM landing_records
		WHERE processed = false
		ORDER BY time ASC, id ASC
		LIMIT $1 OFFSET $2
	`
	var records []*models.LandingRecord
	if err := r.db.SelectContext(ctx, &records, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed landing records: %w", err)
	}
	return records, nil
}

// GetByID retrieves a landing record. A missing record returns nil, nil.
func (r *LandingRepository) GetByID(ctx context.Context, id string) (*models.LandingRecord, error) {
	query := `SELECT ` + landingColumns + ` FROM landing_records WHERE id = $1`

	rec := &models.LandingRecord{}
	err := r.db.GetContext(ctx, rec, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get landing record: %w", err)
	}
	return rec, nil
}

// CountUnprocessed returns the size of the backlog.
func (r *LandingRepository) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM landing_records WHERE processed = false`); err != nil {
		return 0, fmt.Errorf("failed to count unprocessed landing records: %w", err)
	}
	return n, nil
}

// Claim takes a lease on an unprocessed record. It reports false when the record
// is already processed or another processor holds an unexpired lease.
func (r *LandingRepository) Claim(ctx context.Context, id string, token uuid.UUID, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE landing_records
		SET claimed_at = $1, claim_token = $2
		WHERE id = $3
		  AND processed = false
		  AND (claimed_at IS NULL OR claimed_at < $4)
	`
	res, err := r.db.ExecContext(ctx, query, now, token, id, now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("failed to claim landing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim landing record: %w", err)
	}
	return n == 1, nil
}

// Release drops a lease held under token. Releasing a lease that has since been
// taken over is a no-op.
func (r *LandingRepository) Release(ctx context.Context, id string, token uuid.UUID) error {
	query := `
		UPDATE landing_records
		SET claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND processed = false
	`
	if _, err := r.db.ExecContext(ctx, query, id, token); err != nil {
		return fmt.Errorf("failed to release landing record: %w", err)
	}
	return nil
}
