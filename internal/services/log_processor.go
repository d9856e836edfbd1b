// Package services implements the business logic that sits between the HTTP/cron
// drivers and the repositories. LogProcessor drains the landing backlog into
// security_logs, one claimed record at a time.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/normalize"
	"github.com/waflog/waflog-backend/internal/projector"
	"github.com/waflog/waflog-backend/internal/sanitize"
	"github.com/waflog/waflog-backend/internal/telemetry"
)

var (
	// ErrLandingRecordNotFound is returned by ProcessRecord for an unknown id.
	ErrLandingRecordNotFound = errors.New("landing record not found")
	// ErrAlreadyProcessed is returned by ProcessRecord for a record already migrated.
	ErrAlreadyProcessed = errors.New("landing record already processed")
	// ErrRecordClaimed is returned when another processor holds the record's lease.
	ErrRecordClaimed = errors.New("landing record is claimed by another processor")
)

const (
	// DefaultBatchSize is used when a caller passes a non-positive batch size.
	DefaultBatchSize = 100
	// DefaultClaimLease bounds how long a crashed processor can hold a record.
	DefaultClaimLease = 5 * time.Minute
)

// LandingStore is the landing_records access the processor needs.
type LandingStore interface {
	ListUnprocessed(ctx context.Context, limit, offset int) ([]*models.LandingRecord, error)
	GetByID(ctx context.Context, id string) (*models.LandingRecord, error)
	Claim(ctx context.Context, id string, token uuid.UUID, lease time.Duration) (bool, error)
	Release(ctx context.Context, id string, token uuid.UUID) error
}

// LogStore persists a projected log and marks its landing record processed atomically.
type LogStore interface {
	CreateAndMarkProcessed(ctx context.Context, log *models.SecurityLog, landingID string, claimToken uuid.UUID) (bool, error)
}

// RecordError pairs a landing record id with the reason it was not processed.
type RecordError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult summarises one ProcessAll run. Skipped records were held by a
// concurrent processor and are neither failures nor successes of this run.
type BatchResult struct {
	ProcessedCount int           `json:"processedCount"`
	FailedCount    int           `json:"failedCount"`
	SkippedCount   int           `json:"skippedCount"`
	Errors         []RecordError `json:"errors"`
	Duration       time.Duration `json:"-"`
}

// LogProcessor runs landing records through normalize, sanitize and project, and
// commits the result.
type LogProcessor struct {
	landing   LandingStore
	logs      LogStore
	projector *projector.Projector
	lease     time.Duration
}

// NewLogProcessor creates a new LogProcessor
func NewLogProcessor(landing LandingStore, logs LogStore, p *projector.Projector) *LogProcessor {
	if p == nil {
		p = projector.New()
	}
	return &LogProcessor{
		landing:   landing,
		logs:      logs,
		projector: p,
		lease:     DefaultClaimLease,
	}
}

// WithClaimLease overrides DefaultClaimLease.
func (p *LogProcessor) WithClaimLease(lease time.Duration) *LogProcessor {
	if lease > 0 {
		p.lease = lease
	}
	return p
}

// ProcessAll drains every unprocessed landing record, oldest first, in pages of
// batchSize. Per-record failures are collected in the result; the returned error
// is non-nil only when a page cannot be listed or ctx is cancelled, and the
// partial result is returned alongside it.
//
// Records that leave the unprocessed set drop out of the next page, so the offset
// only advances past records that stay behind (failures and records held by
// another processor).
func (p *LogProcessor) ProcessAll(ctx context.Context, organizationID *string, batchSize int) (*BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	start := time.Now()
	result := &BatchResult{Errors: []RecordError{}}
	defer func() {
		result.Duration = time.Since(start)
		telemetry.LogBatchDuration.Observe(result.Duration.Seconds())
	}()

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page, err := p.landing.ListUnprocessed(ctx, batchSize, offset)
		if err != nil {
			return result, fmt.Errorf("failed to list unprocessed landing records at offset %d: %w", offset, err)
		}

		leftBehind := 0
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			_, err := p.run(ctx, rec, organizationID)
			switch {
			case err == nil:
				result.ProcessedCount++
				telemetry.LandingRecordsProcessedTotal.WithLabelValues("processed").Inc()
			case errors.Is(err, ErrRecordClaimed):
				leftBehind++
				result.SkippedCount++
				telemetry.LandingRecordsProcessedTotal.WithLabelValues("skipped").Inc()
			default:
				leftBehind++
				result.FailedCount++
				result.Errors = append(result.Errors, RecordError{ID: rec.ID, Error: err.Error()})
				telemetry.LandingRecordsProcessedTotal.WithLabelValues("failed").Inc()
			}
		}

		if len(page) < batchSize {
			return result, nil
		}
		offset += leftBehind
	}
}

// ProcessRecord processes one landing record by id.
func (p *LogProcessor) ProcessRecord(ctx context.Context, id string, organizationID *string) (*models.SecurityLog, error) {
	rec, err := p.landing.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrLandingRecordNotFound
	}
	if rec.Processed {
		return nil, ErrAlreadyProcessed
	}

	log, err := p.run(ctx, rec, organizationID)
	if err != nil {
		result := "failed"
		if errors.Is(err, ErrRecordClaimed) {
			result = "skipped"
		}
		telemetry.LandingRecordsProcessedTotal.WithLabelValues(result).Inc()
		return nil, err
	}
	telemetry.LandingRecordsProcessedTotal.WithLabelValues("processed").Inc()
	return log, nil
}

// run claims rec, builds its log and commits it. The claim is released on any
// failure so the record is eligible for the next run.
func (p *LogProcessor) run(ctx context.Context, rec *models.LandingRecord, organizationID *string) (*models.SecurityLog, error) {
	token := uuid.New()
	ok, err := p.landing.Claim(ctx, rec.ID, token, p.lease)
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Debug("landing record claimed elsewhere, skipping", "landing_id", rec.ID)
		return nil, ErrRecordClaimed
	}

	log, err := p.build(rec, organizationID)
	if err != nil {
		slog.Warn("failed to parse landing record", "landing_id", rec.ID, "error", err)
		p.release(ctx, rec.ID, token)
		return nil, err
	}

	created, err := p.logs.CreateAndMarkProcessed(ctx, log, rec.ID, token)
	if err != nil {
		slog.Error("failed to persist security log",
			"landing_id", rec.ID,
			"client_ip", log.ClientIP,
			"host", log.Host,
			"method", log.Method,
			"request_url", log.RequestURL,
			"action", log.Action,
			"severity", log.Severity,
			"error", err,
		)
		p.release(ctx, rec.ID, token)
		return nil, err
	}
	if !created {
		slog.Debug("security log already stored for landing record", "landing_id", rec.ID, "log_id", log.ID)
	}
	return log, nil
}

func (p *LogProcessor) release(ctx context.Context, id string, token uuid.UUID) {
	if err := p.landing.Release(context.WithoutCancel(ctx), id, token); err != nil {
		slog.Warn("failed to release landing record claim", "landing_id", id, "error", err)
	}
}

func (p *LogProcessor) build(rec *models.LandingRecord, organizationID *string) (*models.SecurityLog, error) {
	env, err := normalize.NormalizeBytes(rec.Data)
	if err != nil {
		return nil, err
	}
	tx := sanitize.Value(env.Transaction)
	return p.projector.Project(tx, organizationID), nil
}
