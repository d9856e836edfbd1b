// Package logs implements the processing endpoints: batch and single-record
// migration of landing records, and control of the cron scheduler.
package logs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/jobs"
	"github.com/waflog/waflog-backend/internal/middleware"
	"github.com/waflog/waflog-backend/internal/normalize"
	"github.com/waflog/waflog-backend/internal/services"
)

const maxBatchSize = 10000

// Processor is the part of services.LogProcessor the handlers call.
type Processor interface {
	ProcessAll(ctx context.Context, organizationID *string, batchSize int) (*services.BatchResult, error)
	ProcessRecord(ctx context.Context, id string, organizationID *string) (*models.SecurityLog, error)
}

// Scheduler is the part of jobs.LogScheduler the handlers call.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
	Status() jobs.SchedulerStatus
	RunOnce(ctx context.Context, trigger string) (*services.BatchResult, error)
}

// Handler serves /api/v1/logs.
type Handler struct {
	processor        Processor
	scheduler        Scheduler
	defaultBatchSize int

	// baseCtx outlives requests; a scheduler started over HTTP runs under it.
	baseCtx context.Context
}

// NewHandler creates a new logs handler
func NewHandler(baseCtx context.Context, processor Processor, scheduler Scheduler, defaultBatchSize int) *Handler {
	if defaultBatchSize <= 0 {
		defaultBatchSize = services.DefaultBatchSize
	}
	return &Handler{
		processor:        processor,
		scheduler:        scheduler,
		defaultBatchSize: defaultBatchSize,
		baseCtx:          baseCtx,
	}
}

// ProcessAllRequest is the optional body of POST /api/v1/logs/process.
type ProcessAllRequest struct {
	OrganizationID *string `json:"organization_id"`
	BatchSize      int     `json:"batch_size"`
}

// ProcessRecordRequest is the optional body of POST /api/v1/logs/process/:id.
type ProcessRecordRequest struct {
	OrganizationID *string `json:"organization_id"`
}

func validOrganization(org *string) bool {
	if org == nil {
		return true
	}
	_, err := uuid.Parse(*org)
	return err == nil
}

// ProcessAll drains the unprocessed backlog and returns the counts. Per-record
// failures are part of a 200 response, not an error.
func (h *Handler) ProcessAll(c *gin.Context) {
	var req ProcessAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}
	if !validOrganization(req.OrganizationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id must be a UUID"})
		return
	}
	if req.BatchSize < 0 || req.BatchSize > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_size must be between 1 and 10000"})
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = h.defaultBatchSize
	}

	result, err := h.processor.ProcessAll(c.Request.Context(), req.OrganizationID, req.BatchSize)
	if err != nil {
		slog.Error("manual log processing aborted", "request_id", middleware.RequestID(c), "error", err)
		resp := gin.H{"error": "Processing aborted: " + err.Error()}
		if result != nil {
			resp["partial"] = result
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ProcessRecord migrates one landing record.
func (h *Handler) ProcessRecord(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landing record ID"})
		return
	}

	var req ProcessRecordRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}
	if !validOrganization(req.OrganizationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id must be a UUID"})
		return
	}

	log, err := h.processor.ProcessRecord(c.Request.Context(), id, req.OrganizationID)
	if err != nil {
		var parseErr *normalize.ParseError
		switch {
		case errors.Is(err, services.ErrLandingRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Landing record not found"})
		case errors.Is(err, services.ErrAlreadyProcessed):
			c.JSON(http.StatusConflict, gin.H{"error": "Landing record already processed"})
		case errors.Is(err, services.ErrRecordClaimed):
			c.JSON(http.StatusConflict, gin.H{"error": "Landing record is being processed elsewhere"})
		case errors.As(err, &parseErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Landing record could not be parsed: " + err.Error()})
		default:
			slog.Error("failed to process landing record", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process landing record: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, log)
}

// CronStatus reports the scheduler state.
func (h *Handler) CronStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// CronStart installs the cron timer.
func (h *Handler) CronStart(c *gin.Context) {
	if !h.scheduler.Status().Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "Cron processing is disabled by configuration"})
		return
	}
	h.scheduler.Start(h.baseCtx)
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// CronStop removes the cron timer, waiting for a scheduled run in flight to stop.
func (h *Handler) CronStop(c *gin.Context) {
	h.scheduler.Stop()
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// CronTrigger runs one guarded batch now. It returns 409 instead of queueing when
// a run is already in flight.
func (h *Handler) CronTrigger(c *gin.Context) {
	result, err := h.scheduler.RunOnce(c.Request.Context(), "manual")
	if err != nil {
		if errors.Is(err, jobs.ErrRunInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": "A processing run is already in flight"})
			return
		}
		resp := gin.H{"error": "Processing run failed: " + err.Error()}
		if result != nil {
			resp["partial"] = result
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, result)
}
