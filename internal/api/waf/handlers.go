// Package waf implements the enforcement toggle endpoints. A toggle is recorded
// locally only after the edge agent has acknowledged it.
package waf

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waflog/waflog-backend/internal/agent"
	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/middleware"
)

// Toggler sends a signed toggle command to the edge agent.
type Toggler interface {
	ToggleEnforcement(ctx context.Context, domain string, enabled bool) (*agent.ToggleResult, error)
}

// StatusStore persists confirmed enforcement state.
type StatusStore interface {
	Upsert(ctx context.Context, status *models.WAFDomainStatus) error
	Get(ctx context.Context, domain string) (*models.WAFDomainStatus, error)
}

// Handler serves /api/v1/waf.
type Handler struct {
	toggler Toggler
	store   StatusStore
}

// NewHandler creates a new WAF handler
func NewHandler(toggler Toggler, store StatusStore) *Handler {
	return &Handler{toggler: toggler, store: store}
}

// ToggleRequest is the body of POST /api/v1/waf/:domain/toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// Toggle asks the agent to switch enforcement and, on success only, stores the
// new state.
func (h *Handler) Toggle(c *gin.Context) {
	domain := c.Param("domain")
	if err := agent.ValidateDomain(domain); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be {\"enabled\": true|false}"})
		return
	}
	enabled := *req.Enabled

	result, err := h.toggler.ToggleEnforcement(c.Request.Context(), domain, enabled)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrInvalidDomain):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case agent.IsUpstream(err):
			slog.Warn("waf toggle refused upstream",
				"request_id", middleware.RequestID(c), "domain", domain, "enabled", enabled, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			slog.Error("waf toggle failed", "domain", domain, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to toggle enforcement"})
		}
		return
	}

	status := &models.WAFDomainStatus{
		Domain:             domain,
		EnforcementEnabled: enabled,
		EnforcementStatus:  result.EnforcementStatus,
	}
	if err := h.store.Upsert(c.Request.Context(), status); err != nil {
		// The agent has applied the change; only the local record is stale.
		slog.Error("waf toggle applied by agent but not recorded",
			"domain", domain, "enabled", enabled, "enforcement_status", result.EnforcementStatus, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Enforcement was changed on the agent but could not be recorded",
			"result": result,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":             domain,
		"enabled":            enabled,
		"status":             result.Status,
		"message":            result.Message,
		"enforcement_status": result.EnforcementStatus,
		"updated_at":         status.UpdatedAt,
	})
}

// Get returns the last confirmed enforcement state for a domain.
func (h *Handler) Get(c *gin.Context) {
	domain := c.Param("domain")
	if err := agent.ValidateDomain(domain); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := h.store.Get(c.Request.Context(), domain)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get enforcement status"})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No enforcement status recorded for domain"})
		return
	}
	c.JSON(http.StatusOK, status)
}
