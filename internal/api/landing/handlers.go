// Package landing implements the ingest endpoint that edge agents push raw WAF
// telemetry to. Documents are stored verbatim as landing records and migrated into
// security logs later by the batch processor.
package landing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/waflog/waflog-backend/internal/db/models"
	"github.com/waflog/waflog-backend/internal/jsonvalue"
	"github.com/waflog/waflog-backend/internal/middleware"
	"github.com/waflog/waflog-backend/internal/telemetry"
)

const (
	// MaxDocumentsPerRequest bounds a JSON array upload.
	MaxDocumentsPerRequest = 1000
	maxTagLength           = 256
	// TagHeader may carry the tag instead of the ?tag= query parameter.
	TagHeader = "X-Landing-Tag"
)

// Store appends landing records.
type Store interface {
	CreateBatch(ctx context.Context, records []*models.LandingRecord) error
}

// Handler serves POST /api/v1/landing.
type Handler struct {
	store Store
}

// NewHandler creates a new landing handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Ingest accepts one JSON document, or a JSON array of documents, and appends
// each as an unprocessed landing record. The whole request is stored or nothing is.
func (h *Handler) Ingest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body: " + err.Error()})
		return
	}

	tag := strings.TrimSpace(c.Query("tag"))
	if tag == "" {
		tag = strings.TrimSpace(c.GetHeader(TagHeader))
	}
	if len(tag) > maxTagLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Tag must be at most 256 characters"})
		return
	}

	doc, err := jsonvalue.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body is not valid JSON: " + err.Error()})
		return
	}

	docs := []jsonvalue.Value{doc}
	if doc.Kind() == jsonvalue.Array {
		docs = doc.Elements()
	}
	if len(docs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No documents in request"})
		return
	}
	if len(docs) > MaxDocumentsPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many documents in one request"})
		return
	}

	records := make([]*models.LandingRecord, 0, len(docs))
	for i, d := range docs {
		if d.IsNull() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Document must not be null", "index": i})
			return
		}
		data, err := d.MarshalJSON()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to encode document", "index": i})
			return
		}
		rec := &models.LandingRecord{Data: data}
		if tag != "" {
			t := tag
			rec.Tag = &t
		}
		records = append(records, rec)
	}

	if err := h.store.CreateBatch(c.Request.Context(), records); err != nil {
		slog.Error("failed to store landing records",
			"request_id", middleware.RequestID(c), "count", len(records), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store landing records"})
		return
	}
	telemetry.LandingRecordsIngestedTotal.Add(float64(len(records)))

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": len(records),
		"ids":      ids,
	})
}
