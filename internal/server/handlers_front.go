package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/models"
	"github.com/apimeter/apimeter/internal/usage"
)

// FrontHandler serves the metered endpoints available to credential holders.
type FrontHandler struct {
	db *gorm.DB
}

// NewFrontHandler constructs a FrontHandler.
func NewFrontHandler(conn *gorm.DB) *FrontHandler {
	return &FrontHandler{db: conn}
}

// generateRequest is the payload for the demo generation endpoint.
type generateRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	MaxLength int    `json:"max_length"`
}

// Generate is the metered demo endpoint. The generation backend is an
// external collaborator; this stand-in produces deterministic output so the
// metering path can be exercised end to end.
func (h *FrontHandler) Generate(c *gin.Context) {
	var req generateRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.MaxLength <= 0 {
		req.MaxLength = 50
	}
	text := fmt.Sprintf("Generated text for: %s", req.Prompt)
	if len(text) > req.MaxLength {
		text = text[:req.MaxLength]
	}
	c.JSON(http.StatusOK, gin.H{"generated_text": text})
}

// usageSummaryQuery defines query parameters for the usage summary.
type usageSummaryQuery struct {
	StartDate string `form:"start_date" binding:"required"`
	EndDate   string `form:"end_date" binding:"required"`
}

// UsageSummary returns per-resource, per-day usage counts for the caller's
// organization.
func (h *FrontHandler) UsageSummary(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var q usageSummaryQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date and end_date are required"})
		return
	}
	startDate, errStart := time.Parse(time.DateOnly, q.StartDate)
	endDate, errEnd := time.Parse(time.DateOnly, q.EndDate)
	if errStart != nil || errEnd != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dates must be YYYY-MM-DD"})
		return
	}

	rows, errSummarize := usage.Summarize(c.Request.Context(), h.db, identity.OrgID, startDate, endDate)
	if errSummarize != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

// ListInvoices returns the caller organization's invoices with their items,
// newest first.
func (h *FrontHandler) ListInvoices(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var invoices []models.Invoice
	errFind := h.db.WithContext(c.Request.Context()).
		Preload("Items").
		Where("org_id = ?", identity.OrgID).
		Order("created_at DESC").
		Find(&invoices).Error
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}
