package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/billing"
	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/models"
	"github.com/apimeter/apimeter/internal/util"
)

// AdminHandler serves the operator endpoints: provisioning, pricing, the
// billing trigger, and platform analytics.
type AdminHandler struct {
	db         *gorm.DB
	resolver   *credential.Resolver
	aggregator *billing.Aggregator
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(conn *gorm.DB, resolver *credential.Resolver, aggregator *billing.Aggregator) *AdminHandler {
	return &AdminHandler{db: conn, resolver: resolver, aggregator: aggregator}
}

// createOrgRequest is the payload for organization creation.
type createOrgRequest struct {
	Name         string     `json:"name" binding:"required"`
	BillingEmail string     `json:"billing_email" binding:"required"`
	PlanID       *uuid.UUID `json:"plan_id"`
}

// CreateOrg provisions an organization.
func (h *AdminHandler) CreateOrg(c *gin.Context) {
	var req createOrgRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	org := models.Organization{
		Name:         req.Name,
		BillingEmail: req.BillingEmail,
		PlanID:       req.PlanID,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&org).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, org)
}

// createKeyRequest is the payload for credential provisioning.
type createKeyRequest struct {
	OrgID           uuid.UUID `json:"org_id" binding:"required"`
	Name            string    `json:"name" binding:"required"`
	RateLimitPerSec int       `json:"rate_limit_per_sec"`
}

// CreateKey provisions a credential and returns the full secret exactly once.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.RateLimitPerSec <= 0 {
		req.RateLimitPerSec = 5
	}
	apiKey, secret, errIssue := credential.Issue(c.Request.Context(), h.db, req.OrgID, req.Name, req.RateLimitPerSec)
	if errIssue != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provisioning failed"})
		return
	}
	log.Infof("admin: issued key %s (%s) for org %s", apiKey.ID, util.HideSecret(secret), req.OrgID)
	c.JSON(http.StatusCreated, gin.H{
		"id":                 apiKey.ID,
		"org_id":             apiKey.OrgID,
		"name":               apiKey.Name,
		"key_prefix":         apiKey.KeyPrefix,
		"rate_limit_per_sec": apiKey.RateLimitPerSec,
		"secret":             secret,
	})
}

// ListKeys returns provisioned credentials, optionally scoped to one
// organization. Secret digests are never included.
func (h *AdminHandler) ListKeys(c *gin.Context) {
	query := h.db.WithContext(c.Request.Context()).Order("created_at ASC")
	if raw := c.Query("org_id"); raw != "" {
		orgID, errParse := uuid.Parse(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid org id"})
			return
		}
		query = query.Where("org_id = ?", orgID)
	}
	var keys []models.APIKey
	if errFind := query.Find(&keys).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		out = append(out, gin.H{
			"id":                 key.ID,
			"org_id":             key.OrgID,
			"name":               key.Name,
			"key_prefix":         key.KeyPrefix,
			"active":             key.Active,
			"rate_limit_per_sec": key.RateLimitPerSec,
			"created_at":         key.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// DeactivateKey permanently retires a credential.
func (h *AdminHandler) DeactivateKey(c *gin.Context) {
	id, errParse := uuid.Parse(c.Param("id"))
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}
	errDeactivate := h.resolver.Deactivate(c.Request.Context(), id)
	if errors.Is(errDeactivate, credential.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if errDeactivate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deactivate failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// createPlanRequest is the payload for plan creation with its rules.
type createPlanRequest struct {
	Name     string          `json:"name" binding:"required"`
	BaseCost decimal.Decimal `json:"base_cost"`
	Currency string          `json:"currency"`
	Rules    []struct {
		ResourceName  string          `json:"resource_name" binding:"required"`
		UnitPrice     decimal.Decimal `json:"unit_price"`
		FreeTierLimit int             `json:"free_tier_limit"`
	} `json:"rules"`
}

// CreatePlan provisions a pricing plan together with its rules. The unique
// (plan, resource) index rejects duplicate rules.
func (h *AdminHandler) CreatePlan(c *gin.Context) {
	var req createPlanRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	plan := models.PricingPlan{
		Name:     req.Name,
		BaseCost: req.BaseCost,
		Currency: req.Currency,
	}
	for _, rule := range req.Rules {
		plan.Rules = append(plan.Rules, models.PricingRule{
			ResourceName:  rule.ResourceName,
			UnitPrice:     rule.UnitPrice,
			FreeTierLimit: rule.FreeTierLimit,
		})
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&plan).Error; errCreate != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "create failed, duplicate rule?"})
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// ListPlans returns all pricing plans with their rules.
func (h *AdminHandler) ListPlans(c *gin.Context) {
	var plans []models.PricingPlan
	if errFind := h.db.WithContext(c.Request.Context()).Preload("Rules").Order("created_at ASC").Find(&plans).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// generateInvoiceRequest is the payload for the billing trigger.
type generateInvoiceRequest struct {
	OrgID     uuid.UUID `json:"org_id" binding:"required"`
	StartDate string    `json:"start_date" binding:"required"`
	EndDate   string    `json:"end_date" binding:"required"`
}

// GenerateInvoice triggers invoice generation for an organization and period.
func (h *AdminHandler) GenerateInvoice(c *gin.Context) {
	var req generateInvoiceRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	startDate, errStart := time.Parse(time.DateOnly, req.StartDate)
	endDate, errEnd := time.Parse(time.DateOnly, req.EndDate)
	if errStart != nil || errEnd != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dates must be YYYY-MM-DD"})
		return
	}

	invoice, errGenerate := h.aggregator.GenerateInvoice(c.Request.Context(), req.OrgID, startDate, endDate)
	if errors.Is(errGenerate, billing.ErrOrganizationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
		return
	}
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invoice generation failed"})
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// updateInvoiceStatusRequest is the payload for lifecycle transitions.
type updateInvoiceStatusRequest struct {
	Status models.InvoiceStatus `json:"status" binding:"required"`
}

// UpdateInvoiceStatus moves an invoice along its lifecycle.
func (h *AdminHandler) UpdateInvoiceStatus(c *gin.Context) {
	id, errParse := uuid.Parse(c.Param("id"))
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}
	var req updateInvoiceStatusRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	invoice, errUpdate := billing.UpdateStatus(c.Request.Context(), h.db, id, req.Status)
	if errors.Is(errUpdate, billing.ErrInvoiceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}
	if errors.Is(errUpdate, billing.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": errUpdate.Error()})
		return
	}
	if errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// endpointCount is one row of the analytics usage breakdown.
type endpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// Analytics returns platform-wide counts for the operator: organizations,
// active credentials, total recorded requests, and a per-resource breakdown.
func (h *AdminHandler) Analytics(c *gin.Context) {
	ctx := c.Request.Context()

	var orgCount, activeKeyCount, requestCount int64
	if errCount := h.db.WithContext(ctx).Model(&models.Organization{}).Count(&orgCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics failed"})
		return
	}
	if errCount := h.db.WithContext(ctx).Model(&models.APIKey{}).Where("active = ?", true).Count(&activeKeyCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics failed"})
		return
	}
	if errCount := h.db.WithContext(ctx).Model(&models.UsageLog{}).Count(&requestCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics failed"})
		return
	}

	var byEndpoint []endpointCount
	if errScan := h.db.WithContext(ctx).
		Model(&models.UsageLog{}).
		Select("endpoint, COUNT(*) AS count").
		Group("endpoint").
		Order("count DESC").
		Scan(&byEndpoint).Error; errScan != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organizations":        orgCount,
		"active_keys":          activeKeyCount,
		"requests":             requestCount,
		"requests_by_endpoint": byEndpoint,
	})
}
