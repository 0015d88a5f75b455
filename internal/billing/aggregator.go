// Package billing converts recorded usage into invoices. Generation is
// idempotent: rerunning a period recomputes the same totals unless usage
// changed, and a paid invoice is never touched again.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/metrics"
	"github.com/apimeter/apimeter/internal/models"
)

// ErrOrganizationNotFound indicates the billed organization does not exist.
var ErrOrganizationNotFound = errors.New("billing: organization not found")

// dueDateGraceDays is added to the period end to produce the due date.
const dueDateGraceDays = 7

// Aggregator produces invoices from the usage log. Concurrent runs for the
// same (org, period) are serialized in process; the unique index on invoices
// backstops races across processes.
type Aggregator struct {
	db *gorm.DB

	mu       sync.Mutex
	inFlight map[string]*periodLock
}

// periodLock serializes one (org, period). refs counts waiters so the entry
// can be removed once the last holder releases it.
type periodLock struct {
	mu   sync.Mutex
	refs int
}

// NewAggregator constructs an Aggregator over the relational store.
func NewAggregator(conn *gorm.DB) *Aggregator {
	return &Aggregator{
		db:       conn,
		inFlight: make(map[string]*periodLock),
	}
}

// resourceCount is aggregated usage for one resource within the period.
type resourceCount struct {
	Endpoint string
	Count    int64
}

// GenerateInvoice aggregates usage for the organization and period and
// persists the resulting invoice with its items.
//
// Behavior at the edges is deliberate, not incidental: a PAID invoice is
// returned unchanged without recomputation; an organization without a plan
// gets a persisted zero-total invoice with no items; a period with end before
// start bills nothing for the same reason. Items of an existing non-paid
// invoice are replaced inside one transaction so no empty intermediate state
// is ever observable.
func (a *Aggregator) GenerateInvoice(ctx context.Context, orgID uuid.UUID, startDate, endDate time.Time) (*models.Invoice, error) {
	startDate = truncateToDate(startDate)
	endDate = truncateToDate(endDate)

	unlock := a.lockPeriod(periodKey(orgID, startDate, endDate))
	defer unlock()

	existing, errExisting := a.findExisting(ctx, orgID, startDate, endDate)
	if errExisting != nil {
		return nil, errExisting
	}
	if existing != nil && existing.Status == models.InvoiceStatusPaid {
		return existing, nil
	}

	var org models.Organization
	errOrg := a.db.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(errOrg, gorm.ErrRecordNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if errOrg != nil {
		return nil, fmt.Errorf("billing: load organization: %w", errOrg)
	}

	counts, errCounts := a.aggregateUsage(ctx, orgID, startDate, endDate)
	if errCounts != nil {
		return nil, errCounts
	}

	rules, errRules := a.loadRules(ctx, org.PlanID)
	if errRules != nil {
		return nil, errRules
	}
	if org.PlanID == nil {
		log.Infof("billing: org %s has no plan, invoice for %s..%s is zero (reason=no_plan)",
			orgID, startDate.Format(time.DateOnly), endDate.Format(time.DateOnly))
	}

	items, total, unbilled := priceUsage(counts, rules)
	for _, endpoint := range unbilled {
		log.Infof("billing: org %s resource %q has usage but no pricing rule, excluded from billing", orgID, endpoint)
	}

	invoice, errPersist := a.persist(ctx, existing, orgID, startDate, endDate, items, total)
	if errPersist != nil {
		return nil, errPersist
	}
	metrics.InvoicesGenerated.Inc()
	return invoice, nil
}

func (a *Aggregator) lockPeriod(key string) func() {
	a.mu.Lock()
	lock, ok := a.inFlight[key]
	if !ok {
		lock = &periodLock{}
		a.inFlight[key] = lock
	}
	lock.refs++
	a.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		a.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(a.inFlight, key)
		}
		a.mu.Unlock()
	}
}

func periodKey(orgID uuid.UUID, startDate, endDate time.Time) string {
	return orgID.String() + "|" + startDate.Format(time.DateOnly) + "|" + endDate.Format(time.DateOnly)
}

func truncateToDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (a *Aggregator) findExisting(ctx context.Context, orgID uuid.UUID, startDate, endDate time.Time) (*models.Invoice, error) {
	var invoice models.Invoice
	errFind := a.db.WithContext(ctx).
		Preload("Items").
		Where("org_id = ? AND start_date = ? AND end_date = ?", orgID, startDate, endDate).
		First(&invoice).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("billing: find invoice: %w", errFind)
	}
	return &invoice, nil
}

// aggregateUsage groups usage events by resource over the inclusive calendar
// date range. An inverted period aggregates nothing; "nothing to bill" is a
// valid outcome, not a failure.
func (a *Aggregator) aggregateUsage(ctx context.Context, orgID uuid.UUID, startDate, endDate time.Time) ([]resourceCount, error) {
	if endDate.Before(startDate) {
		log.Warnf("billing: org %s period %s..%s is inverted, billing nothing",
			orgID, startDate.Format(time.DateOnly), endDate.Format(time.DateOnly))
		return nil, nil
	}
	var counts []resourceCount
	errScan := a.db.WithContext(ctx).
		Model(&models.UsageLog{}).
		Select("endpoint, COUNT(*) AS count").
		Where("org_id = ? AND timestamp >= ? AND timestamp < ?", orgID, startDate, endDate.AddDate(0, 0, 1)).
		Group("endpoint").
		Scan(&counts).Error
	if errScan != nil {
		return nil, fmt.Errorf("billing: aggregate usage: %w", errScan)
	}
	return counts, nil
}

func (a *Aggregator) loadRules(ctx context.Context, planID *uuid.UUID) (map[string]models.PricingRule, error) {
	if planID == nil {
		return nil, nil
	}
	var rules []models.PricingRule
	errFind := a.db.WithContext(ctx).
		Where("plan_id = ?", *planID).
		Find(&rules).Error
	if errFind != nil {
		return nil, fmt.Errorf("billing: load pricing rules: %w", errFind)
	}
	byResource := make(map[string]models.PricingRule, len(rules))
	for _, rule := range rules {
		byResource[rule.ResourceName] = rule
	}
	return byResource, nil
}

// priceUsage applies pricing rules to aggregated counts. Resources without a
// rule are returned for observability but contribute no items.
func priceUsage(counts []resourceCount, rules map[string]models.PricingRule) ([]models.InvoiceItem, decimal.Decimal, []string) {
	sort.Slice(counts, func(i, j int) bool { return counts[i].Endpoint < counts[j].Endpoint })

	var items []models.InvoiceItem
	var unbilled []string
	total := decimal.Zero
	for _, rc := range counts {
		rule, ok := rules[rc.Endpoint]
		if !ok {
			unbilled = append(unbilled, rc.Endpoint)
			continue
		}
		billable := rc.Count - int64(rule.FreeTierLimit)
		if billable < 0 {
			billable = 0
		}
		amount := rule.UnitPrice.Mul(decimal.NewFromInt(billable))
		items = append(items, models.InvoiceItem{
			Description: fmt.Sprintf("Usage for %s", rc.Endpoint),
			Units:       rc.Count,
			UnitPrice:   rule.UnitPrice,
			Amount:      amount,
		})
		total = total.Add(amount)
	}
	return items, total, unbilled
}

// persist writes the invoice and its items atomically. Replacing the items of
// an existing non-paid invoice happens in the same transaction as the total
// update so a partial invoice never becomes visible.
func (a *Aggregator) persist(ctx context.Context, existing *models.Invoice, orgID uuid.UUID, startDate, endDate time.Time, items []models.InvoiceItem, total decimal.Decimal) (*models.Invoice, error) {
	if existing == nil {
		invoice := models.Invoice{
			OrgID:       orgID,
			StartDate:   startDate,
			EndDate:     endDate,
			TotalAmount: total,
			Status:      models.InvoiceStatusDraft,
			DueDate:     endDate.AddDate(0, 0, dueDateGraceDays),
			Items:       items,
		}
		if errCreate := a.db.WithContext(ctx).Create(&invoice).Error; errCreate != nil {
			return nil, fmt.Errorf("billing: create invoice: %w", errCreate)
		}
		return &invoice, nil
	}

	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("invoice_id = ?", existing.ID).Delete(&models.InvoiceItem{}).Error; errDelete != nil {
			return fmt.Errorf("billing: delete invoice items: %w", errDelete)
		}
		for i := range items {
			items[i].InvoiceID = existing.ID
		}
		if len(items) > 0 {
			if errInsert := tx.Create(&items).Error; errInsert != nil {
				return fmt.Errorf("billing: insert invoice items: %w", errInsert)
			}
		}
		if errUpdate := tx.Model(&models.Invoice{}).
			Where("id = ?", existing.ID).
			Update("total_amount", total).Error; errUpdate != nil {
			return fmt.Errorf("billing: update invoice total: %w", errUpdate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	existing.TotalAmount = total
	existing.Items = items
	return existing, nil
}
