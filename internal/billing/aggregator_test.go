package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbutil "github.com/apimeter/apimeter/internal/db"
	"github.com/apimeter/apimeter/internal/models"
)

func openBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

// seedBilledOrg creates a plan with one rule and an org subscribed to it.
func seedBilledOrg(t *testing.T, conn *gorm.DB, resource string, unitPrice string, freeTier int) (*models.Organization, *models.APIKey) {
	t.Helper()
	plan := models.PricingPlan{
		Name:     "standard",
		BaseCost: decimal.Zero,
		Currency: "USD",
		Rules: []models.PricingRule{
			{ResourceName: resource, UnitPrice: decimal.RequireFromString(unitPrice), FreeTierLimit: freeTier},
		},
	}
	if errCreate := conn.Create(&plan).Error; errCreate != nil {
		t.Fatalf("create plan: %v", errCreate)
	}
	org := models.Organization{Name: "acme", BillingEmail: "billing@acme.test", PlanID: &plan.ID}
	if errCreate := conn.Create(&org).Error; errCreate != nil {
		t.Fatalf("create org: %v", errCreate)
	}
	apiKey := models.APIKey{OrgID: org.ID, KeyPrefix: "sk_live_test", KeyHash: uuid.NewString(), Name: "primary", Active: true, RateLimitPerSec: 5}
	if errCreate := conn.Create(&apiKey).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return &org, &apiKey
}

func seedUsageRows(t *testing.T, conn *gorm.DB, org *models.Organization, apiKey *models.APIKey, endpoint string, count int, at time.Time) {
	t.Helper()
	rows := make([]models.UsageLog, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, models.UsageLog{
			OrgID:          org.ID,
			APIKeyID:       apiKey.ID,
			Endpoint:       endpoint,
			Method:         "POST",
			StatusCode:     200,
			CostMultiplier: 1,
			Timestamp:      at,
		})
	}
	if errCreate := conn.CreateInBatches(&rows, 500).Error; errCreate != nil {
		t.Fatalf("seed usage: %v", errCreate)
	}
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	midPeriod   = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
)

func TestGenerateInvoiceAppliesFreeTier(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 100)
	seedUsageRows(t, conn, org, apiKey, "generate", 150, midPeriod)

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !invoice.TotalAmount.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("expected total 0.50, got %s", invoice.TotalAmount)
	}
	if len(invoice.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(invoice.Items))
	}
	item := invoice.Items[0]
	if item.Units != 150 {
		t.Fatalf("expected 150 units, got %d", item.Units)
	}
	if !item.Amount.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("expected item amount 0.50, got %s", item.Amount)
	}
	if invoice.Status != models.InvoiceStatusDraft {
		t.Fatalf("expected draft, got %s", invoice.Status)
	}
	if !invoice.DueDate.Equal(periodEnd.AddDate(0, 0, 7)) {
		t.Fatalf("expected due date %s, got %s", periodEnd.AddDate(0, 0, 7), invoice.DueDate)
	}
}

func TestGenerateInvoiceUsageWithinFreeTierIsZero(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 100)
	seedUsageRows(t, conn, org, apiKey, "generate", 80, midPeriod)

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !invoice.TotalAmount.IsZero() {
		t.Fatalf("expected zero total, got %s", invoice.TotalAmount)
	}
	if len(invoice.Items) != 1 || !invoice.Items[0].Amount.IsZero() {
		t.Fatalf("expected one zero-amount item, got %+v", invoice.Items)
	}
}

func TestGenerateInvoiceIsIdempotent(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.02", 100)
	seedUsageRows(t, conn, org, apiKey, "generate", 120, midPeriod)
	aggregator := NewAggregator(conn)

	first, errFirst := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errFirst != nil {
		t.Fatalf("first generate: %v", errFirst)
	}
	if !first.TotalAmount.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected total 0.40, got %s", first.TotalAmount)
	}

	second, errSecond := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errSecond != nil {
		t.Fatalf("second generate: %v", errSecond)
	}
	if second.ID != first.ID {
		t.Fatalf("regeneration must reuse the invoice, got %s and %s", first.ID, second.ID)
	}
	if !second.TotalAmount.Equal(first.TotalAmount) {
		t.Fatalf("totals differ across reruns: %s vs %s", first.TotalAmount, second.TotalAmount)
	}

	var itemCount int64
	if errCount := conn.Model(&models.InvoiceItem{}).Where("invoice_id = ?", first.ID).Count(&itemCount).Error; errCount != nil {
		t.Fatalf("count items: %v", errCount)
	}
	if itemCount != 1 {
		t.Fatalf("expected 1 item after rerun, got %d", itemCount)
	}
}

func TestGenerateInvoiceRerunReflectsNewUsageWithoutDuplicates(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.02", 100)
	seedUsageRows(t, conn, org, apiKey, "generate", 120, midPeriod)
	aggregator := NewAggregator(conn)

	first, errFirst := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errFirst != nil {
		t.Fatalf("first generate: %v", errFirst)
	}
	if !first.TotalAmount.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected total 0.40, got %s", first.TotalAmount)
	}

	seedUsageRows(t, conn, org, apiKey, "generate", 20, midPeriod.Add(time.Hour))

	second, errSecond := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errSecond != nil {
		t.Fatalf("second generate: %v", errSecond)
	}
	if !second.TotalAmount.Equal(decimal.RequireFromString("0.80")) {
		t.Fatalf("expected total 0.80 after 20 more events, got %s", second.TotalAmount)
	}
	if len(second.Items) != 1 || second.Items[0].Units != 140 {
		t.Fatalf("expected one item with 140 units, got %+v", second.Items)
	}

	var itemCount int64
	if errCount := conn.Model(&models.InvoiceItem{}).Where("invoice_id = ?", second.ID).Count(&itemCount).Error; errCount != nil {
		t.Fatalf("count items: %v", errCount)
	}
	if itemCount != 1 {
		t.Fatalf("expected items replaced, not duplicated; got %d", itemCount)
	}
}

func TestGenerateInvoicePaidShortCircuit(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.02", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 10, midPeriod)
	aggregator := NewAggregator(conn)

	invoice, errGenerate := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if errUpdate := conn.Model(&models.Invoice{}).Where("id = ?", invoice.ID).Update("status", models.InvoiceStatusPaid).Error; errUpdate != nil {
		t.Fatalf("mark paid: %v", errUpdate)
	}

	seedUsageRows(t, conn, org, apiKey, "generate", 100, midPeriod.Add(time.Hour))

	again, errAgain := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errAgain != nil {
		t.Fatalf("regenerate: %v", errAgain)
	}
	if again.ID != invoice.ID {
		t.Fatalf("expected the existing paid invoice back")
	}
	if !again.TotalAmount.Equal(invoice.TotalAmount) {
		t.Fatalf("paid invoice was recomputed: %s vs %s", again.TotalAmount, invoice.TotalAmount)
	}
	if again.Status != models.InvoiceStatusPaid {
		t.Fatalf("expected paid status preserved, got %s", again.Status)
	}
}

func TestGenerateInvoiceWithoutPlanIsZeroAndPersisted(t *testing.T) {
	conn := openBillingTestDB(t)
	org := models.Organization{Name: "planless", BillingEmail: "billing@planless.test"}
	if errCreate := conn.Create(&org).Error; errCreate != nil {
		t.Fatalf("create org: %v", errCreate)
	}
	apiKey := models.APIKey{OrgID: org.ID, KeyPrefix: "sk_live_test", KeyHash: uuid.NewString(), Name: "primary", Active: true, RateLimitPerSec: 5}
	if errCreate := conn.Create(&apiKey).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	seedUsageRows(t, conn, &org, &apiKey, "generate", 50, midPeriod)

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !invoice.TotalAmount.IsZero() || len(invoice.Items) != 0 {
		t.Fatalf("expected zero-total invoice with no items, got %+v", invoice)
	}

	var stored models.Invoice
	if errFind := conn.First(&stored, "id = ?", invoice.ID).Error; errFind != nil {
		t.Fatalf("invoice must be persisted: %v", errFind)
	}
}

func TestGenerateInvoiceUnknownResourceIsUnbilled(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 10, midPeriod)
	seedUsageRows(t, conn, org, apiKey, "unpriced", 10, midPeriod)

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if len(invoice.Items) != 1 {
		t.Fatalf("expected only the priced resource billed, got %+v", invoice.Items)
	}
	if !invoice.TotalAmount.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("expected total 0.10, got %s", invoice.TotalAmount)
	}
}

func TestGenerateInvoiceInvertedPeriodBillsNothing(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 10, midPeriod)

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodEnd, periodStart)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !invoice.TotalAmount.IsZero() || len(invoice.Items) != 0 {
		t.Fatalf("expected zero-total invoice for inverted period, got %+v", invoice)
	}
}

func TestGenerateInvoiceUnknownOrganization(t *testing.T) {
	conn := openBillingTestDB(t)

	_, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), uuid.New(), periodStart, periodEnd)
	if !errors.Is(errGenerate, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", errGenerate)
	}
}

func TestGenerateInvoiceBoundaryDatesAreInclusive(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "1", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 1, periodStart)
	seedUsageRows(t, conn, org, apiKey, "generate", 1, periodEnd.Add(23*time.Hour+59*time.Minute))
	seedUsageRows(t, conn, org, apiKey, "generate", 1, periodStart.Add(-time.Minute))
	seedUsageRows(t, conn, org, apiKey, "generate", 1, periodEnd.AddDate(0, 0, 1))

	invoice, errGenerate := NewAggregator(conn).GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if len(invoice.Items) != 1 || invoice.Items[0].Units != 2 {
		t.Fatalf("expected exactly the 2 in-period events, got %+v", invoice.Items)
	}
}

func TestGenerateInvoiceSerializesConcurrentRunsForSamePeriod(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 30, midPeriod)
	aggregator := NewAggregator(conn)

	const runs = 8
	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			invoice, errGenerate := aggregator.GenerateInvoice(context.Background(), org.ID, periodStart, periodEnd)
			if errGenerate != nil {
				t.Errorf("generate: %v", errGenerate)
				return
			}
			ids <- invoice.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uuid.UUID]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected one invoice for the period, got %d", len(seen))
	}

	var invoiceCount int64
	if errCount := conn.Model(&models.Invoice{}).Count(&invoiceCount).Error; errCount != nil {
		t.Fatalf("count invoices: %v", errCount)
	}
	if invoiceCount != 1 {
		t.Fatalf("expected 1 persisted invoice, got %d", invoiceCount)
	}
}

func TestGenerateInvoiceReleasesPeriodLocks(t *testing.T) {
	conn := openBillingTestDB(t)
	org, apiKey := seedBilledOrg(t, conn, "generate", "0.01", 0)
	seedUsageRows(t, conn, org, apiKey, "generate", 5, midPeriod)
	aggregator := NewAggregator(conn)

	var wg sync.WaitGroup
	for month := time.Month(1); month <= 6; month++ {
		start := time.Date(2026, month, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, -1)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(start, end time.Time) {
				defer wg.Done()
				if _, errGenerate := aggregator.GenerateInvoice(context.Background(), org.ID, start, end); errGenerate != nil {
					t.Errorf("generate: %v", errGenerate)
				}
			}(start, end)
		}
	}
	wg.Wait()

	aggregator.mu.Lock()
	remaining := len(aggregator.inFlight)
	aggregator.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all period locks released, %d still held", remaining)
	}
}

func TestPreviousMonth(t *testing.T) {
	start, end := previousMonth(time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", start)
	}
	if !end.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %s", end)
	}

	start, end = previousMonth(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period %s..%s", start, end)
	}
}
