package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apimeter/apimeter/internal/models"
)

func TestUpdateStatusLifecycle(t *testing.T) {
	conn := openBillingTestDB(t)
	invoice := models.Invoice{
		OrgID:       uuid.New(),
		StartDate:   periodStart,
		EndDate:     periodEnd,
		TotalAmount: decimal.Zero,
		Status:      models.InvoiceStatusDraft,
		DueDate:     periodEnd.AddDate(0, 0, 7),
	}
	if errCreate := conn.Create(&invoice).Error; errCreate != nil {
		t.Fatalf("create invoice: %v", errCreate)
	}

	updated, errOpen := UpdateStatus(context.Background(), conn, invoice.ID, models.InvoiceStatusOpen)
	if errOpen != nil {
		t.Fatalf("draft -> open: %v", errOpen)
	}
	if updated.Status != models.InvoiceStatusOpen {
		t.Fatalf("expected open, got %s", updated.Status)
	}

	if _, errPaid := UpdateStatus(context.Background(), conn, invoice.ID, models.InvoiceStatusPaid); errPaid != nil {
		t.Fatalf("open -> paid: %v", errPaid)
	}

	_, errVoid := UpdateStatus(context.Background(), conn, invoice.ID, models.InvoiceStatusVoid)
	if !errors.Is(errVoid, ErrInvalidTransition) {
		t.Fatalf("paid -> void must be rejected, got %v", errVoid)
	}

	var stored models.Invoice
	if errFind := conn.First(&stored, "id = ?", invoice.ID).Error; errFind != nil {
		t.Fatalf("load invoice: %v", errFind)
	}
	if stored.Status != models.InvoiceStatusPaid {
		t.Fatalf("rejected transition must not persist, got %s", stored.Status)
	}
}

func TestUpdateStatusSkippingStateIsRejected(t *testing.T) {
	conn := openBillingTestDB(t)
	invoice := models.Invoice{
		OrgID:       uuid.New(),
		StartDate:   periodStart,
		EndDate:     periodEnd,
		TotalAmount: decimal.Zero,
		Status:      models.InvoiceStatusDraft,
		DueDate:     periodEnd.AddDate(0, 0, 7),
	}
	if errCreate := conn.Create(&invoice).Error; errCreate != nil {
		t.Fatalf("create invoice: %v", errCreate)
	}

	_, errSkip := UpdateStatus(context.Background(), conn, invoice.ID, models.InvoiceStatusPaid)
	if !errors.Is(errSkip, ErrInvalidTransition) {
		t.Fatalf("draft -> paid must be rejected, got %v", errSkip)
	}
}

func TestUpdateStatusUnknownInvoice(t *testing.T) {
	conn := openBillingTestDB(t)

	_, errUpdate := UpdateStatus(context.Background(), conn, uuid.New(), models.InvoiceStatusOpen)
	if !errors.Is(errUpdate, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", errUpdate)
	}
}
