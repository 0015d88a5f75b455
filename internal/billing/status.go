package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/models"
)

// ErrInvalidTransition indicates a requested status change breaks the
// invoice lifecycle (draft -> open -> paid, void terminal from non-paid).
var ErrInvalidTransition = errors.New("billing: invalid status transition")

// ErrInvoiceNotFound indicates the invoice does not exist.
var ErrInvoiceNotFound = errors.New("billing: invoice not found")

// UpdateStatus moves an invoice to the next lifecycle state, enforcing
// monotonic transitions. The check and the write share one transaction so
// concurrent updates cannot skip a state.
func UpdateStatus(ctx context.Context, conn *gorm.DB, invoiceID uuid.UUID, next models.InvoiceStatus) (*models.Invoice, error) {
	var invoice models.Invoice
	errTx := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		errFind := tx.First(&invoice, "id = ?", invoiceID).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrInvoiceNotFound
		}
		if errFind != nil {
			return fmt.Errorf("billing: load invoice: %w", errFind)
		}
		if !invoice.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, invoice.Status, next)
		}
		if errUpdate := tx.Model(&invoice).Update("status", next).Error; errUpdate != nil {
			return fmt.Errorf("billing: update status: %w", errUpdate)
		}
		invoice.Status = next
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &invoice, nil
}
