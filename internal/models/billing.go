package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

// Invoice lifecycle states. Transitions are monotonic draft -> open -> paid;
// void is terminal and reachable from any non-paid state.
const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusOpen  InvoiceStatus = "open"
	InvoiceStatusPaid  InvoiceStatus = "paid"
	InvoiceStatusVoid  InvoiceStatus = "void"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	switch s {
	case InvoiceStatusDraft:
		return next == InvoiceStatusOpen || next == InvoiceStatusVoid
	case InvoiceStatusOpen:
		return next == InvoiceStatusPaid || next == InvoiceStatusVoid
	default:
		return false
	}
}

// PricingPlan groups pricing rules under a named plan.
type PricingPlan struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Name     string          `gorm:"type:text;not null"`               // Plan name.
	BaseCost decimal.Decimal `gorm:"type:decimal(20,10);not null"`     // Flat periodic cost.
	Currency string          `gorm:"type:text;not null;default:'USD'"` // Unit-of-account label.

	Rules []PricingRule `gorm:"foreignKey:PlanID"` // Per-resource pricing rules.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (p *PricingPlan) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PricingRule maps a resource name to a unit price and free tier within a plan.
// The (plan, resource) pair is unique so the aggregator consults at most one rule.
type PricingRule struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	PlanID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_plan_resource"` // Owning plan.
	ResourceName string          `gorm:"type:text;not null;uniqueIndex:idx_plan_resource"` // Logical resource billed by this rule.
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,10);not null"`                     // Price per billable unit.
	FreeTierLimit int            `gorm:"not null;default:0"`                               // Units excluded before pricing applies.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (r *PricingRule) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Invoice is the billed result of one organization and billing period.
// At most one invoice exists per (org, start, end).
type Invoice struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	OrgID        uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:idx_org_period"` // Billed organization.
	Organization *Organization `gorm:"foreignKey:OrgID"`                              // Associated organization record.

	StartDate time.Time `gorm:"type:date;not null;uniqueIndex:idx_org_period"` // Period start (inclusive calendar date).
	EndDate   time.Time `gorm:"type:date;not null;uniqueIndex:idx_org_period"` // Period end (inclusive calendar date).

	TotalAmount decimal.Decimal `gorm:"type:decimal(20,10);not null"`      // Sum of item amounts.
	Status      InvoiceStatus   `gorm:"type:text;not null;default:'draft'"` // Lifecycle state.
	DueDate     time.Time       `gorm:"type:date;not null"`                // Payment due date.

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID"` // Line items.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (i *Invoice) BeforeCreate(_ *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// InvoiceItem is a single billed line on an invoice.
type InvoiceItem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	InvoiceID uuid.UUID `gorm:"type:uuid;not null;index"` // Owning invoice.

	Description string          `gorm:"type:text;not null"`           // Human description of the billed resource.
	Units       int64           `gorm:"not null;default:0"`           // Observed usage units, before the free tier.
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Price per billable unit.
	Amount      decimal.Decimal `gorm:"type:decimal(20,10);not null"` // max(0, units - free tier) * unit price.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (i *InvoiceItem) BeforeCreate(_ *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
