package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Organization is the billing account that owns API keys and receives invoices.
type Organization struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Name         string `gorm:"type:text;not null"` // Display name.
	BillingEmail string `gorm:"type:text;not null"` // Invoice recipient address.

	PlanID *uuid.UUID   `gorm:"type:uuid;index"`   // Active pricing plan, when subscribed.
	Plan   *PricingPlan `gorm:"foreignKey:PlanID"` // Associated plan record.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (o *Organization) BeforeCreate(_ *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
