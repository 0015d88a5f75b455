package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/models"
)

// Migrate creates or updates the schema for all persisted models. The unique
// indexes on api_keys.key_hash, (plan_id, resource_name), and
// (org_id, start_date, end_date) back the core invariants and must exist
// before the server starts taking traffic.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: migrate: nil connection")
	}
	if err := conn.AutoMigrate(
		&models.PricingPlan{},
		&models.PricingRule{},
		&models.Organization{},
		&models.APIKey{},
		&models.UsageLog{},
		&models.Invoice{},
		&models.InvoiceItem{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
