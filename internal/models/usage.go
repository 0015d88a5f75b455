package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UsageLog records metering data for a single completed request.
//
// Rows are append-only; the billing aggregator is the only consumer and must
// tolerate same-timestamp rows for one key.
type UsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID    uuid.UUID `gorm:"type:uuid;not null;index"` // Owning organization.
	APIKeyID uuid.UUID `gorm:"type:uuid;not null;index"` // Credential that made the request.

	Endpoint   string `gorm:"type:text;not null;index"` // Logical resource name from the matched route.
	Method     string `gorm:"type:text;not null"`       // HTTP method.
	StatusCode int    `gorm:"not null"`                 // Response status code.

	CostMultiplier float64        `gorm:"not null;default:1"` // Reserved for differential pricing.
	ErrorDetail    datatypes.JSON `gorm:"type:jsonb"`         // Structured error detail for failed requests.

	Timestamp time.Time `gorm:"not null;index"` // Request completion time.
}
