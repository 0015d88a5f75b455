package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey represents an API credential issued to an organization.
//
// The full secret is returned to the caller exactly once at provisioning time;
// only its one-way digest is stored. Keys are deactivated rather than deleted
// so usage rows keep a valid owner.
type APIKey struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	OrgID        uuid.UUID     `gorm:"type:uuid;not null;index"` // Owning organization.
	Organization *Organization `gorm:"foreignKey:OrgID"`         // Associated organization record.

	KeyPrefix string `gorm:"type:text;not null"`             // Short display prefix shown in listings.
	KeyHash   string `gorm:"type:text;not null;uniqueIndex"` // SHA-256 hex digest of the full secret.

	Name string `gorm:"type:text;not null"` // Human label.

	Active          bool `gorm:"not null;default:true"` // Whether the key is enabled.
	RateLimitPerSec int  `gorm:"not null;default:5"`    // Allowed requests per fixed 1s window.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when none is set.
func (k *APIKey) BeforeCreate(_ *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}
