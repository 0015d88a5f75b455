package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/models"
)

// Issue provisions a new credential for an organization and returns the
// persisted record together with the full secret. The secret is not
// recoverable afterwards; only its digest and display prefix are stored.
func Issue(ctx context.Context, conn *gorm.DB, orgID uuid.UUID, name string, rateLimitPerSec int) (*models.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("credential: issue: empty name")
	}
	if rateLimitPerSec <= 0 {
		return nil, "", fmt.Errorf("credential: issue: rate limit must be positive")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	apiKey := models.APIKey{
		OrgID:           orgID,
		KeyPrefix:       DisplayPrefix(secret),
		KeyHash:         Digest(secret),
		Name:            name,
		Active:          true,
		RateLimitPerSec: rateLimitPerSec,
	}
	if errCreate := conn.WithContext(ctx).Create(&apiKey).Error; errCreate != nil {
		return nil, "", fmt.Errorf("credential: issue: %w", errCreate)
	}
	return &apiKey, secret, nil
}

// Deactivate retires a credential and evicts its cached identity, so a
// retired key stops resolving immediately instead of after the cache TTL.
// There are no reactivation semantics.
func (r *Resolver) Deactivate(ctx context.Context, id uuid.UUID) error {
	var apiKey models.APIKey
	errFind := r.db.WithContext(ctx).First(&apiKey, "id = ?", id).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errFind != nil {
		return fmt.Errorf("credential: deactivate: %w", errFind)
	}

	result := r.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND active = ?", id, true).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("credential: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	if errEvict := r.cache.Delete(ctx, cacheKeyPrefix+apiKey.KeyHash); errEvict != nil {
		log.Warnf("credential: cache evict failed for retired key %s: %v", id, errEvict)
	}
	return nil
}
