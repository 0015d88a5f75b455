package credential

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/kv"
	"github.com/apimeter/apimeter/internal/models"
)

// ErrNotFound indicates no active credential matches a digest. Callers route
// this to the authentication stage; it is never a rate-limit outcome.
var ErrNotFound = errors.New("credential: not found")

const (
	cacheKeyPrefix  = "credmeta:"
	defaultCacheTTL = 5 * time.Minute
	storeTimeout    = 5 * time.Second
)

// Identity is the resolved owner and limit of a credential digest.
type Identity struct {
	OrgID     uuid.UUID `json:"org_id"`
	APIKeyID  uuid.UUID `json:"api_key_id"`
	RateLimit int       `json:"rate_limit"`
}

// Resolver maps credential digests to identities, consulting an expiring
// cache before the durable store. Cache entries trade up to TTL of staleness
// on rate-limit changes for store load reduction.
type Resolver struct {
	db       *gorm.DB
	cache    kv.Store
	cacheTTL time.Duration
}

// NewResolver constructs a Resolver over the durable store and cache.
func NewResolver(conn *gorm.DB, cache kv.Store) *Resolver {
	return &Resolver{db: conn, cache: cache, cacheTTL: defaultCacheTTL}
}

// Resolve returns the identity for digest, or ErrNotFound when no active
// credential matches. Cache population is best-effort: a cache failure never
// fails the resolve once the store has answered.
func (r *Resolver) Resolve(ctx context.Context, digest string) (Identity, error) {
	key := cacheKeyPrefix + digest

	cached, ok, errGet := r.cache.Get(ctx, key)
	if errGet != nil {
		log.Warnf("credential: cache get failed, falling through to store: %v", errGet)
	} else if ok {
		var identity Identity
		if errDecode := json.Unmarshal([]byte(cached), &identity); errDecode == nil {
			return identity, nil
		}
		log.Warnf("credential: discarding undecodable cache entry for %s", key)
	}

	identity, err := r.LookupStore(ctx, digest)
	if err != nil {
		return Identity{}, err
	}

	if encoded, errEncode := json.Marshal(identity); errEncode == nil {
		if errSet := r.cache.SetWithTTL(ctx, key, string(encoded), r.cacheTTL); errSet != nil {
			log.Warnf("credential: cache populate failed: %v", errSet)
		}
	}
	return identity, nil
}

// LookupStore resolves a digest directly against the durable store, bypassing
// the cache. Usage recording uses this path because attribution correctness
// matters more than latency there.
func (r *Resolver) LookupStore(ctx context.Context, digest string) (Identity, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	var apiKey models.APIKey
	errFind := r.db.WithContext(opCtx).
		Where("key_hash = ? AND active = ?", digest, true).
		First(&apiKey).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if errFind != nil {
		return Identity{}, errFind
	}
	return Identity{
		OrgID:     apiKey.OrgID,
		APIKeyID:  apiKey.ID,
		RateLimit: apiKey.RateLimitPerSec,
	}, nil
}
