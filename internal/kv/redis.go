package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultOpTimeout bounds every Redis round trip so a slow store cannot
// stall the request path.
const defaultOpTimeout = 2 * time.Second

// Redis implements Store on a Redis server.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis connects to the given Redis address and verifies it with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}
	return &Redis{client: client, opTimeout: defaultOpTimeout}, nil
}

// Get returns the value for key, reporting absence via the bool.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	value, err := r.client.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: redis get: %w", err)
	}
	return value, true, nil
}

// SetWithTTL stores value under key with the given expiry.
func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Del(opCtx, key).Err(); err != nil {
		return fmt.Errorf("kv: redis del: %w", err)
	}
	return nil
}

// IncrWithTTL atomically increments key and sets its expiry when the
// increment created the counter. Both commands ship in one transactional
// pipeline; EXPIRE NX only applies to a key without an expiry, so a counter
// can never survive its increment unexpired.
func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(opCtx, key)
	pipe.ExpireNX(opCtx, key, ttl)
	if _, err := pipe.Exec(opCtx); err != nil {
		return 0, fmt.Errorf("kv: redis incr: %w", err)
	}
	return incr.Val(), nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
