// Package kv defines the expiring key-value store used for the credential
// cache and the admission-control window counters. The store is never the
// source of truth; everything in it can be rebuilt from the relational store.
package kv

import (
	"context"
	"time"
)

// Store is an expiring key-value store with an atomic counter primitive.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetWithTTL stores value under key with the given expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrWithTTL atomically increments the counter at key and returns the
	// post-increment value. The increment that creates the counter sets its
	// expiry; later increments leave the expiry untouched.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
