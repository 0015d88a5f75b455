// Package ratelimit admits or rejects requests against per-credential fixed
// 1-second windows backed by an expiring counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/kv"
)

// Policy decides the admission outcome when the counter store or the
// credential store is unreachable. It is a required configuration: fail-open
// favors availability, fail-closed favors cost protection.
type Policy string

const (
	// FailOpen admits requests when a dependency is unreachable.
	FailOpen Policy = "open"
	// FailClosed rejects requests when a dependency is unreachable.
	FailClosed Policy = "closed"
)

// ParsePolicy validates a configured fail policy string.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(raw) {
	case FailOpen, FailClosed:
		return Policy(raw), nil
	default:
		return "", fmt.Errorf("ratelimit: fail policy must be %q or %q, got %q", FailOpen, FailClosed, raw)
	}
}

// Result is the admission decision for one request.
type Result int

const (
	// Allowed admits the request within the current window.
	Allowed Result = iota
	// Denied rejects the request; the caller maps it to a 429.
	Denied
	// Passthrough means the digest matched no credential. The limiter takes
	// no position; credential validity is the auth stage's concern.
	Passthrough
)

const (
	counterKeyPrefix = "rate:"
	// counterTTL is strictly greater than the 1s window to absorb clock skew.
	counterTTL = 5 * time.Second
)

// Limiter performs fixed-window admission control. Fixed windows keep O(1)
// state per (credential, second) and expire via the store's native TTL; the
// up-to-2x burst at window boundaries is an accepted tradeoff.
type Limiter struct {
	resolver *credential.Resolver
	counters kv.Store
	policy   Policy
	now      func() time.Time
}

// NewLimiter constructs a Limiter with the given fail policy.
func NewLimiter(resolver *credential.Resolver, counters kv.Store, policy Policy) *Limiter {
	return &Limiter{
		resolver: resolver,
		counters: counters,
		policy:   policy,
		now:      time.Now,
	}
}

// Allow decides admission for one request carrying the given digest.
//
// The counter increment is a single atomic operation against the shared
// store, never an application-level read-modify-write, so concurrent callers
// sharing a credential cannot exceed the limit through a check-then-act race.
func (l *Limiter) Allow(ctx context.Context, digest string) Result {
	identity, errResolve := l.resolver.Resolve(ctx, digest)
	if errors.Is(errResolve, credential.ErrNotFound) {
		return Passthrough
	}
	if errResolve != nil {
		return l.failPolicyResult("credential store", errResolve)
	}

	window := l.now().Unix()
	key := counterKeyPrefix + digest + ":" + strconv.FormatInt(window, 10)

	count, errIncr := l.counters.IncrWithTTL(ctx, key, counterTTL)
	if errIncr != nil {
		return l.failPolicyResult("counter store", errIncr)
	}
	if count > int64(identity.RateLimit) {
		return Denied
	}
	return Allowed
}

func (l *Limiter) failPolicyResult(dependency string, err error) Result {
	if l.policy == FailClosed {
		log.Warnf("ratelimit: %s unavailable, failing closed: %v", dependency, err)
		return Denied
	}
	log.Warnf("ratelimit: %s unavailable, failing open: %v", dependency, err)
	return Allowed
}
