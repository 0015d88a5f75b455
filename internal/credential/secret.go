// Package credential issues API credentials and resolves their digests to
// the owning organization and rate limit, fronted by an expiring cache.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// SecretPrefix is the fixed public prefix of every issued secret.
const SecretPrefix = "sk_live_"

// displayPrefixLen is how much of the secret is kept for listings.
const displayPrefixLen = len(SecretPrefix) + 4

// GenerateSecret creates a new random credential secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("credential: generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(raw), nil
}

// Digest returns the one-way lookup key for a full secret string. The raw
// secret is never stored or logged after issuance.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the short prefix of a secret safe to show in listings.
func DisplayPrefix(secret string) string {
	if len(secret) < displayPrefixLen {
		return secret
	}
	return secret[:displayPrefixLen]
}
