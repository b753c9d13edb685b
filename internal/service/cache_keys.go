package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// normalizeToken folds a cache namespace or identity into a stable key
// segment. Tokens themselves never appear in Redis keys; see hashToken.
func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// hashToken digests an opaque value so raw session tokens and mobile
// numbers stay out of the keyspace.
func hashToken(v string) string {
	sum := sha256.Sum256([]byte(normalizeToken(v)))
	return hex.EncodeToString(sum[:])
}
