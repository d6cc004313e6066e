// Package auth implements the authentication gate: API-key
// issuance/verification with per-key token-bucket rate limiting, and
// single-use session access tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/domain"
)

const (
	keyPrefixLen = 8
	keySecretLen = 32
)

// GenerateAPIKey creates a new API key, returning the full secret (shown
// to the caller exactly once) and the record to persist.
func GenerateAPIKey(name string, rateLimit int) (fullKey string, rec *domain.ApiKey, err error) {
	prefixBytes := make([]byte, keyPrefixLen/2)
	if _, err = rand.Read(prefixBytes); err != nil {
		return "", nil, apperr.Internal("generate key prefix", err)
	}
	prefix := hex.EncodeToString(prefixBytes)

	secretBytes := make([]byte, keySecretLen)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", nil, apperr.Internal("generate key secret", err)
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey = fmt.Sprintf("hq_%s_%s", prefix, secret)
	rec = &domain.ApiKey{
		Prefix:    prefix,
		HashValue: hashSecret(secret),
		Name:      name,
		RateLimit: rateLimit,
	}
	return fullKey, rec, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SplitKey extracts the prefix from a presented full key, used to look up
// the stored ApiKey record by prefix before the constant-time compare.
func SplitKey(fullKey string) (prefix string, secret string, ok bool) {
	// hq_<prefix>_<secret>
	const p = "hq_"
	if len(fullKey) < len(p)+keyPrefixLen+1 || fullKey[:len(p)] != p {
		return "", "", false
	}
	rest := fullKey[len(p):]
	if len(rest) < keyPrefixLen+1 || rest[keyPrefixLen] != '_' {
		return "", "", false
	}
	return rest[:keyPrefixLen], rest[keyPrefixLen+1:], true
}

// Verify reports whether secret matches rec's stored hash using a
// constant-time comparison.
func Verify(rec *domain.ApiKey, secret string) bool {
	if rec == nil {
		return false
	}
	want := []byte(rec.HashValue)
	got := []byte(hashSecret(secret))
	return subtle.ConstantTimeCompare(want, got) == 1
}
