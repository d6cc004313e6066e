package auth

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/hq-labs/relay/internal/apperr"
)

// GenerateAccessToken mints a fresh single-use bearer credential for a
// worker to present when dialing the relay endpoint.
func GenerateAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal("generate access token", err)
	}
	return "tok_" + hex.EncodeToString(buf), nil
}
