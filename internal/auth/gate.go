package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/domain"
)

// KeyLookup resolves an API key by its public prefix. Satisfied by
// internal/store.Repository.
type KeyLookup interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.ApiKey, error)
}

// Gate is the HTTP authentication middleware for API-key protected
// routes, combining prefix lookup, constant-time verification, and
// per-key token-bucket rate limiting.
type Gate struct {
	keys    KeyLookup
	limiter *RateLimiter
}

// NewGate constructs a Gate backed by keys for lookup.
func NewGate(keys KeyLookup) *Gate {
	return &Gate{keys: keys, limiter: NewRateLimiter()}
}

const bearerPrefix = "Bearer "

// ExtractBearer pulls the bearer credential out of an Authorization
// header, or "" if absent/malformed.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimPrefix(h, bearerPrefix)
}

// Authenticate verifies the bearer API key on r, applying its
// rate-limit bucket. Returns the matched key record on success.
func (g *Gate) Authenticate(r *http.Request) (*domain.ApiKey, *apperr.Error) {
	full := ExtractBearer(r)
	if full == "" {
		return nil, apperr.Auth("Unauthorized")
	}
	prefix, secret, ok := SplitKey(full)
	if !ok {
		return nil, apperr.Auth("Unauthorized")
	}
	rec, err := g.keys.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		return nil, apperr.Internal("look up api key", err)
	}
	if rec == nil || !Verify(rec, secret) {
		return nil, apperr.Auth("Unauthorized")
	}

	allowed, retryAfter := g.limiter.Allow(rec.Prefix, rec.RateLimit)
	if !allowed {
		return nil, apperr.RateLimit("Too Many Requests", retryAfter.Milliseconds())
	}
	return rec, nil
}

// Middleware wraps next, rejecting unauthenticated or rate-limited
// requests before it runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, appErr := g.Authenticate(r)
		if appErr != nil {
			writeAuthError(w, appErr)
			return
		}
		ctx := WithAPIKeyName(r.Context(), rec.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, e *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.StatusCode(e))
	switch e.Kind {
	case apperr.KindRateLimit:
		_, _ = w.Write([]byte(`{"error":"Too Many Requests"}`))
	default:
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
	}
}
