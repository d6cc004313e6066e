package auth

import "context"

// contextKey is an unexported type to avoid collisions with other
// packages' context values.
type contextKey int

const apiKeyNameKey contextKey = iota

// WithAPIKeyName returns a context carrying the authenticated API key's
// name, for logging and attribution.
func WithAPIKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, apiKeyNameKey, name)
}

// APIKeyNameFromContext extracts the authenticated API key's name, or ""
// if the request was not authenticated via an API key.
func APIKeyNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(apiKeyNameKey).(string); ok {
		return v
	}
	return ""
}
