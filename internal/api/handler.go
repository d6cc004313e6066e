// Package api provides the HTTP handlers for the control plane's
// external interface: API-key issuance, session/worker/question
// lifecycle, and object-store shares.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/auth"
	"github.com/hq-labs/relay/internal/question"
	"github.com/hq-labs/relay/internal/session"
	"github.com/hq-labs/relay/internal/store"
)

// SetupStatusFunc reports a caller's file-sync setup status, backed by
// whichever sync.Poller instance main.go wires up for that caller.
type SetupStatusFunc func(ctx context.Context, callerID string) map[string]interface{}

// Handler holds the dependencies shared by every route group.
type Handler struct {
	repo        store.Repository
	sessions    *session.Manager
	blocker     *question.Blocker
	gate        *auth.Gate
	logger      *slog.Logger
	setupStatus SetupStatusFunc
}

// NewHandler constructs a Handler.
func NewHandler(repo store.Repository, sessions *session.Manager, blocker *question.Blocker, gate *auth.Gate, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, sessions: sessions, blocker: blocker, gate: gate, logger: logger}
}

// WithSetupStatus attaches a SetupStatusFunc for GET /api/auth/setup-status.
func (h *Handler) WithSetupStatus(fn SetupStatusFunc) *Handler {
	h.setupStatus = fn
	return h
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
	}
}

// WriteError maps err to its HTTP status and a JSON error body of the
// form {error, message, validationErrors?, retryAfterMs?}.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.StatusCode(err)
	body := map[string]interface{}{"error": http.StatusText(status)}
	if appErr, ok := apperr.As(err); ok {
		if appErr.Message != "" {
			body["message"] = appErr.Message
		}
		if len(appErr.Validation) > 0 {
			body["validationErrors"] = appErr.Validation
		}
		if appErr.Kind == apperr.KindRateLimit {
			body["retryAfterMs"] = appErr.RetryAfterMs
		}
	} else {
		body["message"] = err.Error()
	}
	JSON(w, status, body)
}

// decodeJSON reads and decodes the request body into v, reported as a
// ValidationError rather than a bare 400 on malformed input.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apperr.Validation("request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed request body: " + err.Error())
	}
	return nil
}

// callerID returns the identity attributed to the authenticated request.
// The control plane has no separate user-identity system: the
// authenticated API key's name stands in for userId/ownerId across the
// HTTP surface.
func callerID(r *http.Request) string {
	return auth.APIKeyNameFromContext(r.Context())
}
