package api

import (
	"net/http"
	"time"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/auth"
)

const defaultKeyRateLimit = 60

// generateKeyRequest is the body of POST /api/auth/keys/generate.
type generateKeyRequest struct {
	Name      string `json:"name"`
	RateLimit int    `json:"rateLimit"`
}

// GenerateAPIKey issues a new API key. Unauthenticated: this is the one
// route a caller without a key can reach.
func (h *Handler) GenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, apperr.Validation("name is required"))
		return
	}
	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultKeyRateLimit
	}

	fullKey, rec, err := auth.GenerateAPIKey(req.Name, rateLimit)
	if err != nil {
		WriteError(w, err)
		return
	}
	rec.CreatedAt = time.Now()
	if err := h.repo.CreateAPIKey(r.Context(), rec); err != nil {
		WriteError(w, apperr.Internal("persist api key", err))
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"key":       fullKey,
		"prefix":    rec.Prefix,
		"name":      rec.Name,
		"rateLimit": rec.RateLimit,
		"createdAt": rec.CreatedAt,
		"message":   "Store this key now; it will not be shown again.",
	})
}

// SetupStatus reports whether the authenticated caller has any synced
// object-store content yet, through the SetupStatusFunc attached with
// WithSetupStatus. With none attached (file-sync disabled), it reports
// "not set up".
func (h *Handler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	status := h.setupStatus
	if status == nil {
		JSON(w, http.StatusOK, map[string]interface{}{
			"setupComplete": false,
			"s3Prefix":      nil,
			"fileCount":     0,
		})
		return
	}
	JSON(w, http.StatusOK, status(r.Context(), callerID(r)))
}
