package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/domain"
)

type createShareRequest struct {
	RecipientID string                   `json:"recipientId"`
	Paths       []string                 `json:"paths"`
	Permissions []domain.SharePermission `json:"permissions"`
	ExpiresAt   *time.Time               `json:"expiresAt"`
}

// CreateShare handles POST /api/shares.
func (h *Handler) CreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.RecipientID == "" {
		WriteError(w, apperr.Validation("recipientId is required"))
		return
	}
	if len(req.Paths) == 0 {
		WriteError(w, apperr.Validation("paths must not be empty"))
		return
	}
	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = []domain.SharePermission{domain.SharePermissionRead}
	}

	share := &domain.Share{
		ShareID:     uuid.NewString(),
		OwnerID:     callerID(r),
		RecipientID: req.RecipientID,
		Paths:       req.Paths,
		Permissions: permissions,
		Status:      domain.ShareActive,
		CreatedAt:   time.Now(),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := h.repo.CreateShare(r.Context(), share); err != nil {
		WriteError(w, apperr.Internal("create share", err))
		return
	}
	JSON(w, http.StatusCreated, share)
}

// ListShares handles GET /api/shares[?ownerId=&recipientId=&status=].
func (h *Handler) ListShares(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shares, err := h.repo.ListShares(r.Context(), q.Get("ownerId"), q.Get("recipientId"), domain.ShareStatus(q.Get("status")))
	if err != nil {
		WriteError(w, apperr.Internal("list shares", err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

// GetShare handles GET /api/shares/{id}.
func (h *Handler) GetShare(w http.ResponseWriter, r *http.Request) {
	share, err := h.getShareOr404(w, r)
	if err != nil {
		return
	}
	JSON(w, http.StatusOK, share)
}

type updateShareRequest struct {
	Paths       []string                 `json:"paths"`
	Permissions []domain.SharePermission `json:"permissions"`
	ExpiresAt   *time.Time               `json:"expiresAt"`
}

// UpdateShare handles PATCH /api/shares/{id}.
func (h *Handler) UpdateShare(w http.ResponseWriter, r *http.Request) {
	share, err := h.getShareOr404(w, r)
	if err != nil {
		return
	}
	var req updateShareRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Paths != nil {
		share.Paths = req.Paths
	}
	if req.Permissions != nil {
		share.Permissions = req.Permissions
	}
	if req.ExpiresAt != nil {
		share.ExpiresAt = req.ExpiresAt
	}
	if err := h.repo.UpdateShare(r.Context(), share); err != nil {
		WriteError(w, apperr.Internal("update share", err))
		return
	}
	JSON(w, http.StatusOK, share)
}

// RevokeShare handles POST /api/shares/{id}/revoke.
func (h *Handler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	share, err := h.getShareOr404(w, r)
	if err != nil {
		return
	}
	share.Revoke()
	if err := h.repo.UpdateShare(r.Context(), share); err != nil {
		WriteError(w, apperr.Internal("revoke share", err))
		return
	}
	JSON(w, http.StatusOK, share)
}

// DeleteShare handles DELETE /api/shares/{id}.
func (h *Handler) DeleteShare(w http.ResponseWriter, r *http.Request) {
	if _, err := h.getShareOr404(w, r); err != nil {
		return
	}
	if err := h.repo.DeleteShare(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, apperr.Internal("delete share", err))
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CheckShareAccess handles GET /api/shares/access/check?recipientId&ownerId&path.
func (h *Handler) CheckShareAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recipientID, ownerID, path := q.Get("recipientId"), q.Get("ownerId"), q.Get("path")
	if recipientID == "" || ownerID == "" || path == "" {
		WriteError(w, apperr.Validation("recipientId, ownerId and path are all required"))
		return
	}

	shares, err := h.repo.ListShares(r.Context(), ownerID, recipientID, domain.ShareActive)
	if err != nil {
		WriteError(w, apperr.Internal("list shares", err))
		return
	}
	now := time.Now()
	allowed := false
	for _, s := range shares {
		if !s.Effective(now) {
			continue
		}
		for _, p := range s.Paths {
			if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
				allowed = true
				break
			}
		}
		if allowed {
			break
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"allowed": allowed})
}

// ListAccessibleShares handles GET /api/shares/accessible/{userId}: every
// currently-effective share naming userId as the recipient.
func (h *Handler) ListAccessibleShares(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	shares, err := h.repo.ListShares(r.Context(), "", userID, domain.ShareActive)
	if err != nil {
		WriteError(w, apperr.Internal("list shares", err))
		return
	}
	now := time.Now()
	effective := make([]*domain.Share, 0, len(shares))
	for _, s := range shares {
		if s.Effective(now) {
			effective = append(effective, s)
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"shares": effective})
}

// SharePolicy handles GET /api/shares/{id}/policy: the share's paths and
// permissions plus whether it is currently effective, without its other
// lifecycle metadata.
func (h *Handler) SharePolicy(w http.ResponseWriter, r *http.Request) {
	share, err := h.getShareOr404(w, r)
	if err != nil {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"paths":       share.Paths,
		"permissions": share.Permissions,
		"effective":   share.Effective(time.Now()),
	})
}

func (h *Handler) getShareOr404(w http.ResponseWriter, r *http.Request) (*domain.Share, error) {
	share, err := h.repo.GetShare(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, apperr.Internal("get share", err))
		return nil, err
	}
	if share == nil {
		err = apperr.NotFound("share not found")
		WriteError(w, err)
		return nil, err
	}
	return share, nil
}
