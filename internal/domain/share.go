package domain

import "time"

// ShareStatus is the lifecycle status of a Share.
type ShareStatus string

const (
	ShareActive  ShareStatus = "active"
	ShareRevoked ShareStatus = "revoked"
	ShareExpired ShareStatus = "expired"
)

// SharePermission enumerates the operations a Share may grant. Only "read"
// exists today; the set is closed and enumerated rather than free-form.
type SharePermission string

const SharePermissionRead SharePermission = "read"

// Share grants a recipient access to a set of object-store path prefixes
// owned by another user. The relay does not consult shares; they gate
// object-store access only, not relay/session access.
type Share struct {
	ShareID     string
	OwnerID     string
	RecipientID string
	Paths       []string
	Permissions []SharePermission
	Status      ShareStatus
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// Effective reports whether the share currently grants access, accounting
// for explicit revocation and expiry.
func (s *Share) Effective(now time.Time) bool {
	if s.Status != ShareActive {
		return false
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return false
	}
	return true
}

// Revoke marks the share revoked. Calling Revoke on an already-revoked
// share is a no-op.
func (s *Share) Revoke() {
	if s.Status == ShareRevoked {
		return
	}
	s.Status = ShareRevoked
}
