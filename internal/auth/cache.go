package auth

import (
	"context"
	"time"
)

// Grants is the cached snapshot of a user's resolved roles and permissions.
// RoleIDs feed the role-member index used for batch invalidation.
type Grants struct {
	RoleIDs     []string `json:"role_ids"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// SessionCache is the external key-value collaborator. It is advisory for
// permission snapshots (a miss or an outage falls back to recomputation) and
// authoritative for refresh token revocation (an outage means callers must
// treat the token as revoked).
//
// Implementations must bound every call with a timeout and be safe for
// concurrent use.
type SessionCache interface {
	// GetGrants returns the cached snapshot for a user, or nil on miss.
	GetGrants(ctx context.Context, userID string) (*Grants, error)
	SetGrants(ctx context.Context, userID string, grants *Grants, ttl time.Duration) error
	// Invalidate drops cached snapshots for the given users.
	Invalidate(ctx context.Context, userIDs ...string) error
	// InvalidateRole drops the cached snapshot of every user indexed as a
	// member of the role.
	InvalidateRole(ctx context.Context, roleID string) error

	// IsRevoked reports whether a refresh token id is on the revocation
	// list. Callers must fail closed when err is non-nil.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	MarkRevoked(ctx context.Context, tokenID string, ttl time.Duration) error
}
