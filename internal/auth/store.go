package auth

import "context"

// Store describes the persistence collaborator required by the identity core.
// Implementations must be safe for concurrent use.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// UserUpdate is a partial update: nil fields are left unchanged.
type UserUpdate struct {
	FirstName     *string
	LastName      *string
	Phone         *string
	AvatarURL     *string
	Active        *bool
	EmailVerified *bool
	PhoneVerified *bool
}

// UserStore manages user rows.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, userID string, upd UserUpdate) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// RoleStore manages roles and user-role grants.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	SetActive(ctx context.Context, roleID string, active bool) error
	Grant(ctx context.Context, grant UserRole) error
	SetGrantActive(ctx context.Context, userID, roleID string, active bool) error
	// ActiveRolesForUser returns roles reachable through an active grant
	// where the role itself is also active.
	ActiveRolesForUser(ctx context.Context, userID string) ([]Role, error)
	// UsersForRole returns ids of every user holding the role, active or not.
	// Used for batch cache invalidation when a role flips.
	UsersForRole(ctx context.Context, roleID string) ([]string, error)
}

// PermissionStore manages the permission catalog and role-permission links.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	FindByName(ctx context.Context, name string) (*Permission, error)
	SetActive(ctx context.Context, permissionID string, active bool) error
	Link(ctx context.Context, link RolePermission) error
	SetLinkActive(ctx context.Context, roleID, permissionID string, active bool) error
	// ActivePermissionsForRole returns permissions reachable through an
	// active link where the permission itself is also active.
	ActivePermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	// RolesForPermission returns ids of every role linked to the permission.
	RolesForPermission(ctx context.Context, permissionID string) ([]string, error)
}

// RefreshTokenStore is the source of truth for refresh token lineages.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Rotate marks the token revoked, records its successor and inserts the
	// successor row as one atomic unit. It must behave as a compare-and-swap:
	// if the row is already revoked the call fails with ErrConflict and
	// nothing is written, so exactly one of two concurrent rotations of the
	// same token can win and a lineage revocation can never slip between the
	// swap and the insert.
	Rotate(ctx context.Context, id string, next *RefreshToken) error
	Revoke(ctx context.Context, id string) error
	// RevokeLineage revokes every live token in a lineage and returns the
	// ids it revoked.
	RevokeLineage(ctx context.Context, lineageID string) ([]string, error)
	// RevokeAllForUser revokes every live token of a user and returns the
	// ids it revoked.
	RevokeAllForUser(ctx context.Context, userID string) ([]string, error)
}
