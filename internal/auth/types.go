package auth

import "time"

// User is a human account. Accounts are never hard-deleted; Active false
// disables the account while keeping its history.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	PasswordHash  string    `json:"-"`
	Active        bool      `json:"active"`
	EmailVerified bool      `json:"email_verified"`
	PhoneVerified bool      `json:"phone_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Role groups permissions under a name. Disabling a role suspends every
// grant that points at it without deleting anything.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability keyed by a unique name such as
// "users.read". Permissions referenced by policy checks are disabled via the
// Active flag rather than deleted.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserRole links a user to a role. Active false suspends the grant while
// keeping the row.
type UserRole struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links a role to a permission with the same suspension
// semantics as UserRole.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshToken is the persisted half of an opaque refresh credential. The
// client holds "id.secret"; only the SHA-256 of the secret is stored.
// LineageID ties together a rotation chain so a detected reuse can revoke
// every descendant at once; ReplacedBy points at the token that superseded
// this one.
type RefreshToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	LineageID  string    `json:"lineage_id"`
	TokenHash  string    `json:"-"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	ReplacedBy string    `json:"replaced_by,omitempty"`
}

// Rotated reports whether this token was superseded by a newer one in the
// same lineage. A rotated token presented again is a compromise signal.
func (t *RefreshToken) Rotated() bool {
	return t.Revoked && t.ReplacedBy != ""
}
