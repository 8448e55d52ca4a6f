package auth

import "strings"

// Principal is an authenticated identity with its resolved grants.
type Principal struct {
	UserID      string
	Roles       []string
	Permissions []string
}

// NewPrincipal builds a principal from resolved grants.
func NewPrincipal(userID string, grants *Grants) *Principal {
	p := &Principal{UserID: userID}
	if grants != nil {
		p.Roles = grants.Roles
		p.Permissions = grants.Permissions
	}
	return p
}

// PrincipalFromClaims builds a principal from verified access token claims.
// The grant snapshot is the one embedded at issue time.
func PrincipalFromClaims(claims *AccessClaims) *Principal {
	if claims == nil {
		return nil
	}
	return &Principal{
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
}

// HasRole reports whether the principal holds the named role.
func (p *Principal) HasRole(name string) bool {
	return containsFold(p.Roles, name)
}

// HasPermission reports whether the principal holds the named permission.
func (p *Principal) HasPermission(name string) bool {
	return containsFold(p.Permissions, name)
}

// Requirement describes what a protected resource demands. Empty slices mean
// no demand of that kind. When roles are listed the principal must hold at
// least one of them; the same OR semantics apply to permissions. When both
// are listed both checks must pass.
type Requirement struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Empty reports whether the requirement demands nothing.
func (r Requirement) Empty() bool {
	return len(r.Roles) == 0 && len(r.Permissions) == 0
}

// DenyReason explains why Authorize denied, so callers can route the user to
// a login page versus a forbidden page.
type DenyReason int

const (
	DenyNone DenyReason = iota
	// DenyUnauthenticated: no principal was presented.
	DenyUnauthenticated
	// DenyInsufficient: a principal was presented but lacks the required
	// roles or permissions.
	DenyInsufficient
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Authorize evaluates a requirement against a principal. It is a pure
// function: every guard, server-side middleware or client navigation gate,
// must delegate here so the OR semantics cannot drift between consumers.
func Authorize(p *Principal, req Requirement) Decision {
	if req.Empty() {
		return Decision{Allowed: true}
	}
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return Decision{Reason: DenyUnauthenticated}
	}
	if len(req.Roles) > 0 && !holdsAny(p.Roles, req.Roles) {
		return Decision{Reason: DenyInsufficient}
	}
	if len(req.Permissions) > 0 && !holdsAny(p.Permissions, req.Permissions) {
		return Decision{Reason: DenyInsufficient}
	}
	return Decision{Allowed: true}
}

func holdsAny(held, wanted []string) bool {
	for _, w := range wanted {
		if containsFold(held, w) {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
