package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"gatekit.org/internal/ids"
	"gatekit.org/internal/obs"
)

const defaultGrantsTTL = 2 * time.Minute

// Graph resolves a user's effective roles and permissions from the
// user-role and role-permission links. A permission is effective iff there
// is an active UserRole to an active Role to an active RolePermission to an
// active Permission; the cached view may lag by at most its TTL.
type Graph struct {
	store Store
	cache SessionCache
	ttl   time.Duration
	sf    singleflight.Group
}

// GraphOption configures Graph behavior.
type GraphOption func(*Graph)

// WithGrantsCache attaches the advisory session cache.
func WithGrantsCache(cache SessionCache) GraphOption {
	return func(g *Graph) { g.cache = cache }
}

// WithGrantsTTL overrides the cached snapshot lifetime.
func WithGrantsTTL(ttl time.Duration) GraphOption {
	return func(g *Graph) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewGraph constructs a Graph over the given store.
func NewGraph(store Store, opts ...GraphOption) *Graph {
	g := &Graph{store: store, ttl: defaultGrantsTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolvePermissions computes the user's effective permission set.
func (g *Graph) ResolvePermissions(ctx context.Context, userID string) ([]string, error) {
	grants, err := g.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return grants.Permissions, nil
}

// ResolveRoles computes the user's active role names.
func (g *Graph) ResolveRoles(ctx context.Context, userID string) ([]string, error) {
	grants, err := g.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return grants.Roles, nil
}

// Resolve returns the effective grants for a user, consulting the cache
// first. A cache miss or cache failure falls through to the store; the cache
// can therefore never produce a grant the store would not.
func (g *Graph) Resolve(ctx context.Context, userID string) (*Grants, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newValidationError("user_id", "is required")
	}
	if g.cache != nil {
		grants, err := g.cache.GetGrants(ctx, userID)
		switch {
		case err != nil:
			obs.PermissionCache("error")
		case grants != nil:
			obs.PermissionCache("hit")
			return grants, nil
		default:
			obs.PermissionCache("miss")
		}
	}

	// Collapse concurrent resolutions of the same user into one store walk.
	// The walk is detached from the leader's context: waiters sharing the
	// flight must not inherit a cancellation that only the leader asked for.
	v, err, _ := g.sf.Do(userID, func() (any, error) {
		return g.resolveFromStore(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return nil, err
	}
	grants := v.(*Grants)
	if g.cache != nil {
		// Best effort: the store already answered.
		_ = g.cache.SetGrants(ctx, userID, grants, g.ttl)
	}
	return grants, nil
}

func (g *Graph) resolveFromStore(ctx context.Context, userID string) (*Grants, error) {
	roles, err := g.store.Roles(ctx).ActiveRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	grants := &Grants{}
	permSet := make(map[string]struct{})
	for _, role := range roles {
		grants.RoleIDs = append(grants.RoleIDs, role.ID)
		grants.Roles = append(grants.Roles, role.Name)
		perms, err := g.store.Permissions(ctx).ActivePermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			permSet[p.Name] = struct{}{}
		}
	}
	for name := range permSet {
		grants.Permissions = append(grants.Permissions, name)
	}
	sort.Strings(grants.Roles)
	sort.Strings(grants.Permissions)
	return grants, nil
}

// InvalidateUser drops the cached snapshot for one user.
func (g *Graph) InvalidateUser(ctx context.Context, userID string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Invalidate(ctx, userID)
}

// CreateRole registers a new active role.
func (g *Graph) CreateRole(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newValidationError("name", "is required")
	}
	role := &Role{ID: ids.New(), Name: name, Active: true}
	if err := g.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GrantRole links a user to a role and invalidates the user's snapshot.
func (g *Graph) GrantRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return newValidationError("grant", "user_id and role_id are required")
	}
	if err := g.store.Roles(ctx).Grant(ctx, UserRole{UserID: userID, RoleID: roleID, Active: true}); err != nil {
		return err
	}
	return g.InvalidateUser(ctx, userID)
}

// SetGrantActive suspends or resumes one user-role grant.
func (g *Graph) SetGrantActive(ctx context.Context, userID, roleID string, active bool) error {
	if err := g.store.Roles(ctx).SetGrantActive(ctx, userID, roleID, active); err != nil {
		return err
	}
	return g.InvalidateUser(ctx, userID)
}

// SetRoleActive flips a role and invalidates every holder's snapshot.
func (g *Graph) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	if err := g.store.Roles(ctx).SetActive(ctx, roleID, active); err != nil {
		return err
	}
	return g.invalidateRole(ctx, roleID)
}

// LinkPermission attaches a permission to a role and invalidates holders.
func (g *Graph) LinkPermission(ctx context.Context, roleID, permissionID string) error {
	link := RolePermission{RoleID: roleID, PermissionID: permissionID, Active: true}
	if err := g.store.Permissions(ctx).Link(ctx, link); err != nil {
		return err
	}
	return g.invalidateRole(ctx, roleID)
}

// SetLinkActive suspends or resumes one role-permission link.
func (g *Graph) SetLinkActive(ctx context.Context, roleID, permissionID string, active bool) error {
	if err := g.store.Permissions(ctx).SetLinkActive(ctx, roleID, permissionID, active); err != nil {
		return err
	}
	return g.invalidateRole(ctx, roleID)
}

// SetPermissionActive flips a permission and invalidates every role that
// links it, and through those roles every holder.
func (g *Graph) SetPermissionActive(ctx context.Context, permissionID string, active bool) error {
	if err := g.store.Permissions(ctx).SetActive(ctx, permissionID, active); err != nil {
		return err
	}
	roleIDs, err := g.store.Permissions(ctx).RolesForPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if err := g.invalidateRole(ctx, roleID); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) invalidateRole(ctx context.Context, roleID string) error {
	if g.cache == nil {
		return nil
	}
	if err := g.cache.InvalidateRole(ctx, roleID); err == nil {
		return nil
	}
	// The role-member index is best effort; fall back to the store's view of
	// who holds the role.
	userIDs, err := g.store.Roles(ctx).UsersForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	return g.cache.Invalidate(ctx, userIDs...)
}
