package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"gatekit.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store held entirely in process memory. It backs tests and
// local development; PostgreSQL is the production implementation.
type MemoryStore struct {
	mu sync.Mutex

	users       map[string]*User
	usersByMail map[string]string

	roles       map[string]*Role
	rolesByName map[string]string
	userRoles   map[string]map[string]bool // userID -> roleID -> active

	perms       map[string]*Permission
	permsByName map[string]string
	rolePerms   map[string]map[string]bool // roleID -> permissionID -> active

	tokens map[string]*RefreshToken
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		usersByMail: make(map[string]string),
		roles:       make(map[string]*Role),
		rolesByName: make(map[string]string),
		userRoles:   make(map[string]map[string]bool),
		perms:       make(map[string]*Permission),
		permsByName: make(map[string]string),
		rolePerms:   make(map[string]map[string]bool),
		tokens:      make(map[string]*RefreshToken),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore               { return &memUsers{s} }
func (s *MemoryStore) Roles(context.Context) RoleStore               { return &memRoles{s} }
func (s *MemoryStore) Permissions(context.Context) PermissionStore   { return &memPerms{s} }
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return &memTokens{s} }

// Users -------------------------------------------------------------------

type memUsers struct{ s *MemoryStore }

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, exists := m.s.usersByMail[u.Email]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	m.s.users[u.ID] = &cp
	m.s.usersByMail[u.Email] = u.ID
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id, ok := m.s.usersByMail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.s.users[id]
	return &cp, nil
}

func (m *memUsers) Update(_ context.Context, userID string, upd UserUpdate) (*User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = *upd.AvatarURL
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
	if upd.PhoneVerified != nil {
		u.PhoneVerified = *upd.PhoneVerified
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Roles -------------------------------------------------------------------

type memRoles struct{ s *MemoryStore }

func (m *memRoles) Create(_ context.Context, role *Role) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	if _, exists := m.s.rolesByName[role.Name]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	m.s.roles[role.ID] = &cp
	m.s.rolesByName[role.Name] = role.ID
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	role, ok := m.s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (m *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id, ok := m.s.rolesByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.s.roles[id]
	return &cp, nil
}

func (m *memRoles) SetActive(_ context.Context, roleID string, active bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	role, ok := m.s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	role.Active = active
	role.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRoles) Grant(_ context.Context, grant UserRole) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.userRoles[grant.UserID] == nil {
		m.s.userRoles[grant.UserID] = make(map[string]bool)
	}
	m.s.userRoles[grant.UserID][grant.RoleID] = grant.Active
	return nil
}

func (m *memRoles) SetGrantActive(_ context.Context, userID, roleID string, active bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	grants, ok := m.s.userRoles[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := grants[roleID]; !ok {
		return ErrNotFound
	}
	grants[roleID] = active
	return nil
}

func (m *memRoles) ActiveRolesForUser(_ context.Context, userID string) ([]Role, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var roles []Role
	for roleID, active := range m.s.userRoles[userID] {
		if !active {
			continue
		}
		role, ok := m.s.roles[roleID]
		if !ok || !role.Active {
			continue
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

func (m *memRoles) UsersForRole(_ context.Context, roleID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var userIDs []string
	for userID, grants := range m.s.userRoles {
		if _, ok := grants[roleID]; ok {
			userIDs = append(userIDs, userID)
		}
	}
	return userIDs, nil
}

// Permissions --------------------------------------------------------------

type memPerms struct{ s *MemoryStore }

func (m *memPerms) Ensure(_ context.Context, perms []Permission) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range perms {
		if _, exists := m.s.permsByName[p.Name]; exists {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = time.Now().UTC()
		cp := p
		m.s.perms[p.ID] = &cp
		m.s.permsByName[p.Name] = p.ID
	}
	return nil
}

func (m *memPerms) FindByName(_ context.Context, name string) (*Permission, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id, ok := m.s.permsByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.s.perms[id]
	return &cp, nil
}

func (m *memPerms) SetActive(_ context.Context, permissionID string, active bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.perms[permissionID]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	return nil
}

func (m *memPerms) Link(_ context.Context, link RolePermission) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.rolePerms[link.RoleID] == nil {
		m.s.rolePerms[link.RoleID] = make(map[string]bool)
	}
	m.s.rolePerms[link.RoleID][link.PermissionID] = link.Active
	return nil
}

func (m *memPerms) SetLinkActive(_ context.Context, roleID, permissionID string, active bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	links, ok := m.s.rolePerms[roleID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := links[permissionID]; !ok {
		return ErrNotFound
	}
	links[permissionID] = active
	return nil
}

func (m *memPerms) ActivePermissionsForRole(_ context.Context, roleID string) ([]Permission, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var perms []Permission
	for permID, active := range m.s.rolePerms[roleID] {
		if !active {
			continue
		}
		p, ok := m.s.perms[permID]
		if !ok || !p.Active {
			continue
		}
		perms = append(perms, *p)
	}
	return perms, nil
}

func (m *memPerms) RolesForPermission(_ context.Context, permissionID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var roleIDs []string
	for roleID, links := range m.s.rolePerms {
		if _, ok := links[permissionID]; ok {
			roleIDs = append(roleIDs, roleID)
		}
	}
	return roleIDs, nil
}

// Refresh tokens -----------------------------------------------------------

type memTokens struct{ s *MemoryStore }

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, exists := m.s.tokens[tok.ID]; exists {
		return ErrConflict
	}
	cp := *tok
	m.s.tokens[tok.ID] = &cp
	return nil
}

func (m *memTokens) Find(_ context.Context, id string) (*RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	tok, ok := m.s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

// Rotate implements the one-shot compare-and-swap under the store mutex.
// The successor row is inserted while the mutex is still held, so a
// concurrent lineage revocation sees either no rotation at all or the
// successor too.
func (m *memTokens) Rotate(_ context.Context, id string, next *RefreshToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	tok, ok := m.s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if tok.Revoked {
		return ErrConflict
	}
	if _, exists := m.s.tokens[next.ID]; exists {
		return ErrConflict
	}
	tok.Revoked = true
	tok.ReplacedBy = next.ID
	cp := *next
	m.s.tokens[next.ID] = &cp
	return nil
}

func (m *memTokens) Revoke(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	tok, ok := m.s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (m *memTokens) RevokeLineage(_ context.Context, lineageID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var revoked []string
	for _, tok := range m.s.tokens {
		if tok.LineageID == lineageID && !tok.Revoked {
			tok.Revoked = true
			revoked = append(revoked, tok.ID)
		}
	}
	return revoked, nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var revoked []string
	for _, tok := range m.s.tokens {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			revoked = append(revoked, tok.ID)
		}
	}
	return revoked, nil
}
