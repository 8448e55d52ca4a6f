package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCache is an in-memory SessionCache with switchable failure modes.
type fakeCache struct {
	mu            sync.Mutex
	grants        map[string]*Grants
	members       map[string]map[string]bool
	revoked       map[string]bool
	revocationErr error
	roleIndexErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		grants:  make(map[string]*Grants),
		members: make(map[string]map[string]bool),
		revoked: make(map[string]bool),
	}
}

func (c *fakeCache) GetGrants(_ context.Context, userID string) (*Grants, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grants[userID], nil
}

func (c *fakeCache) SetGrants(_ context.Context, userID string, grants *Grants, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[userID] = grants
	for _, roleID := range grants.RoleIDs {
		if c.members[roleID] == nil {
			c.members[roleID] = make(map[string]bool)
		}
		c.members[roleID][userID] = true
	}
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.grants, id)
	}
	return nil
}

func (c *fakeCache) InvalidateRole(_ context.Context, roleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roleIndexErr != nil {
		return c.roleIndexErr
	}
	for userID := range c.members[roleID] {
		delete(c.grants, userID)
	}
	delete(c.members, roleID)
	return nil
}

func (c *fakeCache) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revocationErr != nil {
		return false, c.revocationErr
	}
	return c.revoked[tokenID], nil
}

func (c *fakeCache) MarkRevoked(_ context.Context, tokenID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = true
	return nil
}

type testEnv struct {
	store *MemoryStore
	cache *fakeCache
	graph *Graph
	svc   *Service
	clock *fakeClock
}

func newTestEnv(t *testing.T, withCache bool) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()

	var cache *fakeCache
	graphOpts := []GraphOption{}
	svcOpts := []ServiceOption{
		WithClock(clock.Now),
		WithIssuer("gatekit-test"),
		WithBcryptCost(bcrypt.MinCost),
	}
	if withCache {
		cache = newFakeCache()
		graphOpts = append(graphOpts, WithGrantsCache(cache))
		svcOpts = append(svcOpts, WithSessionCache(cache))
	}
	graph := NewGraph(store, graphOpts...)

	signer, err := NewHS256Signer("test-secret", WithSignerClock(clock.Now))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	svc, err := NewService(store, graph, signer, svcOpts...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &testEnv{store: store, cache: cache, graph: graph, svc: svc, clock: clock}
}

func (e *testEnv) register(t *testing.T, email string) *User {
	t.Helper()
	user, err := e.svc.Register(context.Background(), RegisterInput{
		Email:    email,
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return user
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.svc.Register(context.Background(), RegisterInput{Email: "nope", Password: "short"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected errors.Is ErrValidation")
	}
	if _, ok := vErr.Fields["email"]; !ok {
		t.Fatalf("expected email field error: %v", vErr.Fields)
	}
	if _, ok := vErr.Fields["password"]; !ok {
		t.Fatalf("expected password field error: %v", vErr.Fields)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "dup@example.com")
	_, err := env.svc.Register(context.Background(), RegisterInput{
		Email:    "dup@example.com",
		Password: "hunter2hunter2",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLoginIssuesVerifiableAccessToken(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")

	pair, principal, err := env.svc.Login(context.Background(), "Alice@Example.com ", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if principal.UserID != user.ID {
		t.Fatalf("principal user = %s, want %s", principal.UserID, user.ID)
	}
	if len(principal.Permissions) != 0 {
		t.Fatalf("fresh account should have no permissions: %v", principal.Permissions)
	}
	claims, err := env.svc.VerifyAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("subject = %s, want %s", claims.Subject, user.ID)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice@example.com")

	if _, _, err := env.svc.Login(context.Background(), "alice@example.com", "wrong-password"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := env.svc.Login(context.Background(), "nobody@example.com", "hunter2hunter2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown email: expected ErrUnauthorized, got %v", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")
	inactive := false
	if _, err := env.store.Users(context.Background()).Update(context.Background(), user.ID, UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	env := newTestEnv(t, true)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	next, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	// Presenting the superseded token is a compromise signal.
	_, _, err = env.svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrTokenReuse) {
		t.Fatalf("expected ErrTokenReuse, got %v", err)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("reuse must satisfy ErrForbidden")
	}

	// The reuse revoked the whole lineage: the rotated-to token dies too.
	if _, _, err := env.svc.Refresh(context.Background(), next.RefreshToken); err == nil {
		t.Fatalf("expected revoked lineage to reject the successor token")
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, reuses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenReuse):
			reuses++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if reuses != workers-1 {
		t.Fatalf("expected %d reuse failures, got %d", workers-1, reuses)
	}
}

// rotationHookStore delegates to a MemoryStore but runs a hook once right
// before the rotation compare-and-swap, standing in for a concurrent caller
// scheduled inside the rotation window.
type rotationHookStore struct {
	*MemoryStore
	beforeRotate func()
}

func (s *rotationHookStore) RefreshTokens(ctx context.Context) RefreshTokenStore {
	return &hookedTokens{RefreshTokenStore: s.MemoryStore.RefreshTokens(ctx), store: s}
}

type hookedTokens struct {
	RefreshTokenStore
	store *rotationHookStore
}

func (t *hookedTokens) Rotate(ctx context.Context, id string, next *RefreshToken) error {
	if fn := t.store.beforeRotate; fn != nil {
		t.store.beforeRotate = nil
		fn()
	}
	return t.RefreshTokenStore.Rotate(ctx, id, next)
}

// A caller paused between its validity checks and the rotation swap must not
// produce a token that outlives the reuse-triggered lineage revocation: the
// swap and the successor insert are one store operation, so whichever side
// loses the race finds the whole lineage dead.
func TestRefreshReuseInsideRotationWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &rotationHookStore{MemoryStore: NewMemoryStore()}
	graph := NewGraph(store)
	signer, err := NewHS256Signer("test-secret", WithSignerClock(clock.Now))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	svc, err := NewService(store, graph, signer,
		WithClock(clock.Now),
		WithIssuer("gatekit-test"),
		WithBcryptCost(bcrypt.MinCost),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "alice@example.com", Password: "hunter2hunter2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	pair, _, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	var competitorPair TokenPair
	var competitorErr error
	store.beforeRotate = func() {
		competitorPair, _, competitorErr = svc.Refresh(ctx, pair.RefreshToken)
	}

	// The paused caller resumes after the competitor rotated the token; its
	// swap fails and the reuse path revokes the lineage.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrTokenReuse) {
		t.Fatalf("expected ErrTokenReuse for the paused caller, got %v", err)
	}
	if competitorErr != nil {
		t.Fatalf("competitor refresh: %v", competitorErr)
	}
	if _, _, err := svc.Refresh(ctx, competitorPair.RefreshToken); err == nil {
		t.Fatalf("token issued during the reuse race survived the lineage revocation")
	}
}

func TestRefreshExpired(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.clock.Advance(15 * 24 * time.Hour)
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestRefreshWrongSecretBurnsToken(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, _, err := splitRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	if _, _, err := env.svc.Refresh(context.Background(), id+".forged-secret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for forged secret, got %v", err)
	}
	// The guessed id is now burned even for the legitimate holder.
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Fatalf("expected burned token to be rejected")
	}
}

func TestRefreshFailsClosedOnCacheError(t *testing.T) {
	env := newTestEnv(t, true)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.cache.revocationErr = errors.New("cache down")
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected fail-closed ErrUnauthorized, got %v", err)
	}
}

func TestRevokeStopsRefresh(t *testing.T) {
	env := newTestEnv(t, true)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := env.svc.Revoke(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}

	id, _, _ := splitRefreshToken(pair.RefreshToken)
	if !env.cache.revoked[id] {
		t.Fatalf("explicit revocation must land on the cache revocation list")
	}
}

func TestRevokeAllStopsEverySession(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")
	first, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login 1: %v", err)
	}
	second, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login 2: %v", err)
	}

	if err := env.svc.RevokeAll(context.Background(), user.ID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if _, _, err := env.svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatalf("first session survived revoke all")
	}
	if _, _, err := env.svc.Refresh(context.Background(), second.RefreshToken); err == nil {
		t.Fatalf("second session survived revoke all")
	}
}

func TestChangePasswordRotatesCredentials(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.svc.ChangePassword(context.Background(), user.ID, "wrong", "another-password"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong old password, got %v", err)
	}
	if err := env.svc.ChangePassword(context.Background(), user.ID, "hunter2hunter2", "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for short new password, got %v", err)
	}
	if err := env.svc.ChangePassword(context.Background(), user.ID, "hunter2hunter2", "another-password"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old password still accepted")
	}
	if _, _, err := env.svc.Login(context.Background(), "alice@example.com", "another-password"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	// Prior sessions die with the old credential.
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Fatalf("refresh token survived password change")
	}
}

func TestVerifyAccessTokenChecksTypeAndIssuer(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := env.svc.VerifyAccessToken(pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh token accepted as access token")
	}

	env.clock.Advance(16 * time.Minute)
	if _, err := env.svc.VerifyAccessToken(pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired access token accepted")
	}
}

// TestGrantLifecycle walks the full path: a fresh account has no permissions,
// gains one through a role, and loses it again when the link is suspended.
// Access tokens issued before the suspension keep their snapshot until expiry.
func TestGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	user := env.register(t, "alice@example.com")

	perms, err := env.graph.ResolvePermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("fresh account has permissions: %v", perms)
	}

	if err := env.store.Permissions(ctx).Ensure(ctx, []Permission{{Name: "posts.write", Active: true}}); err != nil {
		t.Fatalf("ensure permission: %v", err)
	}
	perm, err := env.store.Permissions(ctx).FindByName(ctx, "posts.write")
	if err != nil {
		t.Fatalf("find permission: %v", err)
	}
	role, err := env.graph.CreateRole(ctx, "editor")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := env.graph.LinkPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("link permission: %v", err)
	}
	if err := env.graph.GrantRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("grant role: %v", err)
	}

	pair, principal, err := env.svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !principal.HasPermission("posts.write") {
		t.Fatalf("login did not pick up granted permission: %v", principal.Permissions)
	}
	claims, err := env.svc.VerifyAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !containsFold(claims.Permissions, "posts.write") {
		t.Fatalf("claims missing permission: %v", claims.Permissions)
	}

	if err := env.graph.SetLinkActive(ctx, role.ID, perm.ID, false); err != nil {
		t.Fatalf("suspend link: %v", err)
	}
	perms, err = env.graph.ResolvePermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("resolve after suspension: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("suspended link still grants: %v", perms)
	}

	// The already-issued token keeps its snapshot until it expires.
	claims, err = env.svc.VerifyAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify after suspension: %v", err)
	}
	if !containsFold(claims.Permissions, "posts.write") {
		t.Fatalf("issued snapshot changed retroactively")
	}
}

func TestSetUserActiveFalseRevokesSessions(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")
	pair, _, err := env.svc.Login(context.Background(), "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.svc.SetUserActive(context.Background(), user.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Fatalf("refresh survived account deactivation")
	}
}

func TestUpdateProfileClearsPhoneVerification(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	user := env.register(t, "alice@example.com")

	if _, err := env.svc.VerifyPhone(ctx, user.ID); err != nil {
		t.Fatalf("verify phone: %v", err)
	}
	phone := "+15550001111"
	updated, err := env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Phone: &phone})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Phone != phone {
		t.Fatalf("phone = %q, want %q", updated.Phone, phone)
	}
	if updated.PhoneVerified {
		t.Fatalf("phone change must clear verification")
	}

	first := "Alice"
	updated, err = env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{FirstName: &first})
	if err != nil {
		t.Fatalf("update first name: %v", err)
	}
	if updated.FirstName != "Alice" || updated.Phone != phone {
		t.Fatalf("partial update touched unrelated fields: %+v", updated)
	}
}
