package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gatekit.org/internal/ids"
	"gatekit.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	minPasswordLength = 8
)

// Service is the token engine: it authenticates credentials, issues and
// rotates token pairs, and owns the refresh token lifecycle
// (Issued -> Active -> Rotated | Revoked | Expired).
type Service struct {
	store  Store
	graph  *Graph
	signer Signer
	cache  SessionCache

	now        func() time.Time
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	bcryptCost int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer sets the access token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime. Keep it short: revocation
// latency for stolen access tokens is bounded by this value.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithSessionCache attaches the revocation/permission cache.
func WithSessionCache(cache SessionCache) ServiceOption {
	return func(s *Service) error {
		s.cache = cache
		return nil
	}
}

// WithBcryptCost tunes the password hashing work factor.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost > 0 {
			s.bcryptCost = cost
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the token engine.
func NewService(store Store, graph *Graph, signer Signer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if graph == nil {
		return nil, errors.New("auth: graph is required")
	}
	if signer == nil {
		return nil, errors.New("auth: signer is required")
	}
	svc := &Service{
		store:      store,
		graph:      graph,
		signer:     signer,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Graph exposes the role/permission graph backing this engine.
func (s *Service) Graph() *Graph { return s.graph }

// EnsureBuiltins makes sure predefined permissions exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RegisterInput is the payload for creating an account.
type RegisterInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Register creates a user with verification flags false and the account
// active. A duplicate email surfaces as ErrConflict.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(input.Email))
	fields := map[string]string{}
	if email == "" || !strings.Contains(email, "@") {
		fields["email"] = "a valid email is required"
	}
	if len(input.Password) < minPasswordLength {
		fields["password"] = "must be at least 8 characters"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	hash, err := HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Phone:        strings.TrimSpace(input.Phone),
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		PasswordHash: hash,
		Active:       true,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and issues a fresh token pair. Bad credentials
// surface as ErrUnauthorized, an inactive account as ErrForbidden.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		obs.LoginAttempt("unauthorized")
		return TokenPair{}, nil, ErrUnauthorized
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			equalizeTiming(password)
			obs.LoginAttempt("unauthorized")
			return TokenPair{}, nil, ErrUnauthorized
		}
		obs.LoginAttempt("error")
		return TokenPair{}, nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.LoginAttempt("unauthorized")
		return TokenPair{}, nil, ErrUnauthorized
	}
	if !user.Active {
		obs.LoginAttempt("forbidden")
		return TokenPair{}, nil, ErrForbidden
	}
	grants, err := s.graph.Resolve(ctx, user.ID)
	if err != nil {
		obs.LoginAttempt("error")
		return TokenPair{}, nil, err
	}
	pair, err := s.mint(ctx, user, grants, "")
	if err != nil {
		obs.LoginAttempt("error")
		return TokenPair{}, nil, err
	}
	obs.LoginAttempt("ok")
	return pair, NewPrincipal(user.ID, grants), nil
}

// Refresh rotates a refresh token and issues fresh credentials. The old
// token is atomically superseded; presenting an already-rotated token
// revokes its whole lineage and fails with ErrTokenReuse. Grants are
// re-resolved so role changes since login take effect here.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Principal, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}

	// Revocation is checked against the cache first and fails closed: if the
	// cache cannot answer, the token is treated as revoked.
	if s.cache != nil {
		revoked, err := s.cache.IsRevoked(ctx, tokenID)
		if err != nil || revoked {
			return TokenPair{}, nil, ErrInvalidToken
		}
	}

	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		// Valid id with a wrong secret: burn the token.
		_ = tokens.Revoke(ctx, rec.ID)
		s.markRevoked(ctx, rec.ID)
		return TokenPair{}, nil, ErrInvalidToken
	}
	if rec.Rotated() {
		// A superseded token came back: compromise signal. Kill the lineage.
		s.revokeLineage(ctx, rec.LineageID)
		obs.ReuseDetected()
		return TokenPair{}, nil, ErrTokenReuse
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return TokenPair{}, nil, ErrInvalidToken
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	if !user.Active {
		return TokenPair{}, nil, ErrForbidden
	}
	grants, err := s.graph.Resolve(ctx, user.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	now := s.now()
	newValue, newRec, err := s.generateRefreshToken(user.ID, rec.LineageID, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	// Compare-and-swap: of two concurrent refreshes of the same token
	// exactly one wins; the loser sees ErrConflict and is handled as reuse.
	// The store revokes the old token and inserts the successor as a single
	// unit, so a reuse-triggered lineage revocation either precedes the
	// rotation (and the rotation fails) or sweeps the successor with it.
	if err := tokens.Rotate(ctx, rec.ID, newRec); err != nil {
		if errors.Is(err, ErrConflict) {
			s.revokeLineage(ctx, rec.LineageID)
			obs.ReuseDetected()
			return TokenPair{}, nil, ErrTokenReuse
		}
		return TokenPair{}, nil, err
	}

	access, accessExp, err := s.signAccessToken(user.ID, grants, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	obs.RefreshRotated()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     newValue,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: newRec.ExpiresAt,
	}, NewPrincipal(user.ID, grants), nil
}

// VerifyAccessToken checks signature and expiry only; it never consults the
// revocation list. Revocation latency is bounded by the access TTL.
func (s *Service) VerifyAccessToken(token string) (*AccessClaims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && !strings.EqualFold(claims.Issuer, s.issuer) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates one refresh token (logout).
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		return err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return ErrInvalidToken
	}
	if err := tokens.Revoke(ctx, rec.ID); err != nil {
		return err
	}
	s.markRevoked(ctx, rec.ID)
	return nil
}

// RevokeAll invalidates every outstanding refresh token for a user
// (logout everywhere, credential rotation).
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	revoked, err := s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range revoked {
		s.markRevoked(ctx, id)
	}
	return nil
}

// ChangePassword verifies the old password, installs the new hash and
// revokes all outstanding refresh tokens: credential rotation invalidates
// prior sessions.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, oldPassword); err != nil {
		return ErrUnauthorized
	}
	if len(newPassword) < minPasswordLength {
		return newValidationError("password", "must be at least 8 characters")
	}
	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	return s.RevokeAll(ctx, userID)
}

func (s *Service) mint(ctx context.Context, user *User, grants *Grants, lineageID string) (TokenPair, error) {
	now := s.now()
	access, accessExp, err := s.signAccessToken(user.ID, grants, now)
	if err != nil {
		return TokenPair{}, err
	}
	value, rec, err := s.generateRefreshToken(user.ID, lineageID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) signAccessToken(userID string, grants *Grants, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := &AccessClaims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if grants != nil {
		claims.Roles = grants.Roles
		claims.Permissions = grants.Permissions
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// generateRefreshToken builds an opaque "id.secret" value with a 256-bit
// secret; only the SHA-256 of the secret is persisted. An empty lineageID
// starts a new lineage rooted at this token.
func (s *Service) generateRefreshToken(userID, lineageID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	if lineageID == "" {
		lineageID = tokenID
	}
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		LineageID: lineageID,
		TokenHash: hex.EncodeToString(sum[:]),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return tokenID + "." + secret, rec, nil
}

func (s *Service) revokeLineage(ctx context.Context, lineageID string) {
	revoked, err := s.store.RefreshTokens(ctx).RevokeLineage(ctx, lineageID)
	if err != nil {
		return
	}
	for _, id := range revoked {
		s.markRevoked(ctx, id)
	}
}

func (s *Service) markRevoked(ctx context.Context, tokenID string) {
	if s.cache == nil {
		return
	}
	// Keep the cache entry as long as the token could still be presented.
	_ = s.cache.MarkRevoked(ctx, tokenID, s.refreshTTL)
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
