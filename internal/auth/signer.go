package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the payload of a signed access token: identity plus a
// snapshot of roles and permissions taken at issue time. Verification is
// stateless, so a snapshot stays valid until the token expires even if the
// underlying grants change.
type AccessClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Signer is the signing collaborator: it produces and checks tamper-evident
// access tokens. The engine treats the format as opaque beyond "signed,
// carries expiry".
type Signer interface {
	Sign(claims *AccessClaims) (string, error)
	Verify(token string) (*AccessClaims, error)
}

// HS256Signer signs access tokens with HMAC-SHA256.
type HS256Signer struct {
	secret []byte
	now    func() time.Time
}

// HS256Option configures the signer.
type HS256Option func(*HS256Signer)

// WithSignerClock overrides the time source used during verification.
func WithSignerClock(fn func() time.Time) HS256Option {
	return func(s *HS256Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewHS256Signer builds a signer from a shared secret.
func NewHS256Signer(secret string, opts ...HS256Option) (*HS256Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &HS256Signer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign produces a compact JWT for the claims.
func (s *HS256Signer) Sign(claims *AccessClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks signature and time claims only; it performs no revocation
// lookup.
func (s *HS256Signer) Verify(tokenString string) (*AccessClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
