package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatekit.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths that never demand a bearer token. A valid token presented on one of
// them is still attached to the context (the authz gate and logout use it).
var publicPaths = []string{
	"/healthz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/authz/check",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		public := isPublicPath(r.URL.Path)

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.svc.VerifyAccessToken(token)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.PrincipalFromClaims(claims))
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// guard enforces a requirement for a handler. Unauthenticated and
// insufficient-privilege denials map to 401 and 403 respectively, the same
// split navigation gates use for login-vs-forbidden redirects.
func (a *API) guard(w http.ResponseWriter, r *http.Request, req auth.Requirement) (*auth.Principal, bool) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	decision := auth.Authorize(principal, req)
	if decision.Allowed {
		return principal, true
	}
	switch decision.Reason {
	case auth.DenyUnauthenticated:
		writeError(w, http.StatusUnauthorized, "authentication required")
	default:
		writeError(w, http.StatusForbidden, "insufficient privilege")
	}
	return nil, false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
