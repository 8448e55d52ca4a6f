// Package httpapi is the thin HTTP shell over the identity core. All policy
// decisions go through auth.Authorize; handlers only translate between wire
// shapes and core operations.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"gatekit.org/internal/auth"
	"gatekit.org/internal/obs"
)

// API exposes the identity operations over HTTP.
type API struct {
	svc     *auth.Service
	version string
	mux     *http.ServeMux
}

// New wires routes for the given service.
func New(svc *auth.Service, version string) *API {
	a := &API{svc: svc, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/v1/auth/register", a.handleRegister)
	mux.HandleFunc("/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	mux.HandleFunc("/v1/auth/logout_all", a.handleLogoutAll)
	mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	mux.HandleFunc("/v1/me", a.handleMe)
	mux.HandleFunc("/v1/me/profile", a.handleProfile)
	mux.HandleFunc("/v1/admin/roles", a.handleCreateRole)
	mux.HandleFunc("/v1/admin/roles/active", a.handleSetRoleActive)
	mux.HandleFunc("/v1/admin/roles/grant", a.handleGrantRole)
	mux.HandleFunc("/v1/admin/roles/grant_active", a.handleSetGrantActive)
	mux.HandleFunc("/v1/admin/permissions/link", a.handleLinkPermission)
	mux.HandleFunc("/v1/admin/permissions/link_active", a.handleSetLinkActive)
	mux.HandleFunc("/v1/admin/users/active", a.handleSetUserActive)
	a.mux = mux
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, 10, 5, "/v1/auth/login", "/v1/auth/refresh", "/v1/auth/register")
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, 1<<20)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": a.version})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps the core failure taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var vErr *auth.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": vErr.Fields,
		})
	case errors.Is(err, auth.ErrTokenReuse):
		writeError(w, http.StatusForbidden, "refresh token reuse detected")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return false
	}
	return true
}
