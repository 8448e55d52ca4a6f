package httpapi

import (
	"net/http"

	"gatekit.org/internal/audit"
	"gatekit.org/internal/auth"
)

var rolesManage = auth.Requirement{Permissions: []string{auth.PermRolesManage}}

type createRoleRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.Graph().CreateRole(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.role.created", map[string]any{"role_id": role.ID, "name": role.Name})
	writeJSON(w, http.StatusCreated, role)
}

type grantRoleRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Graph().GrantRole(r.Context(), req.UserID, req.RoleID); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.role.granted", map[string]any{"target_user_id": req.UserID, "role_id": req.RoleID})
	w.WriteHeader(http.StatusNoContent)
}

type grantActiveRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
	Active bool   `json:"active"`
}

func (a *API) handleSetGrantActive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req grantActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Graph().SetGrantActive(r.Context(), req.UserID, req.RoleID, req.Active); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.grant.toggled", map[string]any{"target_user_id": req.UserID, "role_id": req.RoleID, "active": req.Active})
	w.WriteHeader(http.StatusNoContent)
}

type roleActiveRequest struct {
	RoleID string `json:"role_id"`
	Active bool   `json:"active"`
}

func (a *API) handleSetRoleActive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req roleActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Graph().SetRoleActive(r.Context(), req.RoleID, req.Active); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.role.toggled", map[string]any{"role_id": req.RoleID, "active": req.Active})
	w.WriteHeader(http.StatusNoContent)
}

type linkPermissionRequest struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
}

func (a *API) handleLinkPermission(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req linkPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Graph().LinkPermission(r.Context(), req.RoleID, req.PermissionID); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.permission.linked", map[string]any{"role_id": req.RoleID, "permission_id": req.PermissionID})
	w.WriteHeader(http.StatusNoContent)
}

type linkActiveRequest struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
	Active       bool   `json:"active"`
}

func (a *API) handleSetLinkActive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, rolesManage); !ok {
		return
	}
	var req linkActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Graph().SetLinkActive(r.Context(), req.RoleID, req.PermissionID, req.Active); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.link.toggled", map[string]any{"role_id": req.RoleID, "permission_id": req.PermissionID, "active": req.Active})
	w.WriteHeader(http.StatusNoContent)
}

type userActiveRequest struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

func (a *API) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, ok := a.guard(w, r, auth.Requirement{Permissions: []string{auth.PermUsersWrite}}); !ok {
		return
	}
	var req userActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.SetUserActive(r.Context(), req.UserID, req.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.user.toggled", map[string]any{"target_user_id": req.UserID, "active": req.Active})
	writeJSON(w, http.StatusOK, user)
}
