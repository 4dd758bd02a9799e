package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ssohub.org/internal/identity"
)

type createTenantRequest struct {
	Slug   string         `json:"slug"`
	Name   string         `json:"name"`
	Domain string         `json:"domain,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type createRoleRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	UserID     string `json:"user_id"`
	RoleSlug   string `json:"role_slug"`
	TenantSlug string `json:"tenant_slug,omitempty"`
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTenant(w, r)
	case http.MethodGet:
		a.listTenants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermManageTenants) {
		return
	}
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenant := &identity.Tenant{
		Slug:   strings.ToLower(strings.TrimSpace(req.Slug)),
		Name:   strings.TrimSpace(req.Name),
		Domain: strings.TrimSpace(req.Domain),
		Active: true,
		Data:   req.Data,
	}
	if tenant.Slug == "" || tenant.Name == "" {
		writeError(w, r, http.StatusBadRequest, "slug and name are required")
		return
	}
	if err := a.store.Tenants().Create(r.Context(), tenant); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.Header().Set("Location", "/auth/"+tenant.Slug)
	writeJSON(w, http.StatusCreated, tenant)
}

func (a *API) listTenants(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermManageTenants) {
		return
	}
	tenants, err := a.store.Tenants().List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "tenant listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tenants})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, identity.PermManageRoles) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := &identity.Role{
		Slug:        strings.ToLower(strings.TrimSpace(req.Slug)),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	}
	if role.Slug == "" || role.Name == "" {
		writeError(w, r, http.StatusBadRequest, "slug and name are required")
		return
	}
	if err := a.store.Roles().Create(r.Context(), role); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/roles/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "permissions" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, identity.PermManageRoles) {
		return
	}
	role, err := a.store.Roles().FindBySlug(r.Context(), parts[0])
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.Permissions().SetForRole(r.Context(), role.ID, req.Permissions); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, identity.PermManageRoles) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.RoleSlug = strings.TrimSpace(req.RoleSlug)
	if req.UserID == "" || req.RoleSlug == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and role_slug are required")
		return
	}
	role, err := a.store.Roles().FindBySlug(r.Context(), req.RoleSlug)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	assignment := identity.Assignment{
		UserID:     req.UserID,
		RoleID:     role.ID,
		TenantSlug: strings.TrimSpace(req.TenantSlug),
	}
	if err := a.store.Roles().Assign(r.Context(), assignment); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}
