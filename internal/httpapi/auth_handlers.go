package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/session"
	"ssohub.org/internal/stream"
	"ssohub.org/internal/token"
)

// defaultTenant scopes direct logins that name no tenant: the authority's
// own console, seeded at install time.
const defaultTenant = "ssohub"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Tenant   string `json:"tenant,omitempty"`
}

type registerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Tenant               string `json:"tenant_slug,omitempty"`
}

type validateRequest struct {
	Token  string `json:"token"`
	Tenant string `json:"tenant_slug,omitempty"`
}

type tokenResponse struct {
	Success     bool           `json:"success"`
	Token       string         `json:"token"`
	ExpiresAt   time.Time      `json:"expires_at"`
	SessionID   string         `json:"session_id,omitempty"`
	User        *identity.User `json:"user,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantSlug := strings.TrimSpace(req.Tenant)
	if tenantSlug == "" {
		tenantSlug = defaultTenant
	}
	a.authenticate(w, r, tenantSlug, req.Email, req.Password, session.MethodDirect, "")
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" || email == "" {
		writeError(w, r, http.StatusBadRequest, "name and email are required")
		return
	}
	if !strings.Contains(email, "@") {
		writeError(w, r, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Password != req.PasswordConfirmation {
		writeError(w, r, http.StatusBadRequest, "password confirmation does not match")
		return
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user := &identity.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
	}
	if err := a.store.Users().Create(r.Context(), user); err != nil {
		switch {
		case errors.Is(err, identity.ErrConflict):
			writeError(w, r, http.StatusConflict, "email already registered")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "failed to create user")
		}
		return
	}

	// A fresh account is logged in right away, so the response carries the
	// same token shape as /auth/login.
	tenant := strings.ToLower(strings.TrimSpace(req.Tenant))
	if tenant == "" {
		tenant = defaultTenant
	}
	a.authenticate(w, r, tenant, email, req.Password, session.MethodDirect, "")
}

// handleValidate answers the question every tenant application asks on every
// request: is this token good, and for whom. The call is HMAC-signed; the
// tenant pin defaults to the signing tenant so an application cannot
// accidentally accept tokens issued for someone else.
func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantSlug := strings.TrimSpace(req.Tenant)
	if tenantSlug == "" {
		tenantSlug = signedTenantFromContext(r.Context())
	}

	claims, err := a.tokens.Validate(req.Token, tenantSlug)
	if err != nil {
		obs.ObserveTokenValidation(tenantSlug, "invalid")
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   false,
			"message": validationMessage(err),
		})
		return
	}

	resp := map[string]any{
		"valid":       true,
		"user_id":     claims.Subject,
		"tenant":      claims.TenantSlug,
		"permissions": claims.Permissions,
		"expires_at":  claims.ExpiresAt.Time,
	}
	if user, err := a.store.Users().Find(r.Context(), claims.Subject); err == nil {
		resp["user"] = user
	} else if !errors.Is(err, identity.ErrNotFound) {
		obs.Warn("user lookup during validation failed", map[string]any{"user_id": claims.Subject, "err": err.Error()})
	}
	if claims.SessionID != "" {
		resp["session_id"] = claims.SessionID
		active, err := a.sessions.IsActive(r.Context(), claims.SessionID)
		if err == nil {
			resp["session_active"] = active
		}
	}

	obs.ObserveTokenValidation(tenantSlug, "valid")
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.Users().Find(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "user lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"tenant":      claims.TenantSlug,
		"permissions": claims.Permissions,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	fresh, exp, err := a.tokens.Refresh(rawTokenFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, token.ErrRefreshDenied) {
			writeError(w, r, http.StatusUnauthorized, "token too old to refresh")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}
	if claims != nil {
		obs.ObserveTokenIssued(claims.TenantSlug)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      fresh,
		"expires_at": exp,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if claims.SessionID != "" {
		if err := a.sessions.RecordLogout(r.Context(), claims.SessionID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "logout failed")
			return
		}
		if a.stream != nil {
			a.stream.Publish(stream.Event{
				Type:       stream.TypeLogout,
				TenantSlug: claims.TenantSlug,
				UserID:     claims.Subject,
				SessionID:  claims.SessionID,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// authenticate runs the shared credential flow for direct and SSO logins.
// Writes the token response itself; SSO passes a callback and gets a
// redirect instead.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request, tenantSlug, email, password string, method session.LoginMethod, callbackURL string) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	if err := a.sessions.CheckThrottle(r.Context(), tenantSlug, email); err != nil {
		obs.ObserveLogin(tenantSlug, string(method), "throttled")
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many failed attempts, try again later")
		return
	}

	tenant, err := a.store.Tenants().Find(r.Context(), tenantSlug)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, "unknown tenant")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "tenant lookup failed")
		return
	}
	if !tenant.Active {
		writeError(w, r, http.StatusForbidden, "tenant is disabled")
		return
	}

	user, err := a.store.Users().FindByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		writeError(w, r, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if err != nil || identity.VerifyPassword(user.PasswordHash, password) != nil {
		a.recordFailedLogin(r, tenantSlug, email, method, user)
		obs.ObserveLogin(tenantSlug, string(method), "failure")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	perms, err := a.resolver.PermissionsFor(r.Context(), user.ID, tenantSlug)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission resolution failed")
		return
	}

	sessionID, err := a.sessions.RecordLogin(r.Context(), session.LoginEvent{
		UserID:     user.ID,
		Email:      email,
		TenantSlug: tenantSlug,
		Method:     method,
		Success:    true,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		// The login is not durable until the audit row exists.
		writeError(w, r, http.StatusInternalServerError, "failed to record login")
		return
	}

	tok, exp, err := a.tokens.IssueSession(user.ID, tenantSlug, perms, sessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	if err := a.store.Users().RecordLogin(r.Context(), user.ID); err != nil {
		obs.Warn("last-login update failed", map[string]any{"user_id": user.ID, "err": err.Error()})
	}

	obs.ObserveLogin(tenantSlug, string(method), "success")
	obs.ObserveTokenIssued(tenantSlug)
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:       stream.TypeLogin,
			TenantSlug: tenantSlug,
			UserID:     user.ID,
			Email:      email,
			Method:     string(method),
			SessionID:  sessionID,
		})
	}

	if callbackURL != "" {
		a.redirectToCallback(w, r, callbackURL, tok, user)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Success:     true,
		Token:       tok,
		ExpiresAt:   exp,
		SessionID:   sessionID,
		User:        user,
		Permissions: perms,
	})
}

func (a *API) recordFailedLogin(r *http.Request, tenantSlug, email string, method session.LoginMethod, user *identity.User) {
	ev := session.LoginEvent{
		Email:         email,
		TenantSlug:    tenantSlug,
		Method:        method,
		Success:       false,
		FailureReason: "invalid_credentials",
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	}
	if user != nil {
		ev.UserID = user.ID
	}
	if _, err := a.sessions.RecordLogin(r.Context(), ev); err != nil {
		obs.Warn("failed-login audit write failed", map[string]any{"tenant": tenantSlug, "err": err.Error()})
	}
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:       stream.TypeLoginFailed,
			TenantSlug: tenantSlug,
			Email:      email,
			Method:     string(method),
			Reason:     "invalid_credentials",
		})
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, token.ErrTenantMismatch):
		return "token issued for a different tenant"
	default:
		return "token malformed"
	}
}
