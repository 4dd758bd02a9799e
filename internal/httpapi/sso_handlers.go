package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/session"
)

type ssoLoginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callback_url"`
}

// ssoUserPayload is the display-only user snapshot carried back to the
// tenant in the callback redirect. Authoritative data always comes from a
// signed /auth/validate call.
type ssoUserPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	SSOUserID string `json:"sso_user_id"`
}

// handleTenantSSO serves /auth/{tenant_slug}: GET describes the hosted
// login page for the tenant, POST performs the login and redirects back to
// the tenant's callback with the token.
func (a *API) handleTenantSSO(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/auth/"), "/")
	if slug == "" || strings.Contains(slug, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	tenant, err := a.store.Tenants().Find(r.Context(), slug)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "unknown tenant")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "tenant lookup failed")
		return
	}
	if !tenant.Active {
		writeError(w, r, http.StatusForbidden, "tenant is disabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.ssoLoginPage(w, r, tenant)
	case http.MethodPost:
		a.ssoLogin(w, r, tenant)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) ssoLoginPage(w http.ResponseWriter, r *http.Request, tenant *identity.Tenant) {
	callback := strings.TrimSpace(r.URL.Query().Get("callback_url"))
	if callback != "" {
		if err := a.checkCallback(tenant, callback); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":       tenant.Slug,
		"name":         tenant.Name,
		"login_url":    "/auth/" + tenant.Slug,
		"callback_url": callback,
	})
}

// ssoLogin takes the credentials either as JSON or as a regular browser
// form post.
func (a *API) ssoLogin(w http.ResponseWriter, r *http.Request, tenant *identity.Tenant) {
	var req ssoLoginRequest
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		req.Email = r.PostFormValue("email")
		req.Password = r.PostFormValue("password")
		req.CallbackURL = r.PostFormValue("callback_url")
	default:
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	callback := strings.TrimSpace(req.CallbackURL)
	if callback == "" {
		writeError(w, r, http.StatusBadRequest, "callback_url is required")
		return
	}
	if err := a.checkCallback(tenant, callback); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.authenticate(w, r, tenant.Slug, req.Email, req.Password, session.MethodSSO, callback)
}

// checkCallback rejects non-HTTP callbacks outright and, when the tenant has
// a registered domain, anything pointing elsewhere. Tokens must not leak to
// arbitrary hosts via attacker-supplied callbacks.
func (a *API) checkCallback(tenant *identity.Tenant, callback string) error {
	u, err := url.Parse(callback)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("callback_url must be an absolute http(s) URL")
	}
	if tenant.Domain == "" {
		return nil
	}
	host := u.Hostname()
	if host == tenant.Domain || strings.HasSuffix(host, "."+tenant.Domain) {
		return nil
	}
	return errors.New("callback_url host not allowed for this tenant")
}

func (a *API) redirectToCallback(w http.ResponseWriter, r *http.Request, callback, tok string, user *identity.User) {
	payload, err := json.Marshal(ssoUserPayload{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		SSOUserID: user.ID,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to encode user payload")
		return
	}

	u, err := url.Parse(callback)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid callback_url")
		return
	}
	q := u.Query()
	q.Set("token", tok)
	q.Set("user", base64.URLEncoding.EncodeToString(payload))
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}
