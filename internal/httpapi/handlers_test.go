package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/token"
)

func TestRegisterLoginUserFlow(t *testing.T) {
	api := newTestAPI(t)

	user := api.register("Alice", "alice@example.com", "correct-horse")
	if user.ID == "" {
		t.Fatalf("expected user id")
	}

	payload := api.login("alice@example.com", "correct-horse", "tenant1")
	if payload.SessionID == "" {
		t.Fatalf("expected session id in login response")
	}
	authHeader := map[string]string{"Authorization": "Bearer " + payload.Token}

	resp := api.get("/auth/user", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	u := body["user"].(map[string]any)
	if u["email"] != "alice@example.com" {
		t.Fatalf("unexpected user: %v", u)
	}
	if body["tenant"] != "tenant1" {
		t.Fatalf("unexpected tenant: %v", body["tenant"])
	}

	// refresh replaces the token, same session
	resp = api.post("/auth/refresh", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", resp.StatusCode)
	}
	refreshed := decode[map[string]any](t, resp)
	if refreshed["token"] == "" || refreshed["token"] == payload.Token {
		t.Fatalf("expected a fresh token")
	}

	// logout closes the session
	resp = api.post("/auth/logout", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	rows, err := api.audits.Query(context.Background(), sessionAuditFilter("tenant1"))
	if err != nil {
		t.Fatalf("query audits: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if rows[0].LogoutAt == nil {
		t.Fatalf("expected audit row to be closed after logout")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@example.com", "correct-horse")

	resp := api.post("/auth/register", map[string]any{
		"name":                  "Other Alice",
		"email":                 "alice@example.com",
		"password":              "another-pass",
		"password_confirmation": "another-pass",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestRegisterRejectsMismatchedConfirmation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/auth/register", map[string]any{
		"name":                  "Alice",
		"email":                 "alice@example.com",
		"password":              "correct-horse",
		"password_confirmation": "correct-h0rse",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLoginFailures(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@example.com", "correct-horse")

	// wrong password: generic 401, audited
	resp := api.post("/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
		"tenant":   "tenant1",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// unknown user: same generic 401
	resp = api.post("/auth/login", map[string]any{
		"email":    "nobody@example.com",
		"password": "whatever",
		"tenant":   "tenant1",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// unknown tenant
	resp = api.post("/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "correct-horse",
		"tenant":   "ghost",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	// disabled tenant
	resp = api.post("/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "correct-horse",
		"tenant":   "dormant",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	failed := false
	rows, err := api.audits.Query(context.Background(), auditFailureFilter("tenant1"))
	if err != nil {
		t.Fatalf("query audits: %v", err)
	}
	for _, row := range rows {
		if row.Email == "alice@example.com" && row.FailureReason == "invalid_credentials" {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("expected a failed-login audit row")
	}
}

func TestLoginThrottledAfterRepeatedFailures(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@example.com", "correct-horse")

	body := map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
		"tenant":   "tenant1",
	}
	// limiter allows 3 attempts in the test harness
	for i := 0; i < 3; i++ {
		resp := api.post("/auth/login", body, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, resp.StatusCode)
		}
	}

	resp := api.post("/auth/login", body, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// even the correct password is throttled now
	resp = api.post("/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "correct-horse",
		"tenant":   "tenant1",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for throttled identity, got %d", resp.StatusCode)
	}

	// an unrelated identity is unaffected
	api.register("Bob", "bob@example.com", "bobs-password")
	payload := api.login("bob@example.com", "bobs-password", "tenant1")
	if payload.Token == "" {
		t.Fatalf("expected unaffected login to succeed")
	}
}

func TestTenantSSOFlow(t *testing.T) {
	api := newTestAPI(t)
	user := api.register("Alice", "alice@example.com", "correct-horse")

	// GET describes the hosted login page
	resp := api.get("/auth/tenant1", url.Values{"callback_url": []string{"https://app.example.com/sso/callback"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	page := decode[map[string]any](t, resp)
	if page["tenant"] != "tenant1" || page["login_url"] != "/auth/tenant1" {
		t.Fatalf("unexpected page descriptor: %v", page)
	}

	// POST logs in and redirects back with token + user payload
	resp = api.post("/auth/tenant1", map[string]any{
		"email":        "alice@example.com",
		"password":     "correct-horse",
		"callback_url": "https://app.example.com/sso/callback?state=xyz",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	if loc.Host != "app.example.com" || loc.Path != "/sso/callback" {
		t.Fatalf("unexpected redirect target: %s", loc)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Fatalf("existing callback query params must survive")
	}
	if loc.Query().Get("token") == "" {
		t.Fatalf("expected token in redirect")
	}
	raw, err := base64.URLEncoding.DecodeString(loc.Query().Get("user"))
	if err != nil {
		t.Fatalf("decode user payload: %v", err)
	}
	var payload ssoUserPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal user payload: %v", err)
	}
	if payload.Email != "alice@example.com" || payload.SSOUserID != user.ID {
		t.Fatalf("unexpected user payload: %+v", payload)
	}
}

func TestSSORejectsForeignCallback(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@example.com", "correct-horse")

	// pin tenant1 to a domain
	api.store.mu.Lock()
	api.store.tenants["tenant1"].Domain = "example.com"
	api.store.mu.Unlock()

	for _, callback := range []string{
		"https://evil.test/steal",
		"ftp://example.com/cb",
		"not-a-url",
	} {
		resp := api.post("/auth/tenant1", map[string]any{
			"email":        "alice@example.com",
			"password":     "correct-horse",
			"callback_url": callback,
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("callback %q: expected 400, got %d", callback, resp.StatusCode)
		}
	}

	// subdomain of the registered domain is fine
	resp := api.post("/auth/tenant1", map[string]any{
		"email":        "alice@example.com",
		"password":     "correct-horse",
		"callback_url": "https://app.example.com/cb",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
}

func TestSSOUnknownTenant(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/auth/ghost", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/auth/user"},
		{http.MethodPost, "/auth/refresh"},
		{http.MethodPost, "/auth/logout"},
		{http.MethodGet, "/api/audit"},
		{http.MethodPost, "/api/tenants"},
		{http.MethodPost, "/api/roles"},
		{http.MethodPost, "/api/assignments"},
	} {
		var resp *http.Response
		if tc.method == http.MethodGet {
			resp = api.get(tc.path, nil, nil)
		} else {
			resp = api.post(tc.path, map[string]any{}, nil)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestAdminEndpointsEnforcePermissions(t *testing.T) {
	api := newTestAPI(t)
	user := api.register("Admin", "admin@example.com", "admin-password")

	// without the permission: 403
	plain := api.login("admin@example.com", "admin-password", "ssohub")
	resp := api.post("/api/tenants", map[string]any{
		"slug": "newapp",
		"name": "New App",
	}, map[string]string{"Authorization": "Bearer " + plain.Token})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// grant and log in again for a fresh permission snapshot
	api.grantPermission(user.ID, identity.PermManageTenants, identity.PermManageRoles, identity.PermViewAudits)
	granted := api.login("admin@example.com", "admin-password", "ssohub")
	authHeader := map[string]string{"Authorization": "Bearer " + granted.Token}

	resp = api.post("/api/tenants", map[string]any{
		"slug":   "newapp",
		"name":   "New App",
		"domain": "newapp.example.com",
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[identity.Tenant](t, resp)
	if created.Slug != "newapp" || !created.Active {
		t.Fatalf("unexpected tenant: %+v", created)
	}

	resp = api.get("/api/tenants", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	if len(listing["items"].([]any)) != 4 {
		t.Fatalf("expected 4 tenants, got %v", listing["items"])
	}

	// roles + permission wiring + assignment
	resp = api.post("/api/roles", map[string]any{
		"slug": "operator",
		"name": "Operator",
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut, api.baseURL+"/api/roles/operator/permissions",
		strings.NewReader(`{"permissions":["admin.audits.view"]}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+granted.Token)
	putResp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", putResp.StatusCode)
	}

	resp = api.post("/api/assignments", map[string]any{
		"user_id":     user.ID,
		"role_slug":   "operator",
		"tenant_slug": "newapp",
	}, authHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// audit query works with the granted permission
	resp = api.get("/api/audit", url.Values{"tenant": []string{"ssohub"}}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	audits := decode[auditQueryResponse](t, resp)
	if len(audits.Items) == 0 {
		t.Fatalf("expected audit rows for console logins")
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "ssohub-api" {
		t.Fatalf("unexpected service name: %v", body["service"])
	}

	resp = api.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected readyz status: %d", resp.StatusCode)
	}
}

func TestRefreshAcceptsExpiredTokenWithinGrace(t *testing.T) {
	now := time.Now().UTC()
	api := newTestAPIToken(t,
		token.WithTTL(15*time.Minute),
		token.WithRefreshGrace(time.Hour),
		token.WithClock(func() time.Time { return now }),
	)
	api.register("Alice", "alice@example.com", "correct-horse")
	payload := api.login("alice@example.com", "correct-horse", "tenant1")
	authHeader := map[string]string{"Authorization": "Bearer " + payload.Token}

	// past the TTL, inside the grace window
	now = now.Add(20 * time.Minute)

	resp := api.get("/auth/user", nil, authHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token must not authenticate, got %d", resp.StatusCode)
	}

	resp = api.post("/auth/refresh", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected refresh within grace to succeed, got %d", resp.StatusCode)
	}
	refreshed := decode[map[string]any](t, resp)
	fresh, _ := refreshed["token"].(string)
	if fresh == "" || fresh == payload.Token {
		t.Fatalf("expected a fresh token, got %v", refreshed)
	}

	resp = api.get("/auth/user", nil, map[string]string{"Authorization": "Bearer " + fresh})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh token should authenticate, got %d", resp.StatusCode)
	}

	// past the grace window the old token is gone for good
	now = now.Add(2 * time.Hour)
	resp = api.post("/auth/refresh", nil, authHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected refresh beyond grace to fail, got %d", resp.StatusCode)
	}
}

func TestTenantSSOAcceptsFormPost(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@example.com", "correct-horse")

	form := url.Values{
		"email":        []string{"alice@example.com"},
		"password":     []string{"correct-horse"},
		"callback_url": []string{"https://app.example.com/sso/callback"},
	}
	req, err := http.NewRequest(http.MethodPost, api.baseURL+"/auth/tenant1", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("form post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 for form login, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	if loc.Host != "app.example.com" || loc.Query().Get("token") == "" {
		t.Fatalf("unexpected redirect target: %s", loc)
	}
}
