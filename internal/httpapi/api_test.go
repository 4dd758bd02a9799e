package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/ids"
	"ssohub.org/internal/session"
	"ssohub.org/internal/signing"
	"ssohub.org/internal/stream"
	"ssohub.org/internal/token"
)

const (
	testSecret       = "test-signing-secret"
	testTenantSecret = "tenant1-shared-secret"
)

// memStore is an in-memory identity.Store for handler tests.
type memStore struct {
	mu          sync.Mutex
	users       map[string]*identity.User
	byEmail     map[string]string
	tenants     map[string]*identity.Tenant
	roles       map[string]*identity.Role
	assignments []identity.Assignment
	perms       map[string]identity.Permission
	rolePerms   map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*identity.User),
		byEmail:   make(map[string]string),
		tenants:   make(map[string]*identity.Tenant),
		roles:     make(map[string]*identity.Role),
		perms:     make(map[string]identity.Permission),
		rolePerms: make(map[string][]string),
	}
}

func (s *memStore) Users() identity.UserStore             { return (*memUsers)(s) }
func (s *memStore) Tenants() identity.TenantStore         { return (*memTenants)(s) }
func (s *memStore) Roles() identity.RoleStore             { return (*memRoles)(s) }
func (s *memStore) Permissions() identity.PermissionStore { return (*memPerms)(s) }

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[u.Email]; exists {
		return identity.ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = u
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *memUsers) Upsert(_ context.Context, email string, upd identity.UserUpdate) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		u := &identity.User{ID: ids.New(), Email: email}
		if upd.Name != nil {
			u.Name = *upd.Name
		}
		if upd.SSOUserID != nil {
			u.SSOUserID = *upd.SSOUserID
		}
		m.users[u.ID] = u
		m.byEmail[email] = u.ID
		cp := *u
		return &cp, nil
	}
	u := m.users[id]
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.SSOUserID != nil {
		u.SSOUserID = *upd.SSOUserID
	}
	if upd.LastLogin != nil {
		u.LastLoginAt = *upd.LastLogin
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) RecordLogin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return identity.ErrNotFound
	}
	u.LastLoginAt = time.Now().UTC()
	return nil
}

type memTenants memStore

func (m *memTenants) Create(_ context.Context, t *identity.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[t.Slug]; exists {
		return identity.ErrConflict
	}
	t.CreatedAt = time.Now().UTC()
	m.tenants[t.Slug] = t
	return nil
}

func (m *memTenants) Find(_ context.Context, slug string) (*identity.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[slug]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenants) List(_ context.Context) ([]*identity.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*identity.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

type memRoles memStore

func (m *memRoles) Create(_ context.Context, role *identity.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[role.Slug]; exists {
		return identity.ErrConflict
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	m.roles[role.Slug] = role
	return nil
}

func (m *memRoles) FindBySlug(_ context.Context, slug string) (*identity.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[slug]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (m *memRoles) Assign(_ context.Context, a identity.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing == a {
			return nil
		}
	}
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *memRoles) Assignments(_ context.Context, userID string) ([]identity.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.Assignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memPerms memStore

func (m *memPerms) Ensure(_ context.Context, perms []identity.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, exists := m.perms[p.Slug]; !exists {
			if p.ID == "" {
				p.ID = ids.New()
			}
			m.perms[p.Slug] = p
		}
	}
	return nil
}

func (m *memPerms) List(_ context.Context) ([]identity.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPerms) SetForRole(_ context.Context, roleID string, slugs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]string(nil), slugs...)
	return nil
}

func (m *memPerms) ForRole(_ context.Context, roleID string) ([]identity.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.Permission
	for _, slug := range m.rolePerms[roleID] {
		if p, ok := m.perms[slug]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// memAudits is an in-memory session.AuditStore.
type memAudits struct {
	mu   sync.Mutex
	rows []*session.LoginAudit
}

func (m *memAudits) Append(_ context.Context, row *session.LoginAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	cp.ID = strconv.Itoa(len(m.rows) + 1)
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memAudits) CloseSession(_ context.Context, sessionID string, logoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SessionID == sessionID && row.LogoutAt == nil {
			at := logoutAt
			if at.Before(row.LoginAt) {
				at = row.LoginAt
			}
			row.LogoutAt = &at
			row.DurationSeconds = int64(at.Sub(row.LoginAt).Seconds())
		}
	}
	return nil
}

func (m *memAudits) Query(_ context.Context, f session.AuditFilter) ([]session.LoginAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.LoginAudit
	for _, row := range m.rows {
		if f.TenantSlug != "" && row.TenantSlug != f.TenantSlug {
			continue
		}
		if f.Method != "" && row.Method != f.Method {
			continue
		}
		if f.Success != nil && row.Success != *f.Success {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (m *memAudits) CountFailures(_ context.Context, tenantSlug, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.TenantSlug == tenantSlug && row.Email == email && !row.Success && !row.LoginAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memStore
	audits  *memAudits
	signer  *signing.Signer
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIToken(t)
}

func newTestAPIToken(t *testing.T, tokenOpts ...token.Option) *apiClient {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore()
	audits := &memAudits{}
	limiter := session.NewFailureLimiter(rdb, 3, 15*time.Minute)
	coord := session.NewCoordinator(audits, session.NewRedisStore(rdb, 2*time.Hour), 2*time.Hour, session.WithLimiter(limiter))

	tokens, err := token.NewService(testSecret, tokenOpts...)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	signer := signing.NewSigner(map[string]string{"tenant1": testTenantSecret})

	api := New(ReadyProbe{}, "test", store, tokens, signer, coord, stream.New())
	api.rateBurst = 1000
	api.ratePerSec = 1000

	// seed tenants
	for _, tn := range []*identity.Tenant{
		{Slug: "ssohub", Name: "SSO Hub Console", Active: true},
		{Slug: "tenant1", Name: "Tenant One", Active: true},
		{Slug: "dormant", Name: "Dormant Tenant", Active: false},
	} {
		if err := store.Tenants().Create(context.Background(), tn); err != nil {
			t.Fatalf("seed tenant: %v", err)
		}
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &apiClient{
		baseURL: srv.URL,
		client:  client,
		t:       t,
		store:   store,
		audits:  audits,
		signer:  signer,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// signedHeaders computes valid request-signature headers for tenant1.
func (c *apiClient) signedHeaders(method, path string, body []byte) map[string]string {
	c.t.Helper()
	ts := time.Now()
	sig, err := c.signer.Sign("tenant1", method, path, body, ts)
	if err != nil {
		c.t.Fatalf("sign request: %v", err)
	}
	return map[string]string{
		signing.HeaderTenant:    "tenant1",
		signing.HeaderTimestamp: signing.FormatTimestamp(ts),
		signing.HeaderSignature: sig,
	}
}

func (c *apiClient) signedPost(path string, body any) *http.Response {
	c.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		c.t.Fatalf("marshal body: %v", err)
	}
	return c.post(path, body, c.signedHeaders(http.MethodPost, path, payload))
}

func (c *apiClient) register(name, email, password string) *identity.User {
	c.t.Helper()
	resp := c.post("/auth/register", map[string]any{
		"name":                  name,
		"email":                 email,
		"password":              password,
		"password_confirmation": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected register status: %d", resp.StatusCode)
	}
	tok := decode[tokenResponse](c.t, resp)
	if tok.Token == "" || tok.User == nil {
		c.t.Fatalf("register response missing token or user: %+v", tok)
	}
	return tok.User
}

func (c *apiClient) login(email, password, tenant string) tokenResponse {
	c.t.Helper()
	resp := c.post("/auth/login", map[string]any{
		"email":    email,
		"password": password,
		"tenant":   tenant,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload
}

// grantPermission gives the user a role carrying the named permissions.
func (c *apiClient) grantPermission(userID string, perms ...string) {
	c.t.Helper()
	ctx := context.Background()
	role := &identity.Role{Slug: "granted-" + userID, Name: "Granted"}
	if err := c.store.Roles().Create(ctx, role); err != nil {
		c.t.Fatalf("create role: %v", err)
	}
	var catalog []identity.Permission
	for _, p := range perms {
		catalog = append(catalog, identity.Permission{Slug: p, Name: p})
	}
	if err := c.store.Permissions().Ensure(ctx, catalog); err != nil {
		c.t.Fatalf("ensure permissions: %v", err)
	}
	if err := c.store.Permissions().SetForRole(ctx, role.ID, perms); err != nil {
		c.t.Fatalf("set role permissions: %v", err)
	}
	if err := c.store.Roles().Assign(ctx, identity.Assignment{UserID: userID, RoleID: role.ID}); err != nil {
		c.t.Fatalf("assign role: %v", err)
	}
}

func sessionAuditFilter(tenant string) session.AuditFilter {
	return session.AuditFilter{TenantSlug: tenant}
}

func auditFailureFilter(tenant string) session.AuditFilter {
	failed := false
	return session.AuditFilter{TenantSlug: tenant, Success: &failed}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}
