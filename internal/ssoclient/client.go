// Package ssoclient is the tenant-side integration with the central
// authority: redirecting users to the hosted login page, consuming the
// callback, validating tokens and reporting local session activity back.
package ssoclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/signing"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 3
)

var (
	// ErrInvalidCallback indicates the callback query is missing the token.
	ErrInvalidCallback = errors.New("ssoclient: invalid callback")
	// ErrMalformedUserPayload indicates the user parameter could not be decoded.
	ErrMalformedUserPayload = errors.New("ssoclient: malformed user payload")
	// ErrInvalidToken indicates the authority rejected the token.
	ErrInvalidToken = errors.New("ssoclient: invalid token")
	// ErrUpstreamUnavailable indicates the authority could not be reached.
	ErrUpstreamUnavailable = errors.New("ssoclient: authority unavailable")
)

// Validation is the authority's answer for a token.
type Validation struct {
	Valid         bool           `json:"valid"`
	Message       string         `json:"message,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	Permissions   []string       `json:"permissions,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	SessionActive *bool          `json:"session_active,omitempty"`
	User          *identity.User `json:"user,omitempty"`
}

// CallbackUser is the display-only snapshot carried in the callback
// redirect. Authoritative identity always comes from the validation call.
type CallbackUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	SSOUserID string `json:"sso_user_id"`
}

// CallbackResult is the outcome of consuming an SSO callback.
type CallbackResult struct {
	Token      string
	Display    CallbackUser
	Validation *Validation
	// Shadow is the local user record, present when a shadow store is
	// configured.
	Shadow *identity.User
}

// LoginReport describes a locally observed login for the central audit
// trail.
type LoginReport struct {
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email"`
	Method        string `json:"login_method"`
	Success       bool   `json:"is_successful"`
	FailureReason string `json:"failure_reason,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// Client talks to the central authority on behalf of one tenant.
type Client struct {
	baseURL string
	tenant  string
	signer  *signing.Signer
	http    *http.Client
	retries int
	shadow  identity.UserStore
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetries configures how many times transient failures are retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithShadowStore configures the local user store kept in sync on SSO
// callbacks.
func WithShadowStore(store identity.UserStore) Option {
	return func(c *Client) {
		c.shadow = store
	}
}

// New constructs a client for one tenant with its shared signing secret.
func New(baseURL, tenant, secret string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	tenant = strings.TrimSpace(tenant)
	if baseURL == "" {
		return nil, errors.New("ssoclient: base URL is required")
	}
	if tenant == "" {
		return nil, errors.New("ssoclient: tenant slug is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("ssoclient: shared secret is required")
	}
	c := &Client{
		baseURL: baseURL,
		tenant:  tenant,
		signer:  signing.NewSigner(map[string]string{tenant: secret}),
		http:    &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RedirectURL is where the tenant application sends an unauthenticated user.
func (c *Client) RedirectURL(callbackURL string) string {
	u := c.baseURL + "/auth/" + c.tenant
	if callbackURL != "" {
		u += "?callback_url=" + url.QueryEscape(callbackURL)
	}
	return u
}

// HandleCallback consumes the query parameters the authority appended to the
// callback URL. The token is validated remotely before anything is trusted;
// when a shadow store is configured the local user record is upserted from
// the validated identity. Safe to call concurrently for the same user.
func (c *Client) HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	tok := strings.TrimSpace(query.Get("token"))
	if tok == "" {
		return nil, fmt.Errorf("%w: missing token parameter", ErrInvalidCallback)
	}

	var display CallbackUser
	if rawUser := query.Get("user"); rawUser != "" {
		decoded, err := base64.URLEncoding.DecodeString(rawUser)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUserPayload, err)
		}
		if err := json.Unmarshal(decoded, &display); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUserPayload, err)
		}
	}

	v, err := c.ValidateToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, v.Message)
	}

	result := &CallbackResult{
		Token:      tok,
		Display:    display,
		Validation: v,
	}

	if c.shadow != nil && v.User != nil {
		upd := identity.UserUpdate{
			SSOUserID: &v.UserID,
		}
		if v.User.Name != "" {
			name := v.User.Name
			upd.Name = &name
		}
		now := time.Now().UTC()
		upd.LastLogin = &now
		shadow, err := c.shadow.Upsert(ctx, v.User.Email, upd)
		if err != nil {
			return nil, fmt.Errorf("ssoclient: shadow upsert: %w", err)
		}
		result.Shadow = shadow
	}

	return result, nil
}

// ValidateToken asks the authority whether the token is good for this
// tenant.
func (c *Client) ValidateToken(ctx context.Context, tok string) (*Validation, error) {
	var v Validation
	err := c.signedCall(ctx, http.MethodPost, "/auth/validate", map[string]any{"token": tok}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FetchUser loads the authoritative user record behind a token.
func (c *Client) FetchUser(ctx context.Context, tok string) (*identity.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ssoclient: unexpected status %d from /auth/user", resp.StatusCode)
	}
	var body struct {
		User *identity.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ssoclient: decode user response: %w", err)
	}
	if body.User == nil {
		return nil, errors.New("ssoclient: empty user response")
	}
	return body.User, nil
}

// ReportLogin sends a locally observed login to the central audit trail.
// Returns the session id the authority assigned for successful logins.
func (c *Client) ReportLogin(ctx context.Context, report LoginReport) (string, error) {
	var out struct {
		Recorded  bool   `json:"recorded"`
		SessionID string `json:"session_id"`
	}
	if err := c.signedCall(ctx, http.MethodPost, "/api/audit/login", report, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// ReportLogout closes the central session. Best-effort callers can ignore
// the error; the authority reaps idle sessions on its own.
func (c *Client) ReportLogout(ctx context.Context, sessionID string) error {
	var out struct {
		Recorded bool `json:"recorded"`
	}
	return c.signedCall(ctx, http.MethodPost, "/api/audit/logout", map[string]any{"session_id": sessionID}, &out)
}

// SessionActive asks whether the central session is still live.
func (c *Client) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := c.signedCall(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

// signedCall performs an HMAC-signed request with retries on transient
// failures. Each attempt gets a fresh timestamp and signature so a retry is
// never a replay.
func (c *Client) signedCall(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ssoclient: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		resp, err := c.doSigned(ctx, method, path, payload)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			continue
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("ssoclient: request rejected with status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("ssoclient: unexpected status %d for %s %s", resp.StatusCode, method, path)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("ssoclient: decode response: %w", err)
			}
		}
		return nil
	}
	obs.Warn("authority call failed after retries", map[string]any{
		"method": method,
		"path":   path,
		"err":    lastErr.Error(),
	})
	return lastErr
}

func (c *Client) doSigned(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	ts := time.Now()
	sig, err := c.signer.Sign(c.tenant, method, path, payload, ts)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderTenant, c.tenant)
	req.Header.Set(signing.HeaderTimestamp, signing.FormatTimestamp(ts))
	req.Header.Set(signing.HeaderSignature, sig)
	return c.http.Do(req)
}
