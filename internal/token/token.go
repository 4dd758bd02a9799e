// Package token issues and validates the bearer tokens the authority hands
// to tenant applications. Validation is stateless: a token and the signing
// secret are enough, which lets any tenant call /auth/validate and get a
// deterministic answer.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTTL          = 15 * time.Minute
	defaultRefreshGrace = time.Hour
)

var (
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed indicates a signature or structural failure.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTenantMismatch indicates the token was issued for a different tenant.
	ErrTenantMismatch = errors.New("token tenant mismatch")
	// ErrRefreshDenied indicates the token is expired beyond the grace period.
	ErrRefreshDenied = errors.New("refresh denied")
)

// Claims are the signed token payload: subject, tenant scope, the session
// the token belongs to and the permission snapshot resolved at issuance.
type Claims struct {
	TenantSlug  string   `json:"tenant"`
	SessionID   string   `json:"sid,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies tenant-scoped tokens with HS256.
type Service struct {
	secret       []byte
	issuer       string
	ttl          time.Duration
	refreshGrace time.Duration
	now          func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
	}
}

// WithTTL configures token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRefreshGrace configures how long past expiry a token may still be
// exchanged for a fresh one.
func WithRefreshGrace(grace time.Duration) Option {
	return func(s *Service) {
		if grace > 0 {
			s.refreshGrace = grace
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a token service around the shared signing secret.
func NewService(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is required")
	}
	svc := &Service{
		secret:       []byte(secret),
		issuer:       "ssohub",
		ttl:          defaultTTL,
		refreshGrace: defaultRefreshGrace,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Issue signs a token scoped to tenantSlug carrying the resolved permission
// snapshot. Permissions are not re-resolved on validation.
func (s *Service) Issue(userID, tenantSlug string, permissions []string) (string, time.Time, error) {
	return s.IssueSession(userID, tenantSlug, permissions, "")
}

// IssueSession is Issue with the token bound to a server-side session, so
// that activity tracking and logout can locate the session from the token
// alone.
func (s *Service) IssueSession(userID, tenantSlug string, permissions []string, sessionID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	tenantSlug = strings.TrimSpace(tenantSlug)
	if userID == "" {
		return "", time.Time{}, errors.New("token: user id is required")
	}
	if tenantSlug == "" {
		return "", time.Time{}, errors.New("token: tenant slug is required")
	}

	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		TenantSlug:  tenantSlug,
		SessionID:   strings.TrimSpace(sessionID),
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Validate verifies signature, structure and expiry. A non-empty tenantSlug
// additionally pins the token to that tenant: a token issued for tenant A
// presented for tenant B fails with ErrTenantMismatch.
func (s *Service) Validate(raw, tenantSlug string) (*Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrTokenMalformed
	}
	if now.After(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	if tenantSlug = strings.TrimSpace(tenantSlug); tenantSlug != "" && claims.TenantSlug != tenantSlug {
		return nil, ErrTenantMismatch
	}
	return claims, nil
}

// Refresh reissues a token with a fresh expiry, preserving subject, tenant
// scope and the permission snapshot. Tokens expired beyond the grace period
// are denied.
func (s *Service) Refresh(raw string) (string, time.Time, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return "", time.Time{}, ErrTokenMalformed
	}
	now := s.now().UTC()
	if now.After(claims.ExpiresAt.Time.Add(s.refreshGrace)) {
		return "", time.Time{}, ErrRefreshDenied
	}
	return s.IssueSession(claims.Subject, claims.TenantSlug, claims.Permissions, claims.SessionID)
}

// parse verifies signature and structure without checking expiry; callers
// decide how staleness is treated.
func (s *Service) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenMalformed
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Issuer != s.issuer {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.TenantSlug) == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
