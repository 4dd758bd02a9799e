// Package signing authenticates inter-service requests between tenant
// applications and the central authority. It proves the calling service
// holds the tenant's shared secret; it says nothing about the end user.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Headers carrying the signature material on HTTP requests.
const (
	HeaderTenant    = "X-Sso-Tenant"
	HeaderTimestamp = "X-Sso-Timestamp"
	HeaderSignature = "X-Sso-Signature"
)

const defaultTolerance = 300 * time.Second

var (
	// ErrUnknownTenant indicates no shared secret is configured for the slug.
	ErrUnknownTenant = errors.New("signing: unknown tenant")
	// ErrStaleTimestamp indicates the request timestamp is outside the
	// replay tolerance window.
	ErrStaleTimestamp = errors.New("signing: stale timestamp")
	// ErrBadSignature indicates the HMAC did not match.
	ErrBadSignature = errors.New("signing: signature mismatch")
)

// Signer computes and verifies HMAC-SHA256 signatures over a canonical
// request representation, keyed by tenant shared secrets.
type Signer struct {
	secrets   map[string]string
	tolerance time.Duration
	now       func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithTolerance overrides the replay tolerance window.
func WithTolerance(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner constructs a Signer over the tenant secret map. The map is read
// once at startup and never mutated afterwards.
func NewSigner(secrets map[string]string, opts ...Option) *Signer {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	s := &Signer{
		secrets:   copied,
		tolerance: defaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign computes the signature for a request at the given timestamp.
func (s *Signer) Sign(tenant, method, path string, body []byte, ts time.Time) (string, error) {
	secret, ok := s.secrets[tenant]
	if !ok {
		return "", ErrUnknownTenant
	}
	return sign(secret, canonical(method, path, body, ts)), nil
}

// Verify checks a request signature. It fails closed: any unknown tenant,
// stale timestamp or mismatch is rejected before business logic runs.
func (s *Signer) Verify(tenant, method, path string, body []byte, ts time.Time, signature string) error {
	secret, ok := s.secrets[tenant]
	if !ok {
		return ErrUnknownTenant
	}
	drift := s.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		return ErrStaleTimestamp
	}
	expected := sign(secret, canonical(method, path, body, ts))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// KnownTenant reports whether a secret is configured for the slug.
func (s *Signer) KnownTenant(tenant string) bool {
	_, ok := s.secrets[tenant]
	return ok
}

// ParseTimestamp decodes the unix-seconds timestamp header value.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("signing: missing timestamp")
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("signing: invalid timestamp")
	}
	return time.Unix(sec, 0).UTC(), nil
}

// FormatTimestamp encodes a timestamp for the signature header.
func FormatTimestamp(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}

// canonical builds the signed representation: method, path, body hash and
// timestamp, newline separated. The body hash keeps large payloads out of
// the MAC input while still binding every byte.
func canonical(method, path string, body []byte, ts time.Time) string {
	bodySum := sha256.Sum256(body)
	return strings.ToUpper(method) + "\n" +
		path + "\n" +
		hex.EncodeToString(bodySum[:]) + "\n" +
		FormatTimestamp(ts)
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
