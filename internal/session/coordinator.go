// Package session tracks cross-application session lifecycle and the login
// audit trail. Audit writes are synchronous and durable; session liveness
// lives in Redis with lazy TTL expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ssohub.org/internal/obs"
)

// Coordinator records login/logout events and answers session liveness
// queries across tenants.
type Coordinator struct {
	audits   AuditStore
	sessions SessionStore
	limiter  *FailureLimiter
	window   time.Duration
	now      func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLimiter enables failed-login throttling.
func WithLimiter(l *FailureLimiter) CoordinatorOption {
	return func(c *Coordinator) { c.limiter = l }
}

// NewCoordinator constructs a Coordinator. window is the inactivity window
// after which a session counts as expired.
func NewCoordinator(audits AuditStore, sessions SessionStore, window time.Duration, opts ...CoordinatorOption) *Coordinator {
	if window <= 0 {
		window = 2 * time.Hour
	}
	c := &Coordinator{
		audits:   audits,
		sessions: sessions,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckThrottle fails with ErrRateLimited when the (tenant, email) pair has
// exhausted its failed-attempt budget. Limiter backend failures are logged
// and treated as pass: throttling is defense in depth, not the auth gate.
func (c *Coordinator) CheckThrottle(ctx context.Context, tenantSlug, email string) error {
	if c.limiter == nil {
		return nil
	}
	err := c.limiter.Check(ctx, tenantSlug, email)
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	obs.Warn("failure limiter unavailable", map[string]any{"tenant": tenantSlug, "err": err.Error()})
	return nil
}

// RecordLogin writes the audit row synchronously and, on success, creates
// the active session. The login flow is not complete until the row exists.
// Returns the session id for successful logins.
func (c *Coordinator) RecordLogin(ctx context.Context, ev LoginEvent) (string, error) {
	ev.Email = strings.ToLower(strings.TrimSpace(ev.Email))
	if ev.TenantSlug == "" {
		return "", fmt.Errorf("session: tenant slug is required")
	}
	if !ValidMethod(ev.Method) {
		return "", fmt.Errorf("session: invalid login method %q", ev.Method)
	}

	now := c.now().UTC()
	sessionID := ev.SessionID
	if ev.Success && sessionID == "" {
		sessionID = uuid.NewString()
	}

	row := &LoginAudit{
		UserID:        ev.UserID,
		Email:         ev.Email,
		TenantSlug:    ev.TenantSlug,
		Method:        ev.Method,
		Success:       ev.Success,
		FailureReason: ev.FailureReason,
		IPAddress:     ev.IPAddress,
		UserAgent:     ev.UserAgent,
		SessionID:     sessionID,
		LoginAt:       now,
	}
	if err := c.audits.Append(ctx, row); err != nil {
		return "", fmt.Errorf("session: audit write: %w", err)
	}

	if !ev.Success {
		c.noteFailure(ctx, ev)
		return "", nil
	}

	if c.limiter != nil {
		if err := c.limiter.Reset(ctx, ev.TenantSlug, ev.Email); err != nil {
			obs.Warn("failure limiter reset failed", map[string]any{"tenant": ev.TenantSlug, "err": err.Error()})
		}
	}

	sess := &ActiveSession{
		SessionID:    sessionID,
		UserID:       ev.UserID,
		TenantSlug:   ev.TenantSlug,
		Method:       ev.Method,
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
		LoginAt:      now,
		LastActivity: now,
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		// The audit row exists; a missing liveness record only degrades
		// active-session queries. Do not fail the login.
		obs.Warn("session store write failed", map[string]any{"session_id": sessionID, "err": err.Error()})
	}
	return sessionID, nil
}

// RecordLogout closes the audit row and removes the liveness record. The
// row's duration is recomputed from its own timestamps. Idempotent: closing
// an unknown or already closed session succeeds quietly.
func (c *Coordinator) RecordLogout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session: session id is required")
	}
	now := c.now().UTC()
	if err := c.audits.CloseSession(ctx, sessionID, now); err != nil {
		return fmt.Errorf("session: audit close: %w", err)
	}
	if err := c.sessions.Delete(ctx, sessionID); err != nil {
		obs.Warn("session delete failed", map[string]any{"session_id": sessionID, "err": err.Error()})
	}
	return nil
}

// Touch bumps last_activity for an authenticated request.
func (c *Coordinator) Touch(ctx context.Context, sessionID string) error {
	return c.sessions.Touch(ctx, sessionID, c.now())
}

// IsActive reports whether the session exists and its last activity falls
// within the inactivity window. Expiry is detected lazily on this check,
// not by a background timer.
func (c *Coordinator) IsActive(ctx context.Context, sessionID string) (bool, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.now().Sub(sess.LastActivity) <= c.window, nil
}

// ActiveCount reports live sessions for a tenant and mirrors the value into
// metrics. Only as fresh as the last touch.
func (c *Coordinator) ActiveCount(ctx context.Context, tenantSlug string) (int, error) {
	n, err := c.sessions.CountByTenant(ctx, tenantSlug)
	if err != nil {
		return 0, err
	}
	obs.SetActiveSessions(tenantSlug, n)
	return n, nil
}

// Audits exposes filtered audit queries for security monitoring.
func (c *Coordinator) Audits(ctx context.Context, f AuditFilter) ([]LoginAudit, error) {
	return c.audits.Query(ctx, f)
}

// RecentFailures counts failed attempts for the pair since the given time.
func (c *Coordinator) RecentFailures(ctx context.Context, tenantSlug, email string, since time.Time) (int, error) {
	return c.audits.CountFailures(ctx, tenantSlug, strings.ToLower(strings.TrimSpace(email)), since)
}

func (c *Coordinator) noteFailure(ctx context.Context, ev LoginEvent) {
	if c.limiter != nil {
		if err := c.limiter.RecordFailure(ctx, ev.TenantSlug, ev.Email); err != nil {
			obs.Warn("failure limiter record failed", map[string]any{"tenant": ev.TenantSlug, "err": err.Error()})
		}
	}
	obs.SecurityEvent("login.failed", map[string]any{
		"tenant": ev.TenantSlug,
		"email":  ev.Email,
		"reason": ev.FailureReason,
		"ip":     ev.IPAddress,
	})
}
