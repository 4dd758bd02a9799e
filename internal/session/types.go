package session

import (
	"context"
	"time"
)

// LoginMethod distinguishes how a login was performed.
type LoginMethod string

const (
	MethodSSO    LoginMethod = "sso"
	MethodDirect LoginMethod = "direct"
	MethodAPI    LoginMethod = "api"
)

// ValidMethod reports whether m is one of the known login methods.
func ValidMethod(m LoginMethod) bool {
	switch m {
	case MethodSSO, MethodDirect, MethodAPI:
		return true
	}
	return false
}

// LoginEvent is the input to RecordLogin. UserID may be empty for failed
// attempts where no user was resolved.
type LoginEvent struct {
	UserID        string
	Email         string
	TenantSlug    string
	Method        LoginMethod
	Success       bool
	FailureReason string
	IPAddress     string
	UserAgent     string
	// SessionID is optional; tenant-originated events carry their own id,
	// authority-local logins get one assigned.
	SessionID string
}

// LoginAudit is an append-only audit row.
type LoginAudit struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id,omitempty"`
	Email         string      `json:"email"`
	TenantSlug    string      `json:"tenant_slug"`
	Method        LoginMethod `json:"login_method"`
	Success       bool        `json:"success"`
	FailureReason string      `json:"failure_reason,omitempty"`
	IPAddress     string      `json:"ip_address,omitempty"`
	UserAgent     string      `json:"user_agent,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	LoginAt       time.Time   `json:"login_at"`
	LogoutAt      *time.Time  `json:"logout_at,omitempty"`
	// DurationSeconds is always recomputed from the two timestamps, never
	// trusted independently.
	DurationSeconds int64 `json:"session_duration,omitempty"`
}

// ActiveSession is the mutable liveness record kept per session id.
type ActiveSession struct {
	SessionID    string      `json:"session_id"`
	UserID       string      `json:"user_id"`
	TenantSlug   string      `json:"tenant_slug"`
	Method       LoginMethod `json:"login_method"`
	IPAddress    string      `json:"ip_address,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	LoginAt      time.Time   `json:"login_at"`
	LastActivity time.Time   `json:"last_activity"`
}

// AuditFilter narrows audit queries for security monitoring.
type AuditFilter struct {
	TenantSlug string
	Method     LoginMethod
	Success    *bool
	From       time.Time
	To         time.Time
	Limit      int
}

// AuditStore persists append-only login audit rows.
type AuditStore interface {
	Append(ctx context.Context, row *LoginAudit) error
	// CloseSession sets logout_at for the row carrying sessionID and
	// recomputes the duration. Closing an already closed or unknown
	// session is a no-op.
	CloseSession(ctx context.Context, sessionID string, logoutAt time.Time) error
	Query(ctx context.Context, f AuditFilter) ([]LoginAudit, error)
	CountFailures(ctx context.Context, tenantSlug, email string, since time.Time) (int, error)
}

// SessionStore keeps active session liveness records.
type SessionStore interface {
	Put(ctx context.Context, s *ActiveSession) error
	Get(ctx context.Context, sessionID string) (*ActiveSession, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	CountByTenant(ctx context.Context, tenantSlug string) (int, error)
}
