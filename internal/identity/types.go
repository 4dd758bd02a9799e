package identity

import "time"

// User is an identity record held by the central authority. A tenant-side
// shadow user uses the same shape with SSOUserID pointing back at the
// central record.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	SSOUserID    string    `json:"sso_user_id,omitempty"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant is an organization trusting the authority. The slug is the join key
// between central and tenant-side systems and is never regenerated.
type Tenant struct {
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain,omitempty"`
	Active    bool           `json:"active"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Role groups permissions.
type Role struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability.
type Permission struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment gives a user a role, either globally (empty TenantSlug) or
// scoped to one tenant.
type Assignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	TenantSlug string    `json:"tenant_slug,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserUpdate carries mutable user fields for an upsert. Nil pointers leave
// the stored value untouched.
type UserUpdate struct {
	Name      *string
	SSOUserID *string
	LastLogin *time.Time
}
