package identity

import "context"

// Store describes persistence operations required by the identity subsystem.
type Store interface {
	Users() UserStore
	Tenants() TenantStore
	Roles() RoleStore
	Permissions() PermissionStore
}

// UserStore manages user records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Upsert creates the user when the email is unknown, otherwise updates
	// the mutable display fields. Must be safe under concurrent logins for
	// the same email: last write wins on display fields.
	Upsert(ctx context.Context, email string, upd UserUpdate) (*User, error)
	RecordLogin(ctx context.Context, id string) error
}

// TenantStore manages tenant records.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, slug string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
}

// RoleStore manages roles and assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	FindBySlug(ctx context.Context, slug string) (*Role, error)
	Assign(ctx context.Context, a Assignment) error
	Assignments(ctx context.Context, userID string) ([]Assignment, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, slugs []string) error
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
}
