package identity

import (
	"context"
	"sort"
)

// Resolver computes the effective permission set for a (user, tenant) pair.
// Token claims embed a snapshot of this resolution at issuance time.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// EnsureBuiltins seeds the permission catalog with the authority's own
// permissions.
func (r *Resolver) EnsureBuiltins(ctx context.Context) error {
	return r.store.Permissions().Ensure(ctx, BuiltinPermissions)
}

// PermissionsFor merges global-role permissions with roles scoped to the
// target tenant. Roles scoped to other tenants do not contribute.
func (r *Resolver) PermissionsFor(ctx context.Context, userID, tenantSlug string) ([]string, error) {
	assignments, err := r.store.Roles().Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, a := range assignments {
		if a.TenantSlug != "" && a.TenantSlug != tenantSlug {
			continue
		}
		perms, err := r.store.Permissions().ForRole(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			set[p.Slug] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for slug := range set {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out, nil
}

// HasPermission reports whether the resolved permission list contains slug.
func HasPermission(perms []string, slug string) bool {
	for _, p := range perms {
		if p == slug {
			return true
		}
	}
	return false
}
