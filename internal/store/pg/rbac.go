package pg

import (
	"context"
	"database/sql"
	"errors"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/ids"
)

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *identity.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles(id, slug, name, description)
		values($1, $2, $3, $4)
	`, role.ID, role.Slug, role.Name, role.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *roleStore) FindBySlug(ctx context.Context, slug string) (*identity.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, slug, name, coalesce(description,''), created_at, updated_at
		from roles where slug=$1
	`, slug)
	var role identity.Role
	if err := row.Scan(&role.ID, &role.Slug, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) Assign(ctx context.Context, a identity.Assignment) error {
	// Global assignments carry an empty slug; the column stores NULL so
	// the tenants FK does not apply to them.
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles(user_id, role_id, tenant_slug)
		values($1, $2, nullif($3, ''))
		on conflict do nothing
	`, a.UserID, a.RoleID, a.TenantSlug)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *roleStore) Assignments(ctx context.Context, userID string) ([]identity.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, coalesce(tenant_slug,''), created_at
		from user_roles where user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []identity.Assignment
	for rows.Next() {
		var a identity.Assignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantSlug, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Permission store ---------------------------------------------------------

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []identity.Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx, `
			insert into permissions(id, slug, name, category)
			values($1, $2, $3, $4)
			on conflict (slug) do nothing
		`, p.ID, p.Slug, p.Name, p.Category)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]identity.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, slug, name, coalesce(category,''), created_at
		from permissions order by slug
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []identity.Permission
	for rows.Next() {
		var p identity.Permission
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Category, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, slugs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, slug := range slugs {
		_, err := tx.ExecContext(ctx, `
			insert into role_permissions(role_id, permission_id)
			select $1, id from permissions where slug=$2
		`, roleID, slug)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]identity.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.slug, p.name, coalesce(p.category,''), p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []identity.Permission
	for rows.Next() {
		var p identity.Permission
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Category, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
