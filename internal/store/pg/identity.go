package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/ids"
)

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, name, email, coalesce(password_hash,''), is_admin, coalesce(sso_user_id,''), last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*identity.User, error) {
	var (
		u         identity.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.SSOUserID, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, name, email, password_hash, is_admin, sso_user_id)
		values($1, $2, $3, nullif($4,''), $5, nullif($6,''))
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.IsAdmin, u.SSOUserID)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// Upsert creates or updates by email in one statement. The unique constraint
// plus on-conflict update makes concurrent logins for the same new email
// collapse into exactly one row, last write winning on display fields.
func (s *userStore) Upsert(ctx context.Context, email string, upd identity.UserUpdate) (*identity.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", identity.ErrInvalidInput)
	}
	name := ""
	if upd.Name != nil {
		name = *upd.Name
	}
	ssoID := ""
	if upd.SSOUserID != nil {
		ssoID = *upd.SSOUserID
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users(id, name, email, sso_user_id, last_login_at)
		values($1, $2, $3, nullif($4,''), $5)
		on conflict (email) do update set
			name = case when $2 <> '' then $2 else users.name end,
			sso_user_id = coalesce(nullif($4,''), users.sso_user_id),
			last_login_at = coalesce($5, users.last_login_at),
			updated_at = now()
		returning `+userColumns+`
	`, ids.New(), name, email, ssoID, upd.LastLogin)
	return scanUser(row)
}

func (s *userStore) RecordLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login_at = now(), updated_at = now() where id=$1`, id)
	return err
}

// Tenant store -------------------------------------------------------------

type tenantStore struct{ db *sql.DB }

func (s *tenantStore) Create(ctx context.Context, t *identity.Tenant) error {
	slug := strings.TrimSpace(t.Slug)
	if slug == "" {
		return fmt.Errorf("%w: tenant slug is required", identity.ErrInvalidInput)
	}
	data := []byte("{}")
	if len(t.Data) > 0 {
		raw, err := json.Marshal(t.Data)
		if err != nil {
			return fmt.Errorf("marshal tenant data: %w", err)
		}
		data = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenants(slug, name, domain, active, data)
		values($1, $2, $3, $4, $5)
	`, slug, t.Name, t.Domain, t.Active, data)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *tenantStore) Find(ctx context.Context, slug string) (*identity.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		select slug, name, coalesce(domain,''), active, data, created_at, updated_at
		from tenants where slug=$1
	`, slug)
	return scanTenant(row)
}

func (s *tenantStore) List(ctx context.Context) ([]*identity.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select slug, name, coalesce(domain,''), active, data, created_at, updated_at
		from tenants order by slug
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row interface{ Scan(...any) error }) (*identity.Tenant, error) {
	var (
		t    identity.Tenant
		data []byte
	)
	if err := row.Scan(&t.Slug, &t.Name, &t.Domain, &t.Active, &data, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.Data); err != nil {
			return nil, fmt.Errorf("decode tenant data: %w", err)
		}
	}
	return &t, nil
}
