package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ssohub.org/internal/ids"
	"ssohub.org/internal/session"
)

// Append writes one login audit row. Rows are append-only: nothing besides
// CloseSession ever updates them.
func (s *Store) Append(ctx context.Context, row *session.LoginAudit) error {
	if row.ID == "" {
		row.ID = ids.New()
	}
	if row.LoginAt.IsZero() {
		row.LoginAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_audits(
			id, user_id, email, tenant_slug, login_method, success,
			failure_reason, ip_address, user_agent, session_id, login_at)
		values($1, nullif($2,''), $3, $4, $5, $6, nullif($7,''), nullif($8,''), nullif($9,''), nullif($10,''), $11)
	`, row.ID, row.UserID, row.Email, row.TenantSlug, string(row.Method), row.Success,
		row.FailureReason, row.IPAddress, row.UserAgent, row.SessionID, row.LoginAt)
	return err
}

// CloseSession stamps logout_at on the open row for the session id. The
// duration is derived in SQL from the row's own timestamps, and logout_at is
// clamped to login_at so it can never precede it.
func (s *Store) CloseSession(ctx context.Context, sessionID string, logoutAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update login_audits set
			logout_at = greatest($2, login_at),
			session_duration = extract(epoch from greatest($2, login_at) - login_at)::bigint
		where session_id = $1 and logout_at is null
	`, sessionID, logoutAt)
	return err
}

// Query returns audit rows matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f session.AuditFilter) ([]session.LoginAudit, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantSlug != "" {
		add("tenant_slug = $%d", f.TenantSlug)
	}
	if f.Method != "" {
		add("login_method = $%d", string(f.Method))
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.From.IsZero() {
		add("login_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("login_at < $%d", f.To)
	}
	query := `
		select id, coalesce(user_id,''), email, tenant_slug, login_method, success,
			coalesce(failure_reason,''), coalesce(ip_address,''), coalesce(user_agent,''),
			coalesce(session_id,''), login_at, logout_at, coalesce(session_duration,0)
		from login_audits`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by login_at desc"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.LoginAudit
	for rows.Next() {
		var (
			row      session.LoginAudit
			method   string
			logoutAt sql.NullTime
		)
		if err := rows.Scan(&row.ID, &row.UserID, &row.Email, &row.TenantSlug, &method, &row.Success,
			&row.FailureReason, &row.IPAddress, &row.UserAgent, &row.SessionID,
			&row.LoginAt, &logoutAt, &row.DurationSeconds); err != nil {
			return nil, err
		}
		row.Method = session.LoginMethod(method)
		if logoutAt.Valid {
			t := logoutAt.Time
			row.LogoutAt = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountFailures counts failed attempts for the pair since the given time,
// feeding the repeated-failure monitoring threshold.
func (s *Store) CountFailures(ctx context.Context, tenantSlug, email string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_audits
		where tenant_slug = $1 and email = $2 and success = false and login_at >= $3
	`, tenantSlug, email, since).Scan(&n)
	return n, err
}
