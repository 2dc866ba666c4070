package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errUserNotFound = apperr.NotFound("user_not_found", "user not found")

const userColumns = `id, username, email, display_name, password_hash, role, active, email_verified,
	coalesce(verification_code, ''), verification_expires_at, last_login, created_at`

// ownerBootstrapLock serialises first-login bootstraps across API replicas.
const ownerBootstrapLock = 7_311_001

type Repo struct{ DB *pgxpool.Pool }

func scanUser(row pgx.Row) (*User, error) {
	var (
		u    User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Active,
		&u.EmailVerified, &u.VerificationCode, &u.VerificationExpiresAt, &u.LastLogin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("user_exists", "username or email already exists")
	}
	return err
}

func (r *Repo) Create(ctx context.Context, u *User) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO users(username, email, display_name, password_hash, role, active, email_verified,
		                  verification_code, verification_expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)
		RETURNING id, created_at`,
		u.Username, u.Email, u.Name, u.PasswordHash, string(u.Role), u.Active, u.EmailVerified,
		u.VerificationCode, u.VerificationExpiresAt,
	).Scan(&u.ID, &u.CreatedAt)
	return uniqueViolation(err)
}

// BootstrapOwner creates u only when no staff account exists yet. It reports
// whether u was created.
func (r *Repo) BootstrapOwner(ctx context.Context, u *User) (bool, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ownerBootstrapLock); err != nil {
		return false, err
	}
	var staff int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM users WHERE role IN ('ADMIN','OWNER')`).Scan(&staff); err != nil {
		return false, err
	}
	if staff > 0 {
		return false, nil
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO users(username, email, display_name, password_hash, role, active, email_verified)
		VALUES ($1,$2,$3,$4,'OWNER',true,true)
		RETURNING id, created_at`, u.Username, u.Email, u.Name, u.PasswordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return false, uniqueViolation(err)
	}
	u.Role, u.Active, u.EmailVerified = RoleOwner, true, true
	return true, tx.Commit(ctx)
}

func (r *Repo) ByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (r *Repo) ByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (r *Repo) ByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(email)))
}

// ListStaff returns ADMIN and OWNER accounts, newest first.
func (r *Repo) ListStaff(ctx context.Context) ([]User, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+userColumns+` FROM users
		WHERE role IN ('ADMIN','OWNER') ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *Repo) Update(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	sets := []string{}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}
	if upd.Role != nil {
		add("role", string(*upd.Role))
	}
	if len(sets) == 0 {
		return r.ByID(ctx, id)
	}
	return scanUser(r.DB.QueryRow(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id=$1 RETURNING `+userColumns, args...))
}

func (r *Repo) Delete(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.DB.QueryRow(ctx, `DELETE FROM users WHERE id=$1 RETURNING `+userColumns, id))
}

func (r *Repo) SetVerification(ctx context.Context, id int64, code string, expires time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE users SET verification_code=$2, verification_expires_at=$3 WHERE id=$1`,
		id, code, expires)
	return err
}

func (r *Repo) MarkVerified(ctx context.Context, id int64) error {
	_, err := r.DB.Exec(ctx, `UPDATE users SET email_verified=true, verification_code=NULL,
		verification_expires_at=NULL WHERE id=$1`, id)
	return err
}

func (r *Repo) TouchLogin(ctx context.Context, id int64) error {
	_, err := r.DB.Exec(ctx, `UPDATE users SET last_login=now() WHERE id=$1`, id)
	return err
}
