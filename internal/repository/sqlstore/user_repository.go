package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/yourusername/learncode/internal/repository"
)

const userColumns = `id, username, email, password_hash, full_name, is_admin, is_active, email_verified,
	remember_token, remember_expires, remember_version, last_login, created_at, updated_at`

// UserRepository は repository.UserRepository の SQL 実装です。
type UserRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ repository.UserRepository = (*UserRepository)(nil)

// NewUserRepository は UserRepository を作成します。
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

// Create はユーザーを登録し、採番された ID を user.ID に設定します。
func (r *UserRepository) Create(ctx context.Context, user *repository.User) error {
	now := r.now().UTC()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = now
	user.UpdatedAt = now

	q := r.db.Rebind(`
INSERT INTO users (username, email, password_hash, full_name, is_admin, is_active, email_verified, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.FullName,
		user.IsAdmin,
		user.IsActive,
		user.EmailVerified,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID は ID でユーザーを取得します。
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*repository.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得します。
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, repository.ErrUserNotFound
	}
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER(?) LIMIT 1`, email)
}

// GetByRememberToken は remember トークンのダイジェストでユーザーを取得します。
func (r *UserRepository) GetByRememberToken(ctx context.Context, digest string) (*repository.User, error) {
	if digest == "" {
		return nil, repository.ErrUserNotFound
	}
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE remember_token = ? LIMIT 1`, digest)
}

// ExistsByUsernameOrEmail はユーザー名かメールアドレスが使用済みかを返します。
func (r *UserRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM users WHERE username = ? OR LOWER(email) = LOWER(?)`)
	if err := r.db.GetContext(ctx, &n, q, username, strings.TrimSpace(email)); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return n > 0, nil
}

// UpdateLastLogin は最終ログイン日時を更新します。
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return r.execOne(ctx, "update last login",
		`UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`, at.UTC(), r.now().UTC(), id)
}

// UpdatePasswordHash はパスワードハッシュを差し替えます。
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	if hash == "" {
		return fmt.Errorf("password hash is required")
	}
	return r.execOne(ctx, "update password hash",
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, r.now().UTC(), id)
}

// UpdateFlags は管理者・有効・メール確認の各フラグを更新します。
func (r *UserRepository) UpdateFlags(ctx context.Context, id int64, flags repository.Flags) error {
	var (
		sets []string
		args []any
	)
	if flags.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, *flags.IsAdmin)
	}
	if flags.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *flags.IsActive)
	}
	if flags.EmailVerified != nil {
		sets = append(sets, "email_verified = ?")
		args = append(args, *flags.EmailVerified)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, r.now().UTC(), id)

	return r.execOne(ctx, "update flags",
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

// SetRememberToken は楽観ロック付きで remember トークンを上書きします。
func (r *UserRepository) SetRememberToken(ctx context.Context, id int64, digest string, expires time.Time, expectedVersion int64) error {
	q := r.db.Rebind(`
UPDATE users
SET remember_token = ?, remember_expires = ?, remember_version = remember_version + 1, updated_at = ?
WHERE id = ? AND remember_version = ?`)
	res, err := r.db.ExecContext(ctx, q, digest, expires.UTC(), r.now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("set remember token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set remember token rows: %w", err)
	}
	if n == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// ClearRememberToken は remember トークンと有効期限を消去します。
func (r *UserRepository) ClearRememberToken(ctx context.Context, id int64) error {
	return r.execOne(ctx, "clear remember token", `
UPDATE users
SET remember_token = NULL, remember_expires = NULL, remember_version = remember_version + 1, updated_at = ?
WHERE id = ?`, r.now().UTC(), id)
}

// PurgeExpiredRememberTokens は期限切れの remember トークンをまとめて消去します。
func (r *UserRepository) PurgeExpiredRememberTokens(ctx context.Context, now time.Time) (int64, error) {
	q := r.db.Rebind(`
UPDATE users
SET remember_token = NULL, remember_expires = NULL, remember_version = remember_version + 1, updated_at = ?
WHERE remember_expires IS NOT NULL AND remember_expires < ?`)
	res, err := r.db.ExecContext(ctx, q, r.now().UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge remember tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge remember tokens rows: %w", err)
	}
	return n, nil
}

func (r *UserRepository) getOne(ctx context.Context, query string, args ...any) (*repository.User, error) {
	var user repository.User
	if err := r.db.GetContext(ctx, &user, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if n == 0 {
		return repository.ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	// Postgres: SQLSTATE 23505 / SQLite: UNIQUE constraint failed
	return strings.Contains(msg, "23505") || strings.Contains(msg, "unique")
}
