// Package repository はユーザー情報の永続化インターフェースを定義します。
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound は該当するユーザーが存在しないことを表します。
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists はユーザー名またはメールアドレスが既に使われていることを表します。
	ErrUserExists = errors.New("username or email already exists")
	// ErrVersionConflict は remember トークンの楽観ロックに失敗したことを表します。
	ErrVersionConflict = errors.New("remember token version conflict")
)

// User は users テーブルの1行です。password_hash には平文を保存しません。
type User struct {
	ID            int64  `db:"id"`
	Username      string `db:"username"`
	Email         string `db:"email"`
	PasswordHash  string `db:"password_hash"`
	FullName      string `db:"full_name"`
	IsAdmin       bool   `db:"is_admin"`
	IsActive      bool   `db:"is_active"`
	EmailVerified bool   `db:"email_verified"`

	// RememberToken はトークンそのものではなく SHA-256 ダイジェストです。
	RememberToken   *string    `db:"remember_token"`
	RememberExpires *time.Time `db:"remember_expires"`
	RememberVersion int64      `db:"remember_version"`

	LastLogin *time.Time `db:"last_login"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// Flags は管理操作で変更できるフラグです。nil の項目は変更しません。
type Flags struct {
	IsAdmin       *bool
	IsActive      *bool
	EmailVerified *bool
}

// UserRepository はユーザーの永続化操作を定義します。
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByRememberToken(ctx context.Context, digest string) (*User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)

	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdateFlags(ctx context.Context, id int64, flags Flags) error

	// SetRememberToken は remember_version が expectedVersion と一致する場合だけ書き込みます。
	SetRememberToken(ctx context.Context, id int64, digest string, expires time.Time, expectedVersion int64) error
	ClearRememberToken(ctx context.Context, id int64) error
	PurgeExpiredRememberTokens(ctx context.Context, now time.Time) (int64, error)
}

// ContactMessage は contact_messages テーブルの1行です。
type ContactMessage struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Subject   string    `db:"subject"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}
