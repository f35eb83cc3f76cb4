package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind は認証処理の失敗種別です。
type Kind int

const (
	KindCSRFMismatch Kind = iota + 1
	KindRateLimited
	KindValidation
	KindInvalidCredentials
	KindAccountInactive
	KindEmailUnverified
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindCSRFMismatch:
		return "csrf_mismatch"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountInactive:
		return "account_inactive"
	case KindEmailUnverified:
		return "email_unverified"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Code は API レスポンスに載せるコードです。
func (k Kind) Code() string {
	switch k {
	case KindCSRFMismatch:
		return "CSRF_MISMATCH"
	case KindRateLimited:
		return "TOO_MANY_ATTEMPTS"
	case KindValidation:
		return "INVALID_INPUT"
	case KindInvalidCredentials:
		return "INVALID_CREDENTIALS"
	case KindAccountInactive:
		return "ACCOUNT_INACTIVE"
	case KindEmailUnverified:
		return "EMAIL_UNVERIFIED"
	case KindUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// ユーザーに表示する文言
const (
	msgCSRFMismatch       = "Invalid security token. Please try again."
	msgInvalidCredentials = "Invalid email or password."
	msgMissingFields      = "Please enter both email and password."
	msgInvalidEmail       = "Please enter a valid email address."
	msgPasswordTooLong    = "Password must be at most 72 bytes."
	msgUserInactive       = "Your account has been deactivated. Please contact support."
	msgAdminInactive      = "Admin account has been deactivated."
	msgEmailUnverified    = "Please verify your email address before logging in."
	msgUserRateLimited    = "Too many login attempts. Please try again in %d minutes."
	msgAdminRateLimited   = "Too many admin login attempts. Please try again in %d minutes."
	msgUnavailable        = "Service temporarily unavailable. Please try again later."
	msgLoggedOut          = "You have been successfully logged out."
)

// Error は認証処理の失敗を表します。Message はそのまま画面に出せる文言です。
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
	// Messages は入力エラーが複数あるときの一覧です。先頭は Message と同じです。
	Messages []string

	// reason はサーバーログにだけ残す詳細です。
	reason string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.reason != "" {
		msg += " (" + e.reason + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は Kind が一致すれば同じエラーとみなします。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrCSRFMismatch       = &Error{Kind: KindCSRFMismatch}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountInactive    = &Error{Kind: KindAccountInactive}
	ErrEmailUnverified    = &Error{Kind: KindEmailUnverified}
	ErrUnavailable        = &Error{Kind: KindUnavailable}

	// ErrInvalidRememberToken は remember トークンが存在しないか期限切れであることを表します。
	ErrInvalidRememberToken = errors.New("invalid remember token")
	// ErrNotAuthenticated はログインしていないセッションで操作しようとしたことを表します。
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// AsError は err から *Error を取り出します。該当しない場合は KindUnavailable として扱います。
func AsError(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return &Error{Kind: KindUnavailable, Message: msgUnavailable, Err: err}
}

func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Message: msgUnavailable, Err: err}
}
