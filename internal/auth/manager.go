package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/metrics"
	"github.com/yourusername/learncode/internal/ratelimit"
	"github.com/yourusername/learncode/internal/repository"
)

// Surface はログインの入口です。入口ごとにレート制限とチェック項目が異なります。
type Surface string

const (
	SurfaceUser  Surface = "user"
	SurfaceAdmin Surface = "admin"
)

const defaultStoreTimeout = 2 * time.Second

// LoginRequest はログインフォームの入力です。
type LoginRequest struct {
	Email     string `validate:"required,email,max=254"`
	Password  string `validate:"required"`
	CSRFToken string
	Remember  bool
	// Client はレート制限のキーに使うクライアント識別子（通常は IP アドレス）です。
	Client  string
	Surface Surface
}

// LoginResult はログイン成功時の結果です。
type LoginResult struct {
	Session         *Session
	RememberToken   string
	RememberExpires time.Time
}

// ManagerOptions は SessionManager の依存関係です。
type ManagerOptions struct {
	Users    UserStore
	Sessions SessionStore
	Hasher   *PasswordHasher
	Limiter  *ratelimit.Limiter
	Policies ratelimit.Policies
	CSRF     *CSRFGuard
	Remember *RememberTokenStore
	Logger   *logrus.Logger

	// StoreTimeout は1回の操作でリポジトリ・キャッシュにかける時間の上限です。
	StoreTimeout time.Duration
	// UniformErrors を有効にすると、無効化・未確認アカウントも資格情報エラーと同じ文言で返します。
	UniformErrors bool
	Now           func() time.Time
}

// SessionManager はログイン・ログアウト・remember-me による復元を扱います。
type SessionManager struct {
	users         UserStore
	sessions      SessionStore
	hasher        *PasswordHasher
	limiter       *ratelimit.Limiter
	policies      ratelimit.Policies
	csrf          *CSRFGuard
	remember      *RememberTokenStore
	logger        *logrus.Logger
	validate      *validator.Validate
	storeTimeout  time.Duration
	uniformErrors bool
	now           func() time.Time
}

// NewSessionManager は SessionManager を作成します。
func NewSessionManager(opts ManagerOptions) (*SessionManager, error) {
	switch {
	case opts.Users == nil:
		return nil, errors.New("auth: user store is required")
	case opts.Sessions == nil:
		return nil, errors.New("auth: session store is required")
	case opts.Hasher == nil:
		return nil, errors.New("auth: password hasher is required")
	case opts.Limiter == nil:
		return nil, errors.New("auth: rate limiter is required")
	case opts.CSRF == nil:
		return nil, errors.New("auth: csrf guard is required")
	case opts.Remember == nil:
		return nil, errors.New("auth: remember token store is required")
	}

	m := &SessionManager{
		users:         opts.Users,
		sessions:      opts.Sessions,
		hasher:        opts.Hasher,
		limiter:       opts.Limiter,
		policies:      opts.Policies,
		csrf:          opts.CSRF,
		remember:      opts.Remember,
		logger:        opts.Logger,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		storeTimeout:  opts.StoreTimeout,
		uniformErrors: opts.UniformErrors,
		now:           opts.Now,
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = defaultStoreTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.policies == (ratelimit.Policies{}) {
		m.policies = ratelimit.DefaultPolicies()
	}
	return m, nil
}

// Login は資格情報を検証し、成功すれば認証済みのセッションを返します。
//
// チェックは CSRF、入力形式、レート制限、アカウント検索、管理者権限（管理画面のみ）、
// 有効フラグ、メール確認（一般画面のみ）、パスワードの順に行い、最初の失敗で打ち切ります。
// レート制限は成否にかかわらず試行ごとに消費します。
func (m *SessionManager) Login(ctx context.Context, sess *Session, req LoginRequest) (*LoginResult, error) {
	if req.Surface != SurfaceAdmin {
		req.Surface = SurfaceUser
	}
	req.Email = strings.TrimSpace(req.Email)
	log := m.logger.WithFields(logrus.Fields{
		"surface": req.Surface,
		"client":  req.Client,
	})

	if !m.csrf.Verify(sess, req.CSRFToken) {
		metrics.CSRFRejections.Inc()
		return nil, m.fail(log, req.Surface, &Error{Kind: KindCSRFMismatch, Message: msgCSRFMismatch})
	}

	if err := m.validateLogin(req); err != nil {
		return nil, m.fail(log, req.Surface, err)
	}
	log = log.WithField("email", req.Email)

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	policy, rateMsg := m.policies.Login, msgUserRateLimited
	if req.Surface == SurfaceAdmin {
		policy, rateMsg = m.policies.AdminLogin, msgAdminRateLimited
	}
	decision, err := m.limiter.Allow(ctx, req.Client, policy)
	if err != nil {
		return nil, m.fail(log, req.Surface, unavailable(err))
	}
	if !decision.Allowed {
		return nil, m.fail(log, req.Surface, &Error{
			Kind:       KindRateLimited,
			Message:    fmt.Sprintf(rateMsg, windowMinutes(policy.Window)),
			RetryAfter: decision.RetryAfter,
		})
	}

	user, err := m.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, m.fail(log, req.Surface, invalidCredentials("unknown email"))
		}
		return nil, m.fail(log, req.Surface, unavailable(err))
	}
	log = log.WithField("user_id", user.ID)

	if req.Surface == SurfaceAdmin && !user.IsAdmin {
		return nil, m.fail(log, req.Surface, invalidCredentials("not an admin"))
	}
	if !user.IsActive {
		msg := msgUserInactive
		if req.Surface == SurfaceAdmin {
			msg = msgAdminInactive
		}
		return nil, m.fail(log, req.Surface, &Error{Kind: KindAccountInactive, Message: msg})
	}
	if req.Surface == SurfaceUser && !user.EmailVerified {
		return nil, m.fail(log, req.Surface, &Error{Kind: KindEmailUnverified, Message: msgEmailUnverified})
	}
	if !m.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, m.fail(log, req.Surface, invalidCredentials("wrong password"))
	}

	result, err := m.establish(ctx, sess, user, req.Remember, log)
	if err != nil {
		return nil, m.fail(log, req.Surface, unavailable(err))
	}
	result.Session.CSRFToken = sess.CSRFToken

	// 新しいパスワードハッシュへの移行は失敗してもログインは成立させる
	if m.hasher.NeedsRehash(user.PasswordHash) {
		m.upgradeHash(ctx, user.ID, req.Password, log)
	}

	metrics.LoginAttempts.WithLabelValues(string(req.Surface), "success").Inc()
	log.WithFields(logrus.Fields{
		"username": user.Username,
		"is_admin": user.IsAdmin,
		"remember": req.Remember,
	}).Info("login succeeded")
	return result, nil
}

// Logout は remember トークンを失効させ、セッションを破棄して新しい匿名セッションを返します。
func (m *SessionManager) Logout(ctx context.Context, sess *Session, client string) (*Session, error) {
	if !sess.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	log := m.logger.WithFields(logrus.Fields{
		"client":  client,
		"user_id": sess.UserID,
	})

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	if err := m.remember.Revoke(ctx, sess.UserID); err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		log.WithError(err).Error("revoke remember token failed")
		return nil, unavailable(err)
	}
	if err := m.sessions.Destroy(ctx, sess.ID); err != nil {
		log.WithError(err).Error("destroy session failed")
		return nil, unavailable(err)
	}

	fresh := NewSession(m.now())
	if _, err := m.csrf.IssueOrReuse(fresh); err != nil {
		return nil, unavailable(err)
	}
	fresh.AddFlash("success", msgLoggedOut)

	log.WithField("username", sess.Username).Info("user logged out")
	return fresh, nil
}

// Resume は remember-me トークンから認証済みセッションを復元します。
// 匿名セッションからのみ行い、CSRF トークンは新しく発行します。
func (m *SessionManager) Resume(ctx context.Context, sess *Session, token, client string) (*Session, error) {
	if sess.Authenticated() {
		return sess, nil
	}
	log := m.logger.WithField("client", client)

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	user, err := m.remember.lookup(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidRememberToken) {
			metrics.RememberResumes.WithLabelValues("invalid").Inc()
			log.Debug("remember token rejected")
			return nil, err
		}
		metrics.RememberResumes.WithLabelValues("error").Inc()
		log.WithError(err).Error("remember token lookup failed")
		return nil, unavailable(err)
	}
	log = log.WithField("user_id", user.ID)

	if !user.IsActive || !user.EmailVerified {
		metrics.RememberResumes.WithLabelValues("rejected").Inc()
		log.WithFields(logrus.Fields{
			"is_active":      user.IsActive,
			"email_verified": user.EmailVerified,
		}).Warn("remember token belongs to an account that cannot log in")
		return nil, ErrInvalidRememberToken
	}

	result, err := m.establish(ctx, sess, user, false, log)
	if err != nil {
		metrics.RememberResumes.WithLabelValues("error").Inc()
		log.WithError(err).Error("resume session failed")
		return nil, unavailable(err)
	}
	if _, err := m.csrf.IssueOrReuse(result.Session); err != nil {
		return nil, unavailable(err)
	}

	metrics.RememberResumes.WithLabelValues("success").Inc()
	log.WithField("username", user.Username).Info("session resumed from remember token")
	return result.Session, nil
}

// establish は最終ログイン日時を記録し、新しい ID の認証済みセッションを作ります。
// 古いセッションは破棄します。
func (m *SessionManager) establish(ctx context.Context, prev *Session, user *repository.User, remember bool, log *logrus.Entry) (*LoginResult, error) {
	now := m.now()
	if err := m.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}

	result := &LoginResult{}
	if remember {
		token, expires, err := m.remember.Issue(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("issue remember token: %w", err)
		}
		result.RememberToken = token
		result.RememberExpires = expires
	}

	next := NewSession(now)
	next.UserID = user.ID
	next.Username = user.Username
	next.FullName = user.FullName
	next.Email = user.Email
	next.IsAdmin = user.IsAdmin
	next.LoginAt = now.UTC()
	if prev != nil {
		next.ReturnTo = prev.ReturnTo
		if err := m.sessions.Destroy(ctx, prev.ID); err != nil {
			log.WithError(err).Warn("destroy previous session failed")
		}
	}
	result.Session = next
	return result, nil
}

func (m *SessionManager) upgradeHash(ctx context.Context, userID int64, password string, log *logrus.Entry) {
	hash, err := m.hasher.Hash(password)
	if err == nil {
		err = m.users.UpdatePasswordHash(ctx, userID, hash)
	}
	if err != nil {
		log.WithError(err).Warn("password rehash failed")
		return
	}
	log.Info("password hash upgraded")
}

func (m *SessionManager) validateLogin(req LoginRequest) *Error {
	if err := m.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &Error{Kind: KindValidation, Message: msgMissingFields, Err: err}
		}
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				return &Error{Kind: KindValidation, Message: msgMissingFields, reason: fe.Field() + " missing"}
			}
		}
		return &Error{Kind: KindValidation, Message: msgInvalidEmail, reason: "malformed email"}
	}
	// bcrypt に合わせて文字数ではなくバイト数で制限する
	if len(req.Password) > maxPasswordBytes {
		return &Error{Kind: KindValidation, Message: msgPasswordTooLong, reason: "password too long"}
	}
	return nil
}

// fail は失敗をログとメトリクスに記録し、画面に出す文言を整えます。
func (m *SessionManager) fail(log *logrus.Entry, surface Surface, e *Error) *Error {
	metrics.LoginAttempts.WithLabelValues(string(surface), e.Kind.String()).Inc()

	entry := log.WithField("kind", e.Kind.String())
	if e.reason != "" {
		entry = entry.WithField("reason", e.reason)
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	if e.Kind == KindUnavailable {
		entry.Error("login failed")
	} else {
		entry.Warn("login failed")
	}

	if m.uniformErrors && (e.Kind == KindAccountInactive || e.Kind == KindEmailUnverified) {
		e.Message = msgInvalidCredentials
	}
	return e
}

func invalidCredentials(reason string) *Error {
	return &Error{Kind: KindInvalidCredentials, Message: msgInvalidCredentials, reason: reason}
}

func windowMinutes(window time.Duration) int {
	return int(math.Ceil(window.Minutes()))
}
