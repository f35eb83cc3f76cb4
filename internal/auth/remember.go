package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/repository"
)

const (
	// RememberCookieName は remember-me トークンを載せるクッキー名です。
	RememberCookieName = "remember_token"

	maxRememberWriteAttempts = 3
)

// UserStore は auth パッケージが使うユーザー操作です。
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*repository.User, error)
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	GetByRememberToken(ctx context.Context, digest string) (*repository.User, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	SetRememberToken(ctx context.Context, id int64, digest string, expires time.Time, expectedVersion int64) error
	ClearRememberToken(ctx context.Context, id int64) error
}

// RememberTokenStore は長期ログイン用のトークンを発行・検証します。
// ユーザーごとに有効なトークンは1つで、再発行すると古いものは無効になります。
type RememberTokenStore struct {
	users  UserStore
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

// NewRememberTokenStore は RememberTokenStore を作成します。
func NewRememberTokenStore(users UserStore, ttl time.Duration, logger *logrus.Logger) *RememberTokenStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RememberTokenStore{users: users, ttl: ttl, now: time.Now, logger: logger}
}

// TTL はトークンの有効期間です。
func (s *RememberTokenStore) TTL() time.Duration {
	return s.ttl
}

// Issue は新しいトークンを発行します。保存するのはダイジェストだけです。
// 同時に発行された場合は remember_version の比較で後勝ちになります。
func (s *RememberTokenStore) Issue(ctx context.Context, userID int64) (string, time.Time, error) {
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate remember token: %w", err)
	}
	digest := digestToken(token)
	expires := s.now().Add(s.ttl).UTC()

	for attempt := 1; attempt <= maxRememberWriteAttempts; attempt++ {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return "", time.Time{}, err
		}

		err = s.users.SetRememberToken(ctx, userID, digest, expires, user.RememberVersion)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"attempt": attempt,
			}).Debug("remember token write conflict, retrying")
			continue
		}
		if err != nil {
			return "", time.Time{}, err
		}
		return token, expires, nil
	}

	return "", time.Time{}, repository.ErrVersionConflict
}

// Validate はトークンに対応するユーザー ID を返します。
func (s *RememberTokenStore) Validate(ctx context.Context, token string) (int64, error) {
	user, err := s.lookup(ctx, token)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// Revoke はユーザーのトークンを消去します。
func (s *RememberTokenStore) Revoke(ctx context.Context, userID int64) error {
	return s.users.ClearRememberToken(ctx, userID)
}

func (s *RememberTokenStore) lookup(ctx context.Context, token string) (*repository.User, error) {
	if token == "" {
		return nil, ErrInvalidRememberToken
	}
	digest := digestToken(token)

	user, err := s.users.GetByRememberToken(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRememberToken
		}
		return nil, err
	}
	if user.RememberToken == nil || subtle.ConstantTimeCompare([]byte(*user.RememberToken), []byte(digest)) != 1 {
		return nil, ErrInvalidRememberToken
	}
	if user.RememberExpires == nil || s.now().After(*user.RememberExpires) {
		return nil, ErrInvalidRememberToken
	}
	return user, nil
}

func digestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SetRememberCookie は remember-me クッキーを設定します。
func SetRememberCookie(c *gin.Context, token string, ttl time.Duration, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RememberCookieName, token, int(ttl.Seconds()), "/", "", secure, true)
}

// ClearRememberCookie は remember-me クッキーを削除します。
func ClearRememberCookie(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RememberCookieName, "", -1, "/", "", secure, true)
}
