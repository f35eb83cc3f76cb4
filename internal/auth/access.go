package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/repository"
)

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

type userGetter interface {
	GetByID(ctx context.Context, id int64) (*repository.User, error)
}

// AccessController はセッションからアクセス可否を判定します。
// 判定はログイン時にセッションへ保存した値で行うため、その後の権限変更は再ログインまで反映されません。
// 反映が必要な操作には IsAdminFresh を使います。
type AccessController struct {
	users  userGetter
	logger *logrus.Logger
}

// NewAccessController は AccessController を作成します。
func NewAccessController(users userGetter, logger *logrus.Logger) *AccessController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AccessController{users: users, logger: logger}
}

// IsAuthenticated はログイン済みかを返します。
func (a *AccessController) IsAuthenticated(sess *Session) bool {
	return sess.Authenticated()
}

// IsAdmin はログイン済みかつ管理者かを返します。
func (a *AccessController) IsAdmin(sess *Session) bool {
	return sess.Authenticated() && sess.IsAdmin
}

// IsAdminFresh はリポジトリから読み直して、現在も有効な管理者かを返します。
func (a *AccessController) IsAdminFresh(ctx context.Context, sess *Session) (bool, error) {
	if !sess.Authenticated() {
		return false, nil
	}
	user, err := a.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.IsAdmin && user.IsActive, nil
}

// RequireLogin は未ログインのリクエストを 401 で拒否するミドルウェアです。
// GET の場合はログイン後に戻れるよう URL をセッションに残します。
func (a *AccessController) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := CurrentSession(c)
		if !a.IsAuthenticated(sess) {
			if sess != nil && c.Request.Method == http.MethodGet {
				sess.ReturnTo = c.Request.URL.RequestURI()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Please log in to access this page.",
			})
			return
		}
		c.Set(ContextUserKey, sess.Username)
		c.Next()
	}
}

// RequireAdmin はセッション上の管理者フラグで拒否するミドルウェアです。
func (a *AccessController) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := CurrentSession(c)
		if !a.IsAuthenticated(sess) {
			abortUnauthorized(c)
			return
		}
		if !a.IsAdmin(sess) {
			a.deny(c, sess)
			return
		}
		c.Set(ContextUserKey, sess.Username)
		c.Next()
	}
}

// RequireFreshAdmin は管理者権限をリポジトリで再確認するミドルウェアです。
func (a *AccessController) RequireFreshAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := CurrentSession(c)
		if !a.IsAuthenticated(sess) {
			abortUnauthorized(c)
			return
		}
		ok, err := a.IsAdminFresh(c.Request.Context(), sess)
		if err != nil {
			a.logger.WithError(err).WithField("user_id", sess.UserID).Error("admin recheck failed")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    KindUnavailable.Code(),
				"message": msgUnavailable,
			})
			return
		}
		if !ok {
			a.deny(c, sess)
			return
		}
		c.Set(ContextUserKey, sess.Username)
		c.Next()
	}
}

func (a *AccessController) deny(c *gin.Context, sess *Session) {
	a.logger.WithFields(logrus.Fields{
		"user_id": sess.UserID,
		"path":    c.FullPath(),
		"client":  c.ClientIP(),
	}).Warn("admin access denied")
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"code":    "FORBIDDEN",
		"message": "Access denied. Admin privileges required.",
	})
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": "Please log in to access this page.",
	})
}
