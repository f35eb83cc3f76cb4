package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/ratelimit"
	"github.com/yourusername/learncode/internal/repository"
)

const (
	defaultLanding = "/dashboard"
	adminLanding   = "/admin/dashboard"
)

// Handler は /api/auth と /api/admin の HTTP ハンドラーです。
type Handler struct {
	manager      *SessionManager
	access       *AccessController
	logger       *logrus.Logger
	cookieSecure bool
}

// NewHandler は Handler を作成します。
func NewHandler(manager *SessionManager, access *AccessController, cookieSecure bool) *Handler {
	return &Handler{
		manager:      manager,
		access:       access,
		logger:       manager.logger,
		cookieSecure: cookieSecure,
	}
}

type loginForm struct {
	Email     string   `form:"email" json:"email"`
	Password  string   `form:"password" json:"password"`
	CSRFToken string   `form:"csrf_token" json:"csrf_token"`
	Remember  checkbox `form:"remember" json:"remember"`
	ReturnTo  string   `form:"return_to" json:"return_to"`
}

// CSRFToken は GET /api/auth/csrf のハンドラーです。フォームに埋め込むトークンを返します。
func (h *Handler) CSRFToken(c *gin.Context) {
	sess := CurrentSession(c)
	token, err := h.manager.csrf.IssueOrReuse(sess)
	if err != nil {
		h.logger.WithError(err).Error("issue csrf token failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": msgUnavailable,
		})
		return
	}
	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{"csrfToken": token})
}

// SessionInfo は GET /api/auth/session のハンドラーです。フラッシュメッセージはここで消費されます。
func (h *Handler) SessionInfo(c *gin.Context) {
	sess := CurrentSession(c)
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"state": StateAnonymous.String(), "authenticated": false})
		return
	}

	payload := gin.H{
		"state":         sess.State().String(),
		"authenticated": h.access.IsAuthenticated(sess),
		"flashes":       sess.TakeFlashes(),
	}
	if sess.Authenticated() {
		payload["user"] = gin.H{
			"id":       sess.UserID,
			"username": sess.Username,
			"fullName": sess.FullName,
			"email":    sess.Email,
			"isAdmin":  h.access.IsAdmin(sess),
			"loginAt":  sess.LoginAt,
		}
	}
	c.JSON(http.StatusOK, payload)
}

// Login は POST /api/auth/login のハンドラーです。
func (h *Handler) Login(c *gin.Context) {
	h.login(c, SurfaceUser)
}

// AdminLogin は POST /api/admin/login のハンドラーです。
func (h *Handler) AdminLogin(c *gin.Context) {
	h.login(c, SurfaceAdmin)
}

func (h *Handler) login(c *gin.Context, surface Surface) {
	sess := CurrentSession(c)
	if sess.Authenticated() {
		c.Redirect(http.StatusSeeOther, landing(sess, ""))
		return
	}

	var form loginForm
	if err := c.ShouldBind(&form); err != nil {
		// 壊れた本文も入力エラーと同じ形で返す
		h.logger.WithError(err).WithField("client", c.ClientIP()).Debug("login form binding failed")
		respondLoginError(c, "", &Error{Kind: KindValidation, Message: msgMissingFields, Err: err})
		return
	}
	csrfToken := c.GetHeader(csrfHeader)
	if csrfToken == "" {
		csrfToken = form.CSRFToken
	}

	result, err := h.manager.Login(c.Request.Context(), sess, LoginRequest{
		Email:     form.Email,
		Password:  form.Password,
		CSRFToken: csrfToken,
		Remember:  bool(form.Remember),
		Client:    c.ClientIP(),
		Surface:   surface,
	})
	if err != nil {
		respondLoginError(c, strings.TrimSpace(form.Email), err)
		return
	}

	returnTo := form.ReturnTo
	if returnTo == "" {
		returnTo = result.Session.ReturnTo
	}
	result.Session.ReturnTo = ""

	h.manager.ReplaceSession(c, result.Session)
	if err := h.manager.SaveSession(c); err != nil {
		h.logger.WithError(err).Error("save session after login failed")
		respondLoginError(c, strings.TrimSpace(form.Email), unavailable(err))
		return
	}
	if result.RememberToken != "" {
		SetRememberCookie(c, result.RememberToken, h.manager.remember.TTL(), h.cookieSecure)
	}

	c.Redirect(http.StatusSeeOther, landing(result.Session, returnTo))
}

// Logout は POST /api/auth/logout のハンドラーです。RequireLogin と CSRF 検証の後に置きます。
func (h *Handler) Logout(c *gin.Context) {
	fresh, err := h.manager.Logout(c.Request.Context(), CurrentSession(c), c.ClientIP())
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			abortUnauthorized(c)
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    KindUnavailable.Code(),
			"message": msgUnavailable,
		})
		return
	}

	h.manager.ReplaceSession(c, fresh)
	if err := h.manager.SaveSession(c); err != nil {
		h.logger.WithError(err).Warn("save session after logout failed")
	}
	ClearRememberCookie(c, h.cookieSecure)
	c.Redirect(http.StatusSeeOther, "/")
}

type passwordForm struct {
	CurrentPassword string `form:"current_password" json:"current_password"`
	NewPassword     string `form:"new_password" json:"new_password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// ChangePassword は POST /api/auth/password のハンドラーです。RequireLogin と CSRF 検証の後に置きます。
// 成功時は remember クッキーも消します。
func (h *Handler) ChangePassword(c *gin.Context) {
	var form passwordForm
	if err := c.ShouldBind(&form); err != nil {
		respondFormError(c, &Error{Kind: KindValidation, Message: msgCurrentPasswordRequired, Err: err})
		return
	}

	sess := CurrentSession(c)
	err := h.manager.ChangePassword(c.Request.Context(), sess, PasswordChange{
		Current: form.CurrentPassword,
		New:     form.NewPassword,
		Confirm: form.ConfirmPassword,
		Client:  c.ClientIP(),
	})
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			abortUnauthorized(c)
			return
		}
		respondFormError(c, err)
		return
	}

	if err := h.manager.SaveSession(c); err != nil {
		h.logger.WithError(err).Warn("save session after password change failed")
	}
	ClearRememberCookie(c, h.cookieSecure)
	c.Redirect(http.StatusSeeOther, "/profile")
}

// AdminPing は GET /api/admin/ping のハンドラーです。
func (h *Handler) AdminPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"user":   c.GetString(ContextUserKey),
	})
}

// RevokeRemember は POST /api/admin/users/:id/remember/revoke のハンドラーです。
// 対象ユーザーの remember-me トークンを失効させます。
func (h *Handler) RevokeRemember(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    KindValidation.Code(),
			"message": "Invalid user id.",
		})
		return
	}

	if err := h.manager.remember.Revoke(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "USER_NOT_FOUND",
				"message": "User not found.",
			})
			return
		}
		h.logger.WithError(err).WithField("user_id", id).Error("revoke remember token failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    KindUnavailable.Code(),
			"message": msgUnavailable,
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": id,
		"admin":   c.GetString(ContextUserKey),
	}).Info("remember token revoked by admin")
	c.Status(http.StatusNoContent)
}

func respondLoginError(c *gin.Context, email string, err error) {
	e := AsError(err)
	if e.Kind == KindUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    e.Kind.Code(),
			"message": msgUnavailable,
		})
		return
	}
	if e.Kind == KindRateLimited {
		c.Header("Retry-After", ratelimit.RetryAfterSeconds(e.RetryAfter))
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    e.Kind.Code(),
		"message": e.Message,
		"email":   email,
	})
}

func respondFormError(c *gin.Context, err error) {
	e := AsError(err)
	if e.Kind == KindUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    e.Kind.Code(),
			"message": msgUnavailable,
		})
		return
	}
	if e.Kind == KindRateLimited {
		c.Header("Retry-After", ratelimit.RetryAfterSeconds(e.RetryAfter))
	}
	messages := e.Messages
	if len(messages) == 0 {
		messages = []string{e.Message}
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    e.Kind.Code(),
		"message": e.Message,
		"errors":  messages,
	})
}

// landing はログイン後の遷移先を返します。管理者は常に管理画面です。
func landing(sess *Session, returnTo string) string {
	if sess.IsAdmin {
		return adminLanding
	}
	if isSafeReturnTo(returnTo) {
		return returnTo
	}
	return defaultLanding
}

// isSafeReturnTo は同一オリジン内の相対パスだけを許可します。
func isSafeReturnTo(target string) bool {
	if target == "" || !strings.HasPrefix(target, "/") {
		return false
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	return !strings.ContainsAny(target, "\\\r\n")
}

// checkbox はフォームの "on" や JSON の true/"1" を bool として受け取ります。
type checkbox bool

func (b *checkbox) UnmarshalParam(v string) error {
	*b = checkbox(truthy(v))
	return nil
}

func (b *checkbox) UnmarshalJSON(data []byte) error {
	*b = checkbox(truthy(strings.Trim(string(data), `"`)))
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}
