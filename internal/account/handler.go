package account

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/ratelimit"
)

const (
	msgRegistered     = "Registration successful! Welcome to LearnCode."
	msgTooManyAttempt = "Too many registration attempts. Please try again later."
	msgAlreadyExists  = "Username or email already exists. Please choose different ones."
	msgUnavailable    = "Service temporarily unavailable. Please try again later."
)

// Handler は POST /api/auth/register のハンドラーです。
type Handler struct {
	service  *Service
	limiter  *ratelimit.Limiter
	policy   ratelimit.Policy
	sessions *auth.SessionManager
	logger   *logrus.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(service *Service, limiter *ratelimit.Limiter, policy ratelimit.Policy, sessions *auth.SessionManager, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{service: service, limiter: limiter, policy: policy, sessions: sessions, logger: logger}
}

type registerForm struct {
	FullName        string `form:"full_name" json:"full_name"`
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
	AgreeTerms      string `form:"agree_terms" json:"agree_terms"`
}

// Register はユーザー登録を行います。CSRF 検証の後に置きます。
// 入力形式の検証はレート制限より前に行い、形式エラーでは試行回数を消費しません。
func (h *Handler) Register(c *gin.Context) {
	if auth.CurrentSession(c).Authenticated() {
		c.Redirect(http.StatusSeeOther, "/dashboard")
		return
	}

	var form registerForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Invalid registration form.",
		})
		return
	}
	in := RegisterInput{
		FullName:        form.FullName,
		Username:        form.Username,
		Email:           form.Email,
		Password:        form.Password,
		ConfirmPassword: form.ConfirmPassword,
		AgreeTerms:      form.AgreeTerms != "",
	}
	log := h.logger.WithFields(logrus.Fields{
		"client":   c.ClientIP(),
		"username": form.Username,
	})

	if err := h.service.Validate(in); err != nil {
		h.respondError(c, form, err, log)
		return
	}

	decision, err := h.limiter.Allow(c.Request.Context(), c.ClientIP(), h.policy)
	if err != nil {
		h.respondError(c, form, err, log)
		return
	}
	if !decision.Allowed {
		log.Warn("registration rate limited")
		c.Header("Retry-After", ratelimit.RetryAfterSeconds(decision.RetryAfter))
		c.JSON(http.StatusOK, gin.H{
			"code":     "TOO_MANY_ATTEMPTS",
			"message":  msgTooManyAttempt,
			"errors":   []string{msgTooManyAttempt},
			"formData": formData(form),
		})
		return
	}

	user, err := h.service.Register(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, form, err, log)
		return
	}

	// 登録したユーザーはそのままログイン状態にする
	sess, err := h.sessions.SignIn(c.Request.Context(), auth.CurrentSession(c), user, c.ClientIP())
	if err != nil {
		log.WithError(err).Warn("sign in after registration failed")
		sess = auth.CurrentSession(c)
		sess.AddFlash("success", msgRegistered)
		if err := h.sessions.SaveSession(c); err != nil {
			log.WithError(err).Warn("save session after registration failed")
		}
		c.Redirect(http.StatusSeeOther, "/login")
		return
	}
	sess.AddFlash("success", msgRegistered)
	h.sessions.ReplaceSession(c, sess)
	if err := h.sessions.SaveSession(c); err != nil {
		log.WithError(err).Error("save session after registration failed")
		h.respondError(c, form, err, log)
		return
	}
	c.Redirect(http.StatusSeeOther, "/dashboard")
}

func (h *Handler) respondError(c *gin.Context, form registerForm, err error, log *logrus.Entry) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusOK, gin.H{
			"code":     "INVALID_INPUT",
			"message":  verr.Messages[0],
			"errors":   verr.Messages,
			"formData": formData(form),
		})
	case errors.Is(err, ErrAlreadyExists):
		log.Info("registration rejected: duplicate username or email")
		c.JSON(http.StatusOK, gin.H{
			"code":     "ALREADY_EXISTS",
			"message":  msgAlreadyExists,
			"errors":   []string{msgAlreadyExists},
			"formData": formData(form),
		})
	default:
		log.WithError(err).Error("registration failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": msgUnavailable,
		})
	}
}

// formData はフォームの再表示に使う値です。パスワードは返しません。
func formData(form registerForm) gin.H {
	return gin.H{
		"full_name": form.FullName,
		"username":  form.Username,
		"email":     form.Email,
	}
}
