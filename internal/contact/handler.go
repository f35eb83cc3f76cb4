package contact

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// MsgTooMany はレート制限超過時の文言です。
	MsgTooMany = "Too many contact form submissions. Please try again later."

	msgSent   = "Thank you for contacting us. We'll get back to you within 24 hours."
	msgFailed = "Failed to send message. Please try again."
)

// Handler はお問い合わせフォームの HTTP ハンドラーです。
// CSRF 検証とレート制限はルーター側のミドルウェアで行います。
type Handler struct {
	service *Service
	logger  *logrus.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{service: service, logger: logger}
}

type contactForm struct {
	Name    string `form:"name" json:"name"`
	Email   string `form:"email" json:"email"`
	Subject string `form:"subject" json:"subject"`
	Message string `form:"message" json:"message"`
}

// Submit は POST /api/contact を処理します。
func (h *Handler) Submit(c *gin.Context) {
	var form contactForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Invalid contact form.",
		})
		return
	}

	_, err := h.service.Submit(c.Request.Context(), Input(form))
	var verr *ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"code":    "OK",
			"message": msgSent,
		})
	case errors.As(err, &verr):
		c.JSON(http.StatusOK, gin.H{
			"code":     "INVALID_INPUT",
			"message":  verr.Messages[0],
			"errors":   verr.Messages,
			"formData": form,
		})
	default:
		h.logger.WithError(err).WithField("client", c.ClientIP()).Error("store contact message failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": msgFailed,
		})
	}
}

// List は GET /api/admin/contact-messages を処理します。管理者専用です。
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	msgs, err := h.service.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("list contact messages failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "Service temporarily unavailable. Please try again later.",
		})
		return
	}
	items := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, gin.H{
			"id":        m.ID,
			"name":      m.Name,
			"email":     m.Email,
			"subject":   m.Subject,
			"message":   m.Message,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": items})
}
