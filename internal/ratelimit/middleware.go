package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware はクライアント IP ごとに policy の試行を消費し、超過したリクエストを 429 で止めます。
// 入力検証より前に数えるフォーム（お問い合わせなど）に使います。
func Middleware(l *Limiter, p Policy, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := l.Allow(c.Request.Context(), c.ClientIP(), p)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "Service temporarily unavailable. Please try again later.",
			})
			return
		}
		if !d.Allowed {
			c.Header("Retry-After", RetryAfterSeconds(d.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": message,
			})
			return
		}
		c.Next()
	}
}

// RetryAfterSeconds は Retry-After ヘッダー用の秒数（最低1秒）を返します。
func RetryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
