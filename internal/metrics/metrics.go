// Package metrics は認証まわりの Prometheus メトリクスを提供します。
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoginAttempts はログイン試行の結果を surface（user / admin）別に数えます。
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learncode",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by surface and outcome",
		},
		[]string{"surface", "outcome"},
	)

	// RateLimitDecisions はレート制限の判定結果を数えます。
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learncode",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by policy and decision",
		},
		[]string{"policy", "decision"},
	)

	// CSRFRejections は CSRF 検証で拒否したリクエスト数です。
	CSRFRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "learncode",
			Subsystem: "auth",
			Name:      "csrf_rejections_total",
			Help:      "State-changing requests rejected by CSRF verification",
		},
	)

	// RememberResumes は remember-me クッキーによるセッション復元の結果を数えます。
	RememberResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learncode",
			Subsystem: "auth",
			Name:      "remember_resumes_total",
			Help:      "Session resumes via remember-me token by outcome",
		},
		[]string{"outcome"},
	)

	// RememberTokensPurged はメンテナンスジョブで消去した期限切れ remember トークン数です。
	RememberTokensPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "learncode",
			Subsystem: "jobs",
			Name:      "remember_tokens_purged_total",
			Help:      "Expired remember-me tokens cleared by the maintenance job",
		},
	)
)

// Handler は /metrics 用の gin ハンドラーを返します。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
