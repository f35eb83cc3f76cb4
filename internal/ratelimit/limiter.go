// Package ratelimit はキャッシュ上の固定ウィンドウ・カウンターで試行回数を制限します。
//
// ウィンドウは最初の試行から数え、経過後にまとめてリセットされます。
// スライディングウィンドウではないため、境界の前後で最大 2*limit 回の試行が通り得ます。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/cache"
	"github.com/yourusername/learncode/internal/config"
	"github.com/yourusername/learncode/internal/metrics"
)

// ErrUnavailable はフェイルクローズ設定でキャッシュが使えないときに返します。
var ErrUnavailable = errors.New("rate limiter unavailable")

// FailureMode はキャッシュ障害時の振る舞いです。
type FailureMode int

const (
	// FailOpen はカウンターが読めない場合に「過去の試行なし」として許可します。
	FailOpen FailureMode = iota
	// FailClosed はカウンターが読めない場合に拒否します。
	FailClosed
)

// Policy は識別子のサフィックスと制限値の組です。
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Policies は画面ごとの制限値です。管理者ログインは一般ログインより厳しく設定します。
type Policies struct {
	Login      Policy
	AdminLogin Policy
	Register   Policy
	Contact    Policy
}

// PoliciesFromConfig は設定からポリシーを組み立てます。
func PoliciesFromConfig(cfg *config.Config) Policies {
	return Policies{
		Login:      Policy{Name: "login", Limit: cfg.LoginLimit.Limit, Window: cfg.LoginLimit.Window()},
		AdminLogin: Policy{Name: "admin_login", Limit: cfg.AdminLoginLimit.Limit, Window: cfg.AdminLoginLimit.Window()},
		Register:   Policy{Name: "register", Limit: cfg.RegisterLimit.Limit, Window: cfg.RegisterLimit.Window()},
		Contact:    Policy{Name: "contact", Limit: cfg.ContactLimit.Limit, Window: cfg.ContactLimit.Window()},
	}
}

// DefaultPolicies は既定の制限値です。
func DefaultPolicies() Policies {
	return Policies{
		Login:      Policy{Name: "login", Limit: 5, Window: 900 * time.Second},
		AdminLogin: Policy{Name: "admin_login", Limit: 3, Window: 1800 * time.Second},
		Register:   Policy{Name: "register", Limit: 3, Window: 3600 * time.Second},
		Contact:    Policy{Name: "contact", Limit: 3, Window: 3600 * time.Second},
	}
}

// Identifier はクライアントとポリシーからカウンターのキーを作ります（例: "203.0.113.7_login"）。
func Identifier(client string, p Policy) string {
	return client + "_" + p.Name
}

// Decision は判定結果です。
type Decision struct {
	Allowed    bool
	Count      int64
	Remaining  int
	RetryAfter time.Duration
	// Degraded はキャッシュ障害によりフェイルオープンで許可したことを示します。
	Degraded bool
}

// Limiter は固定ウィンドウのレート制限を行います。
type Limiter struct {
	counter cache.Counter
	mode    FailureMode
	logger  *logrus.Logger
}

// New は Limiter を作成します。
func New(counter cache.Counter, mode FailureMode, logger *logrus.Logger) *Limiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{counter: counter, mode: mode, logger: logger}
}

// CheckAndConsume は identifier の試行を1回消費し、許可されたかを返します。
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit %d/%s", limit, window)
	}

	state, err := l.counter.Consume(ctx, identifier, limit, window)
	if err != nil {
		if l.mode == FailClosed {
			l.logger.WithError(err).WithField("identifier", identifier).Error("rate limiter cache failure, rejecting")
			return Decision{Allowed: false, RetryAfter: window}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		l.logger.WithError(err).WithField("identifier", identifier).Warn("rate limiter cache failure, allowing")
		return Decision{Allowed: true, Remaining: limit - 1, Degraded: true}, nil
	}

	remaining := limit - int(state.Count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   state.Allowed,
		Count:     state.Count,
		Remaining: remaining,
	}
	if !state.Allowed {
		d.RetryAfter = state.ResetIn
	}
	return d, nil
}

// Allow はポリシーに従ってクライアントの試行を消費します。
func (l *Limiter) Allow(ctx context.Context, client string, p Policy) (Decision, error) {
	d, err := l.CheckAndConsume(ctx, Identifier(client, p), p.Limit, p.Window)
	switch {
	case err != nil:
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "error").Inc()
	case d.Degraded:
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "degraded").Inc()
	case d.Allowed:
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "allowed").Inc()
	default:
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "denied").Inc()
	}
	return d, err
}
