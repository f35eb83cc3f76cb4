// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/account"
	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/cache"
	"github.com/yourusername/learncode/internal/config"
	"github.com/yourusername/learncode/internal/contact"
	"github.com/yourusername/learncode/internal/jobs"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/metrics"
	"github.com/yourusername/learncode/internal/ratelimit"
	"github.com/yourusername/learncode/internal/repository/sqlstore"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()
	if err := sqlstore.Migrate(db); err != nil {
		logger.WithError(err).Fatal("failed to apply migrations")
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to parse redis url")
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	svc, err := buildServices(cfg, logger, db, rdb)
	if err != nil {
		logger.WithError(err).Fatal("failed to build services")
	}
	if err := svc.jobs.StartWorkers(); err != nil {
		logger.WithError(err).Fatal("failed to start maintenance workers")
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, svc)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithFields(logrus.Fields{"addr": srv.Addr, "mode": cfg.GinMode}).Info("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown")
	}
	if err := svc.jobs.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("maintenance workers shutdown")
	}
}

// services はルーティングに必要な依存関係をまとめたものです。
type services struct {
	cfg      *config.Config
	logger   *logrus.Logger
	manager  *auth.SessionManager
	access   *auth.AccessController
	csrf     *auth.CSRFGuard
	auth     *auth.Handler
	account  *account.Handler
	contact  *contact.Handler
	limiter  *ratelimit.Limiter
	policies ratelimit.Policies
	jobs     *jobs.Manager
}

func buildServices(cfg *config.Config, logger *logrus.Logger, db *sqlx.DB, rdb redis.UniversalClient) (*services, error) {
	users := sqlstore.NewUserRepository(db)

	mode := ratelimit.FailOpen
	if cfg.RateLimitFailClosed {
		mode = ratelimit.FailClosed
	}
	limiter := ratelimit.New(cache.NewRedis(rdb), mode, logger)
	policies := ratelimit.PoliciesFromConfig(cfg)

	hasher := auth.NewPasswordHasher(cfg.BcryptCost, logger)
	csrf := auth.NewCSRFGuard(logger)
	manager, err := auth.NewSessionManager(auth.ManagerOptions{
		Users:         users,
		Sessions:      auth.NewRedisSessionStore(rdb, cfg.SessionTTL),
		Hasher:        hasher,
		Limiter:       limiter,
		Policies:      policies,
		CSRF:          csrf,
		Remember:      auth.NewRememberTokenStore(users, cfg.RememberTokenTTL(), logger),
		Logger:        logger,
		StoreTimeout:  cfg.StoreTimeout,
		UniformErrors: cfg.UniformAuthErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}
	access := auth.NewAccessController(users, logger)

	registration, err := account.NewService(users, hasher, logger)
	if err != nil {
		return nil, fmt.Errorf("registration service: %w", err)
	}

	jobManager, err := setupJobs(cfg, users, rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("maintenance jobs: %w", err)
	}

	return &services{
		cfg:      cfg,
		logger:   logger,
		manager:  manager,
		access:   access,
		csrf:     csrf,
		auth:     auth.NewHandler(manager, access, cfg.CookieSecure),
		account:  account.NewHandler(registration, limiter, policies.Register, manager, logger),
		contact:  contact.NewHandler(contact.NewService(sqlstore.NewContactRepository(db), logger), logger),
		limiter:  limiter,
		policies: policies,
		jobs:     jobManager,
	}, nil
}

func newRouter(cfg *config.Config, svc *services) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// クッキーにはセッション ID だけを署名付きで保存する
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Retry-After"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, svc)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "learncode-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, svc *services) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api", svc.manager.SessionLoader(), svc.manager.RememberMe(svc.cfg.CookieSecure))
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.GET("/csrf", svc.auth.CSRFToken)
			authRoutes.GET("/session", svc.auth.SessionInfo)
			// ログインの CSRF 検証は SessionManager.Login が最初に行う
			authRoutes.POST("/login", svc.auth.Login)
			authRoutes.POST("/logout",
				svc.access.RequireLogin(),
				svc.csrf.Middleware(),
				svc.auth.Logout,
			)
			authRoutes.POST("/password",
				svc.access.RequireLogin(),
				svc.csrf.Middleware(),
				svc.auth.ChangePassword,
			)
			authRoutes.POST("/register", svc.csrf.Middleware(), svc.account.Register)
		}

		api.POST("/contact",
			svc.csrf.Middleware(),
			ratelimit.Middleware(svc.limiter, svc.policies.Contact, contact.MsgTooMany),
			svc.contact.Submit,
		)

		admin := api.Group("/admin")
		{
			admin.POST("/login", svc.auth.AdminLogin)
			admin.GET("/ping", svc.access.RequireAdmin(), svc.auth.AdminPing)
			admin.GET("/contact-messages", svc.access.RequireAdmin(), svc.contact.List)

			// 状態を変える管理操作は DB 上の権限を再確認する
			fresh := admin.Group("", svc.access.RequireFreshAdmin(), svc.csrf.Middleware())
			fresh.POST("/users/:id/remember/revoke", svc.auth.RevokeRemember)
			fresh.POST("/maintenance/purge", maintenancePurgeHandler(svc.jobs))

			admin.GET("/maintenance", svc.access.RequireAdmin(), maintenanceStatusHandler(svc.jobs))
		}
	}
}
