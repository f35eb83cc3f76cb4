// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimit は1つのフォーム／画面に対する固定ウィンドウ制限値です。
type RateLimit struct {
	Limit         int
	WindowSeconds int
}

// Window は WindowSeconds を time.Duration で返します。
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション設定
	SessionSecret     string        // セッションIDクッキー署名用の秘密鍵
	SessionTTL        time.Duration // サーバー側セッションレコードの保持期間
	RememberTokenDays int           // remember-me トークンの有効日数
	CookieSecure      bool          // クッキーに Secure 属性を付けるか

	// ストア設定
	RedisURL     string        // キャッシュ・セッション・Asynq 共通の Redis URL
	DBDriver     string        // sqlite または pgx
	DatabaseURL  string        // DSN
	StoreTimeout time.Duration // リポジトリ／キャッシュ呼び出しのタイムアウト

	// 認証設定
	BcryptCost          int
	RateLimitFailClosed bool // キャッシュ障害時に拒否側へ倒すか
	UniformAuthErrors   bool // すべての認証失敗を同じ文言にするか

	// レート制限
	LoginLimit      RateLimit
	AdminLoginLimit RateLimit
	RegisterLimit   RateLimit
	ContactLimit    RateLimit

	// メンテナンスジョブ
	MaintenanceCron string // 期限切れ remember トークン削除のスケジュール（空なら無効）

	// ログ設定
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		SessionSecret:     getEnv("SESSION_SECRET", ""),
		SessionTTL:        time.Duration(getEnvAsInt("SESSION_TTL_MINUTES", 1440)) * time.Minute,
		RememberTokenDays: getEnvAsInt("REMEMBER_TOKEN_DAYS", 30),
		CookieSecure:      getEnvAsBool("COOKIE_SECURE", false),

		RedisURL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DBDriver:     getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL:  getEnv("DATABASE_URL", "file:data/learncode.db"),
		StoreTimeout: time.Duration(getEnvAsInt64("STORE_TIMEOUT_MS", 2000)) * time.Millisecond,

		BcryptCost:          getEnvAsInt("BCRYPT_COST", 12),
		RateLimitFailClosed: getEnvAsBool("RATE_LIMIT_FAIL_CLOSED", false),
		UniformAuthErrors:   getEnvAsBool("UNIFORM_AUTH_ERRORS", false),

		// 管理者ログインは一般ログインより厳しく制限する
		LoginLimit:      getRateLimit("LOGIN", 5, 900),
		AdminLoginLimit: getRateLimit("ADMIN_LOGIN", 3, 1800),
		RegisterLimit:   getRateLimit("REGISTER", 3, 3600),
		ContactLimit:    getRateLimit("CONTACT", 3, 3600),

		MaintenanceCron: getEnv("MAINTENANCE_CRON", "@hourly"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or pgx, got %q", c.DBDriver)
	}

	for name, rl := range map[string]RateLimit{
		"LOGIN":       c.LoginLimit,
		"ADMIN_LOGIN": c.AdminLoginLimit,
		"REGISTER":    c.RegisterLimit,
		"CONTACT":     c.ContactLimit,
	} {
		if rl.Limit <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("%s_LIMIT and %s_WINDOW_SECONDS must be positive", name, name)
		}
	}

	if c.RememberTokenDays <= 0 {
		return fmt.Errorf("REMEMBER_TOKEN_DAYS must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be positive")
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// RememberTokenTTL は remember-me トークンの有効期間を返します。
func (c *Config) RememberTokenTTL() time.Duration {
	return time.Duration(c.RememberTokenDays) * 24 * time.Hour
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getRateLimit(prefix string, limit, window int) RateLimit {
	return RateLimit{
		Limit:         getEnvAsInt(prefix+"_LIMIT", limit),
		WindowSeconds: getEnvAsInt(prefix+"_WINDOW_SECONDS", window),
	}
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
