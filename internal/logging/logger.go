// Package logging は logrus ベースのロガーを構築します。
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

// 部分一致でマスクするフィールド名
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"cookie",
	"authorization",
	"credential",
}

// Options はロガーの出力設定です。
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output io.Writer
}

// New はロガーを作成します。
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	switch strings.ToLower(opts.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.AddHook(redactHook{})

	return logger
}

// Discard はテスト用に出力を捨てるロガーを返します。
func Discard() *logrus.Logger {
	return New(Options{Level: "panic", Output: io.Discard})
}

// redactHook はパスワードやトークンなどの値をログから取り除きます。
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if isSensitive(key) {
			entry.Data[key] = redacted
		}
	}
	return nil
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
