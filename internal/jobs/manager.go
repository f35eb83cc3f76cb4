package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/config"
)

const (
	// TaskPurgeRememberTokens は期限切れ remember トークンを消去するタスクです。
	TaskPurgeRememberTokens = "auth:purge_remember_tokens"

	queueMaintenance = "maintenance"
)

// Purger は期限切れ remember トークンを消去するリポジトリです。
type Purger interface {
	PurgeExpiredRememberTokens(ctx context.Context, now time.Time) (int64, error)
}

// Manager はメンテナンスジョブの投入・定期実行・状態管理を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	users     Purger
	logger    *logrus.Logger
	now       func() time.Time
}

// NewManager は Manager を初期化します。
// cfg.MaintenanceCron が空の場合は定期実行を登録しません。
func NewManager(cfg *config.Config, users Purger, store *Store, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if users == nil {
		return nil, errors.New("users is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueMaintenance: 1,
			},
			Logger: logger,
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: asynq.NewClient(opt),
		server: server,
		mux:    mux,
		store:  store,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
	mux.HandleFunc(TaskPurgeRememberTokens, manager.handlePurge)

	if cfg.MaintenanceCron != "" {
		scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   logger,
		})
		task := asynq.NewTask(TaskPurgeRememberTokens, nil, asynq.Queue(queueMaintenance))
		entryID, err := scheduler.Register(cfg.MaintenanceCron, task, asynq.MaxRetry(1))
		if err != nil {
			manager.client.Close()
			return nil, fmt.Errorf("failed to register maintenance schedule %q: %w", cfg.MaintenanceCron, err)
		}
		logger.WithFields(logrus.Fields{
			"cron":  cfg.MaintenanceCron,
			"entry": entryID,
		}).Info("maintenance schedule registered")
		manager.scheduler = scheduler
	}
	return manager, nil
}

// StartWorkers はワーカーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.server.Shutdown()
			return fmt.Errorf("start asynq scheduler: %w", err)
		}
	}
	m.logger.Info("maintenance workers started")
	return nil
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	return m.client.Close()
}

// EnqueuePurge は remember トークン掃除を即時実行としてキューに投入します。
func (m *Manager) EnqueuePurge(ctx context.Context, requestedBy string) (string, error) {
	body, err := json.Marshal(&PurgePayload{RequestedBy: requestedBy})
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TaskPurgeRememberTokens, body, asynq.Queue(queueMaintenance))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return "", err
	}

	if err := m.store.Upsert(ctx, &Record{
		TaskType:    TaskPurgeRememberTokens,
		TaskID:      info.ID,
		Status:      StatusQueued,
		RequestedBy: requestedBy,
	}); err != nil {
		m.logger.WithError(err).Warn("failed to record queued maintenance task")
	}
	return info.ID, nil
}

// LastRun は直近の実行状況を返します。実行記録がなければ nil を返します。
func (m *Manager) LastRun(ctx context.Context) (*Record, error) {
	return m.store.Get(ctx, TaskPurgeRememberTokens)
}
