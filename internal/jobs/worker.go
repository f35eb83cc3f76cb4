// Package jobs は Asynq を使ったメンテナンスジョブを提供します。
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/metrics"
)

func (m *Manager) handlePurge(ctx context.Context, task *asynq.Task) error {
	var payload PurgePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode purge payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	taskID, _ := asynq.GetTaskID(ctx)
	log := m.logger.WithFields(logrus.Fields{
		"task":        task.Type(),
		"taskId":      taskID,
		"requestedBy": payload.RequestedBy,
	})

	// 実行記録は補助情報なので、保存に失敗してもジョブは続行する
	if err := m.store.MarkRunning(ctx, TaskPurgeRememberTokens, taskID); err != nil {
		log.WithError(err).Warn("failed to record maintenance start")
	}

	purged, err := m.users.PurgeExpiredRememberTokens(ctx, m.now())
	if err != nil {
		log.WithError(err).Error("purge expired remember tokens failed")
		if serr := m.store.MarkFailed(ctx, TaskPurgeRememberTokens, &ErrorInfo{
			Code:    "PURGE_FAILED",
			Message: err.Error(),
		}); serr != nil {
			log.WithError(serr).Warn("failed to record maintenance failure")
		}
		return err
	}

	metrics.RememberTokensPurged.Add(float64(purged))
	if err := m.store.MarkDone(ctx, TaskPurgeRememberTokens, purged); err != nil {
		log.WithError(err).Warn("failed to record maintenance result")
	}
	log.WithField("purged", purged).Info("expired remember tokens purged")
	return nil
}
