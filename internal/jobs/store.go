package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:last:"
)

// Store はタスク種別ごとの直近の実行状況を Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get は直近の実行状況を取得します。記録がなければ nil を返します。
func (s *Store) Get(ctx context.Context, taskType string) (*Record, error) {
	if taskType == "" {
		return nil, fmt.Errorf("taskType is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(taskType)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert は実行状況を上書き保存します。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.TaskType), payload, s.ttl).Err()
}

// MarkRunning は実行開始を記録します。記録がなければ作成します。
func (s *Store) MarkRunning(ctx context.Context, taskType, taskID string) error {
	record, err := s.Get(ctx, taskType)
	if err != nil {
		return err
	}
	if record == nil || (record.TaskID != "" && record.TaskID != taskID) {
		record = &Record{TaskType: taskType, TaskID: taskID}
	}
	record.Status = StatusRunning
	record.Error = nil
	record.FinishedAt = nil
	return s.Upsert(ctx, record)
}

// MarkDone は完了時の件数を保存します。
func (s *Store) MarkDone(ctx context.Context, taskType string, purged int64) error {
	return s.updatePartial(ctx, taskType, func(record *Record) {
		finished := s.now().UTC()
		record.Status = StatusSucceeded
		record.Purged = purged
		record.Error = nil
		record.FinishedAt = &finished
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, taskType string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, taskType, func(record *Record) {
		finished := s.now().UTC()
		record.Status = StatusFailed
		record.FinishedAt = &finished
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

func (s *Store) updatePartial(ctx context.Context, taskType string, mutate func(*Record)) error {
	key := jobKey(taskType)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job record not found: %s", taskType)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = s.now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}, key)
}

func jobKey(taskType string) string {
	return jobKeyPrefix + taskType
}
