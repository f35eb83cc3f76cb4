package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はタスク種別ごとの直近の実行状況を表します。
type Record struct {
	TaskType    string     `json:"taskType"`
	TaskID      string     `json:"taskId,omitempty"`
	Status      Status     `json:"status"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	Purged      int64      `json:"purged"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// PurgePayload は remember トークン掃除タスクのペイロードです。
// 定期実行ではペイロードは空です。
type PurgePayload struct {
	RequestedBy string `json:"requestedBy,omitempty"`
}
