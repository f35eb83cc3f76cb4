// Package cache はレート制限用の固定ウィンドウ・カウンターを提供します。
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable はキャッシュのバックエンドに到達できないことを表します。
var ErrUnavailable = errors.New("cache unavailable")

// CounterState は Consume 実行後のカウンター状態です。
type CounterState struct {
	Count   int64         // 現在のカウント
	Allowed bool          // 今回の試行が許可されたか
	ResetIn time.Duration // ウィンドウがリセットされるまでの残り時間
}

// Counter は固定ウィンドウのカウンターを原子的に操作します。
//
// キーが存在しない（または期限切れ）なら count=1 で作成し、TTL を window に設定して許可します。
// count >= limit なら増やさずに拒否し、それ以外はインクリメントして許可します。
// TTL は作成時にしか設定しないため、ウィンドウは最初の試行から固定です。
type Counter interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration) (CounterState, error)
}
