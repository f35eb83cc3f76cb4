package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "rate_limit:"

// GET と INCR の間に他のリクエストが割り込まないよう、判定と加算を1スクリプトで行う。
var consumeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
	return {1, 1, tonumber(ARGV[2])}
end
local count = tonumber(current)
local ttl = redis.call('PTTL', KEYS[1])
if count >= tonumber(ARGV[1]) then
	return {count, 0, ttl}
end
count = redis.call('INCR', KEYS[1])
return {count, 1, ttl}
`)

// Redis は go-redis を使ったキャッシュ実装です。
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis は Redis キャッシュを作成します。
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Consume はカウンターを原子的に判定・加算します。
func (r *Redis) Consume(ctx context.Context, key string, limit int, window time.Duration) (CounterState, error) {
	if window <= 0 {
		return CounterState{}, fmt.Errorf("window must be positive")
	}
	res, err := consumeScript.Run(ctx, r.rdb, []string{counterKeyPrefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return CounterState{}, fmt.Errorf("%w: consume %s: %v", ErrUnavailable, key, err)
	}
	if len(res) != 3 {
		return CounterState{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, res)
	}

	resetIn := time.Duration(res[2]) * time.Millisecond
	if resetIn < 0 {
		resetIn = 0
	}
	return CounterState{
		Count:   res[0],
		Allowed: res[1] == 1,
		ResetIn: resetIn,
	}, nil
}
