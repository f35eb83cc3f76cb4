package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	createdAt time.Time
	ttl       time.Duration
}

func (e memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// Memory はプロセス内キャッシュです。開発環境とテストで使います。
// 期限切れのエントリは読み出し時に捨てるだけで、掃除用のゴルーチンは持ちません。
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory は Memory を作成します。now が nil の場合は time.Now を使います。
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Consume はカウンターを判定・加算します。
func (m *Memory) Consume(ctx context.Context, key string, limit int, window time.Duration) (CounterState, error) {
	if window <= 0 {
		return CounterState{}, fmt.Errorf("window must be positive")
	}
	if err := ctx.Err(); err != nil {
		return CounterState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key = counterKeyPrefix + key
	entry, ok := m.lookupLocked(key, now)
	if !ok {
		m.entries[key] = memoryEntry{value: "1", createdAt: now, ttl: window}
		return CounterState{Count: 1, Allowed: true, ResetIn: window}, nil
	}

	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		// 壊れた値は「試行なし」とみなしてウィンドウを作り直す
		m.entries[key] = memoryEntry{value: "1", createdAt: now, ttl: window}
		return CounterState{Count: 1, Allowed: true, ResetIn: window}, nil
	}

	resetIn := entry.createdAt.Add(entry.ttl).Sub(now)
	if count >= int64(limit) {
		return CounterState{Count: count, Allowed: false, ResetIn: resetIn}, nil
	}

	count++
	entry.value = strconv.FormatInt(count, 10)
	m.entries[key] = entry
	return CounterState{Count: count, Allowed: true, ResetIn: resetIn}, nil
}

func (m *Memory) lookupLocked(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(now) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
