package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound はセッションが存在しないか期限切れであることを表します。
var ErrSessionNotFound = errors.New("session not found")

// State はセッションの認証状態です。
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Flash は次のリクエストで一度だけ表示するメッセージです。
type Flash struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Session はサーバー側に保存するセッションです。クッキーには ID だけを載せます。
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
	Email     string    `json:"email,omitempty"`
	IsAdmin   bool      `json:"is_admin,omitempty"`
	CSRFToken string    `json:"csrf_token,omitempty"`
	LoginAt   time.Time `json:"login_at"`
	CreatedAt time.Time `json:"created_at"`
	Flashes   []Flash   `json:"flashes,omitempty"`
	ReturnTo  string    `json:"return_to,omitempty"`
}

// NewSession は新しい匿名セッションを作成します。
func NewSession(now time.Time) *Session {
	return &Session{ID: uuid.NewString(), CreatedAt: now.UTC()}
}

// State は UserID の有無から認証状態を返します。
func (s *Session) State() State {
	if s != nil && s.UserID != 0 {
		return StateAuthenticated
	}
	return StateAnonymous
}

// Authenticated はログイン済みかを返します。
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// AddFlash はフラッシュメッセージを追加します。
func (s *Session) AddFlash(kind, message string) {
	s.Flashes = append(s.Flashes, Flash{Type: kind, Message: message})
}

// TakeFlashes はフラッシュメッセージを取り出して消去します。
func (s *Session) TakeFlashes() []Flash {
	flashes := s.Flashes
	s.Flashes = nil
	return flashes
}

// empty は保存する必要のない匿名セッションかを返します。
func (s *Session) empty() bool {
	return !s.Authenticated() && s.CSRFToken == "" && len(s.Flashes) == 0 && s.ReturnTo == ""
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Flashes != nil {
		cp.Flashes = append([]Flash(nil), s.Flashes...)
	}
	return &cp
}

// SessionStore はセッションの保存先です。
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Destroy(ctx context.Context, id string) error
}

const sessionKeyPrefix = "session:"

// RedisSessionStore は Redis に JSON でセッションを保存します。
type RedisSessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisSessionStore は RedisSessionStore を作成します。
func NewRedisSessionStore(rdb redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSessionStore) Load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+sess.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Destroy(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

type memorySessionEntry struct {
	sess    *Session
	savedAt time.Time
}

// MemorySessionStore はプロセス内にセッションを保存します。開発・テスト用です。
type MemorySessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memorySessionEntry
}

// NewMemorySessionStore は MemorySessionStore を作成します。
func NewMemorySessionStore(ttl time.Duration, now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{ttl: ttl, now: now, entries: make(map[string]memorySessionEntry)}
}

func (s *MemorySessionStore) Load(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.ttl > 0 && s.now().Sub(entry.savedAt) >= s.ttl {
		delete(s.entries, id)
		return nil, ErrSessionNotFound
	}
	return entry.sess.clone(), nil
}

func (s *MemorySessionStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sess.ID] = memorySessionEntry{sess: sess.clone(), savedAt: s.now()}
	return nil
}

func (s *MemorySessionStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}
