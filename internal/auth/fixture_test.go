package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/learncode/internal/cache"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/ratelimit"
	"github.com/yourusername/learncode/internal/repository"
	"github.com/yourusername/learncode/internal/repository/sqlstore"
)

const testPassword = "Secret#123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	repo     *sqlstore.UserRepository
	users    UserStore
	sessions *MemorySessionStore
	hasher   *PasswordHasher
	csrf     *CSRFGuard
	remember *RememberTokenStore
	limiter  *ratelimit.Limiter
	manager  *SessionManager
	access   *AccessController
}

type fixtureOption func(*ManagerOptions)

func withUniformErrors() fixtureOption {
	return func(o *ManagerOptions) { o.UniformErrors = true }
}

func withUsers(wrap func(UserStore) UserStore) fixtureOption {
	return func(o *ManagerOptions) { o.Users = wrap(o.Users) }
}

func withLimiter(l *ratelimit.Limiter) fixtureOption {
	return func(o *ManagerOptions) { o.Limiter = l }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db, err := sqlstore.Open(sqlstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(db))

	logger := logging.Discard()
	f := &fixture{
		clock: newFakeClock(),
		repo:  sqlstore.NewUserRepository(db),
	}
	f.sessions = NewMemorySessionStore(time.Hour, f.clock.Now)
	f.hasher = NewPasswordHasher(bcrypt.MinCost, logger)
	f.csrf = NewCSRFGuard(logger)
	f.limiter = ratelimit.New(cache.NewMemory(f.clock.Now), ratelimit.FailOpen, logger)

	mo := ManagerOptions{
		Users:    f.repo,
		Sessions: f.sessions,
		Hasher:   f.hasher,
		Limiter:  f.limiter,
		Policies: ratelimit.DefaultPolicies(),
		CSRF:     f.csrf,
		Logger:   logger,
		Now:      f.clock.Now,
	}
	for _, opt := range opts {
		opt(&mo)
	}
	f.users = mo.Users
	f.limiter = mo.Limiter

	f.remember = NewRememberTokenStore(f.users, 30*24*time.Hour, logger)
	f.remember.now = f.clock.Now
	mo.Remember = f.remember

	f.manager, err = NewSessionManager(mo)
	require.NoError(t, err)
	f.access = NewAccessController(f.users, logger)
	return f
}

type testUser struct {
	username string
	email    string
	admin    bool
	inactive bool
	pending  bool
	cost     int
	password string
}

func (f *fixture) createUser(t *testing.T, tu testUser) *repository.User {
	t.Helper()
	cost := tu.cost
	if cost == 0 {
		cost = bcrypt.MinCost
	}
	password := tu.password
	if password == "" {
		password = testPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	require.NoError(t, err)

	u := &repository.User{
		Username:      tu.username,
		Email:         tu.email,
		PasswordHash:  string(hash),
		FullName:      "Test " + tu.username,
		IsAdmin:       tu.admin,
		IsActive:      !tu.inactive,
		EmailVerified: !tu.pending,
	}
	require.NoError(t, f.repo.Create(context.Background(), u))
	return u
}

// anonymousSession は CSRF トークン発行済みの匿名セッションを返します。
func (f *fixture) anonymousSession(t *testing.T) *Session {
	t.Helper()
	sess := NewSession(f.clock.Now())
	_, err := f.csrf.IssueOrReuse(sess)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Save(context.Background(), sess))
	return sess
}

func (f *fixture) loginRequest(sess *Session, email, password string, surface Surface) LoginRequest {
	return LoginRequest{
		Email:     email,
		Password:  password,
		CSRFToken: sess.CSRFToken,
		Client:    "203.0.113.7",
		Surface:   surface,
	}
}

// conflictingUsers は SetRememberToken の最初の n 回を競合として失敗させます。
type conflictingUsers struct {
	UserStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (u *conflictingUsers) SetRememberToken(ctx context.Context, id int64, digest string, expires time.Time, expectedVersion int64) error {
	u.mu.Lock()
	u.calls++
	conflict := u.calls <= u.conflicts
	u.mu.Unlock()
	if conflict {
		return repository.ErrVersionConflict
	}
	return u.UserStore.SetRememberToken(ctx, id, digest, expires, expectedVersion)
}

// brokenUsers はすべての参照で接続エラーを返します。
type brokenUsers struct {
	UserStore
}

func (brokenUsers) GetByEmail(context.Context, string) (*repository.User, error) {
	return nil, fmt.Errorf("dial tcp: connection refused")
}

// brokenCounter は常に到達不能なキャッシュです。
type brokenCounter struct{}

func (brokenCounter) Consume(context.Context, string, int, time.Duration) (cache.CounterState, error) {
	return cache.CounterState{}, cache.ErrUnavailable
}
