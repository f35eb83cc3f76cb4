package account

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/cache"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/ratelimit"
)

type testEnv struct {
	router  *gin.Engine
	cookies []*http.Cookie
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.Discard()

	repo := newRepo(t)
	hasher := auth.NewPasswordHasher(bcrypt.MinCost, logger)
	limiter := ratelimit.New(cache.NewMemory(time.Now), ratelimit.FailOpen, logger)
	csrf := auth.NewCSRFGuard(logger)
	manager, err := auth.NewSessionManager(auth.ManagerOptions{
		Users:    repo,
		Sessions: auth.NewMemorySessionStore(time.Hour, nil),
		Hasher:   hasher,
		Limiter:  limiter,
		Policies: ratelimit.DefaultPolicies(),
		CSRF:     csrf,
		Remember: auth.NewRememberTokenStore(repo, 24*time.Hour, logger),
		Logger:   logger,
	})
	require.NoError(t, err)

	authHandler := auth.NewHandler(manager, auth.NewAccessController(repo, logger), false)
	svc, err := NewService(repo, hasher, logger)
	require.NoError(t, err)
	h := NewHandler(svc, limiter, ratelimit.DefaultPolicies().Register, manager, logger)

	router := gin.New()
	store := cookie.NewStore([]byte("0123456789abcdef0123456789abcdef"))
	router.Use(sessions.Sessions(auth.SessionCookieName, store))
	api := router.Group("/api", manager.SessionLoader())
	api.GET("/auth/csrf", authHandler.CSRFToken)
	api.GET("/auth/session", authHandler.SessionInfo)
	api.POST("/auth/register", csrf.Middleware(), h.Register)
	return &testEnv{router: router}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	for _, ck := range e.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if cookies := rec.Result().Cookies(); len(cookies) > 0 {
		e.cookies = cookies
	}
	return rec
}

func (e *testEnv) csrfToken(t *testing.T) string {
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/auth/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.CSRFToken
}

func (e *testEnv) register(form url.Values, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", token)
	return e.do(req)
}

func validForm(username string) url.Values {
	return url.Values{
		"full_name":        {"Alice Liddell"},
		"username":         {username},
		"email":            {username + "@example.com"},
		"password":         {"Secret#123"},
		"confirm_password": {"Secret#123"},
		"agree_terms":      {"on"},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// anonymous はクッキーを捨てて新しい匿名セッションの CSRF トークンを返します。
func (e *testEnv) anonymous(t *testing.T) string {
	e.cookies = nil
	return e.csrfToken(t)
}

func TestRegisterHandler(t *testing.T) {
	env := newTestEnv(t)
	token := env.csrfToken(t)
	before := env.cookies

	rec := env.register(validForm("alice"), token)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/dashboard", rec.Header().Get("Location"))
	require.NotEqual(t, before, env.cookies)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), msgRegistered)
	require.Contains(t, rec.Body.String(), `"authenticated":true`)
	require.Contains(t, rec.Body.String(), `"username":"alice"`)

	// 登録済みのセッションからは登録フォームを受け付けない
	rec = env.register(validForm("alice_two"), token)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/dashboard", rec.Header().Get("Location"))

	token = env.anonymous(t)
	rec = env.register(validForm("alice"), token)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "ALREADY_EXISTS", body["code"])
	require.NotContains(t, rec.Body.String(), "Secret#123")
}

func TestRegisterHandlerRequiresCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.csrfToken(t)

	rec := env.register(validForm("alice"), "forged")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterHandlerValidationDoesNotConsumeLimit(t *testing.T) {
	env := newTestEnv(t)
	token := env.csrfToken(t)

	bad := validForm("alice")
	bad.Set("confirm_password", "Other#123")
	for i := 0; i < 5; i++ {
		rec := env.register(bad, token)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		require.Equal(t, "INVALID_INPUT", body["code"])
		require.Equal(t, "Passwords do not match.", body["message"])
	}

	// 登録は1時間に3回まで
	for _, name := range []string{"user_a", "user_b", "user_c"} {
		rec := env.register(validForm(name), token)
		require.Equal(t, http.StatusSeeOther, rec.Code, name)
		require.Equal(t, "/dashboard", rec.Header().Get("Location"), name)
		token = env.anonymous(t)
	}
	rec := env.register(validForm("user_d"), token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "TOO_MANY_ATTEMPTS", decode(t, rec)["code"])
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}
