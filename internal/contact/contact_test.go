package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/learncode/internal/cache"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/ratelimit"
	"github.com/yourusername/learncode/internal/repository"
	"github.com/yourusername/learncode/internal/repository/sqlstore"
)

func newRepo(t *testing.T) *sqlstore.ContactRepository {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(db))
	return sqlstore.NewContactRepository(db)
}

func validInput() Input {
	return Input{
		Name:    "Alice",
		Email:   "alice@example.com",
		Subject: "Course question",
		Message: "When does the Go course start?",
	}
}

func TestSubmit(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, logging.Discard())
	ctx := context.Background()

	msg, err := svc.Submit(ctx, validInput())
	require.NoError(t, err)
	require.NotZero(t, msg.ID)

	msgs, err := svc.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "Course question", msgs[0].Subject)
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(newRepo(t), logging.Discard())

	_, err := svc.Submit(context.Background(), Input{
		Name:    " A ",
		Email:   "nope",
		Subject: "Hi",
		Message: "short",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{
		"Name must be at least 2 characters long.",
		"Please enter a valid email address.",
		"Subject must be at least 5 characters long.",
		"Message must be at least 10 characters long.",
	}, verr.Messages)

	_, err = svc.Submit(context.Background(), Input{})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Name is required.", verr.Messages[0])
}

type brokenStore struct{}

func (brokenStore) Create(context.Context, *repository.ContactMessage) error {
	return errors.New("disk full")
}

func (brokenStore) Recent(context.Context, int) ([]repository.ContactMessage, error) {
	return nil, errors.New("disk full")
}

func newRouter(svc *Service, limit int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	l := ratelimit.New(cache.NewMemory(nil), ratelimit.FailOpen, logging.Discard())
	policy := ratelimit.Policy{Name: "contact", Limit: limit, Window: time.Hour}
	h := NewHandler(svc, logging.Discard())
	router := gin.New()
	router.POST("/api/contact", ratelimit.Middleware(l, policy, MsgTooMany), h.Submit)
	router.GET("/api/admin/contact-messages", h.List)
	return router
}

func post(router *gin.Engine, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerLimitsBeforeValidation(t *testing.T) {
	router := newRouter(NewService(newRepo(t), logging.Discard()), 3)
	good := url.Values{
		"name":    {"Alice"},
		"email":   {"alice@example.com"},
		"subject": {"Course question"},
		"message": {"When does the Go course start?"},
	}

	rec := post(router, good)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"OK"`)

	// 不正な入力も試行回数を消費する
	rec = post(router, url.Values{"name": {"A"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "INVALID_INPUT", body["code"])

	rec = post(router, good)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(router, good)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), MsgTooMany)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/contact-messages?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Messages, 2)
}

func TestHandlerStoreFailure(t *testing.T) {
	router := newRouter(NewService(brokenStore{}, logging.Discard()), 3)
	rec := post(router, url.Values{
		"name":    {"Alice"},
		"email":   {"alice@example.com"},
		"subject": {"Course question"},
		"message": {"When does the Go course start?"},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), msgFailed)
}
