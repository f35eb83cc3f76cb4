package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/repository"
	"github.com/yourusername/learncode/internal/repository/sqlstore"
)

func newTestCLI(t *testing.T, stdin string) (*cli, *sqlstore.UserRepository, *bytes.Buffer) {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(db))

	repo := sqlstore.NewUserRepository(db)
	out := &bytes.Buffer{}
	return &cli{
		users:      repo,
		hasher:     auth.NewPasswordHasher(bcrypt.MinCost, logging.Discard()),
		stdin:      bufio.NewReader(strings.NewReader(stdin)),
		stdout:     out,
		logger:     logging.Discard(),
		pipedInput: true,
	}, repo, out
}

func TestCreateFromPipe(t *testing.T) {
	c, repo, out := newTestCLI(t, "Secret#123\n")
	ctx := context.Background()

	err := c.run(ctx, []string{"create", "-email", "Root@Example.com", "-username", "root", "-name", "Site Admin", "-admin"})
	require.NoError(t, err)
	require.Contains(t, out.String(), "created user")

	user, err := repo.GetByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	require.True(t, user.IsAdmin)
	require.True(t, user.IsActive)
	require.True(t, user.EmailVerified)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("Secret#123")))
}

func TestCreateRejectsWeakPassword(t *testing.T) {
	c, _, _ := newTestCLI(t, "weak\n")
	err := c.run(context.Background(), []string{"create", "-email", "a@example.com", "-username", "alice"})
	require.ErrorContains(t, err, "at least 8 characters")
}

func TestCreateFromTerminal(t *testing.T) {
	c, repo, _ := newTestCLI(t, "")
	c.pipedInput = false

	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	answers := [][]byte{[]byte("Secret#123"), []byte("Secret#123")}
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
	require.NoError(t, c.run(context.Background(), []string{"create", "-email", "a@example.com", "-username", "alice", "-unverified"}))

	user, err := repo.GetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.False(t, user.EmailVerified)
	require.False(t, user.IsAdmin)

	answers = [][]byte{[]byte("Secret#123"), []byte("Other#1234")}
	err = c.run(context.Background(), []string{"create", "-email", "b@example.com", "-username", "bob"})
	require.ErrorContains(t, err, "passwords do not match")
}

func TestFlagCommands(t *testing.T) {
	c, repo, _ := newTestCLI(t, "")
	ctx := context.Background()
	user := &repository.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "x",
		IsActive:     true,
	}
	require.NoError(t, repo.Create(ctx, user))

	require.NoError(t, c.run(ctx, []string{"set-admin", "-email", "alice@example.com"}))
	require.NoError(t, c.run(ctx, []string{"set-active", "-email", "alice@example.com", "-value=false"}))
	require.NoError(t, c.run(ctx, []string{"verify-email", "-email", "alice@example.com"}))

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, got.IsAdmin)
	require.False(t, got.IsActive)
	require.True(t, got.EmailVerified)
}

func TestRevokeRemember(t *testing.T) {
	c, repo, _ := newTestCLI(t, "")
	ctx := context.Background()
	user := &repository.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, repo.Create(ctx, user))

	store := auth.NewRememberTokenStore(repo, 24*time.Hour, logging.Discard())
	token, _, err := store.Issue(ctx, user.ID)
	require.NoError(t, err)
	id, err := store.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, id)

	require.NoError(t, c.run(ctx, []string{"revoke-remember", "-email", "alice@example.com"}))
	_, err = store.Validate(ctx, token)
	require.ErrorIs(t, err, auth.ErrInvalidRememberToken)
}

func TestUnknownUserAndCommand(t *testing.T) {
	c, _, _ := newTestCLI(t, "")
	ctx := context.Background()

	err := c.run(ctx, []string{"set-admin", "-email", "nobody@example.com"})
	require.ErrorIs(t, err, repository.ErrUserNotFound)

	err = c.run(ctx, []string{"set-admin"})
	require.ErrorContains(t, err, "-email is required")

	err = c.run(ctx, []string{"explode"})
	require.ErrorContains(t, err, "unknown command")
}
