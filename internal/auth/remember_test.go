package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/learncode/internal/repository"
)

func TestRememberTokenRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, testUser{username: "alice", email: "alice@example.com"})

	token, expires, err := f.remember.Issue(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, token, 64)
	require.Equal(t, f.clock.Now().Add(30*24*time.Hour), expires)

	id, err := f.remember.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, alice.ID, id)

	// 平文のトークンは保存されない
	stored, err := f.repo.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RememberToken)
	require.NotEqual(t, token, *stored.RememberToken)
	require.Equal(t, digestToken(token), *stored.RememberToken)

	f.clock.Advance(30*24*time.Hour + time.Second)
	_, err = f.remember.Validate(ctx, token)
	require.ErrorIs(t, err, ErrInvalidRememberToken)
}

func TestRememberTokenReissueInvalidatesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, testUser{username: "alice", email: "alice@example.com"})

	first, _, err := f.remember.Issue(ctx, alice.ID)
	require.NoError(t, err)
	second, _, err := f.remember.Issue(ctx, alice.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = f.remember.Validate(ctx, first)
	require.ErrorIs(t, err, ErrInvalidRememberToken)
	id, err := f.remember.Validate(ctx, second)
	require.NoError(t, err)
	require.Equal(t, alice.ID, id)
}

func TestRememberTokenRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, testUser{username: "alice", email: "alice@example.com"})

	token, _, err := f.remember.Issue(ctx, alice.ID)
	require.NoError(t, err)
	require.NoError(t, f.remember.Revoke(ctx, alice.ID))

	_, err = f.remember.Validate(ctx, token)
	require.ErrorIs(t, err, ErrInvalidRememberToken)
	_, err = f.remember.Validate(ctx, "")
	require.ErrorIs(t, err, ErrInvalidRememberToken)
	_, err = f.remember.Validate(ctx, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidRememberToken)
}

func TestRememberTokenRetriesOnVersionConflict(t *testing.T) {
	var wrapped *conflictingUsers
	f := newFixture(t, withUsers(func(u UserStore) UserStore {
		wrapped = &conflictingUsers{UserStore: u, conflicts: 2}
		return wrapped
	}))
	ctx := context.Background()
	alice := f.createUser(t, testUser{username: "alice", email: "alice@example.com"})

	token, _, err := f.remember.Issue(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 3, wrapped.calls)

	id, err := f.remember.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, alice.ID, id)
}

func TestRememberTokenGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t, withUsers(func(u UserStore) UserStore {
		return &conflictingUsers{UserStore: u, conflicts: 10}
	}))
	alice := f.createUser(t, testUser{username: "alice", email: "alice@example.com"})

	_, _, err := f.remember.Issue(context.Background(), alice.ID)
	require.ErrorIs(t, err, repository.ErrVersionConflict)
}
