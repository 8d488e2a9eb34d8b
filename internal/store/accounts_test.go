package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func TestBeginLinkAttempt_IncrementsAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.BeginLinkAttempt(ctx, testScope, "gmail", "a1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.LinkAttempt)
	assert.Equal(t, model.AccountPending, first.Status)

	second, err := s.BeginLinkAttempt(ctx, testScope, "gmail", "a-ignored", testNow)
	require.NoError(t, err)
	assert.Equal(t, "a1", second.ID, "the account row is reused per provider")
	assert.Equal(t, int64(2), second.LinkAttempt)
}

func TestActivateAccount_OnlyNewestAttemptWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.BeginLinkAttempt(ctx, testScope, "gmail", "a1", testNow)
	require.NoError(t, err)
	_, err = s.BeginLinkAttempt(ctx, testScope, "gmail", "a2", testNow)
	require.NoError(t, err)

	applied, err := s.ActivateAccount(ctx, "a1", 1, "stale-mailbox", testNow)
	require.NoError(t, err)
	assert.False(t, applied, "a superseded attempt must not activate")

	applied, err = s.ActivateAccount(ctx, "a1", 2, "mailbox-2", testNow)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.FailAccount(ctx, "a1", 2, "late failure", testNow)
	require.NoError(t, err)
	assert.False(t, applied, "a resolved attempt cannot resolve twice")

	got, err := s.GetAccount(ctx, testScope, "gmail")
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, got.Status)
	assert.Equal(t, "mailbox-2", got.ExternalID)
	assert.Empty(t, got.LastError)
}

func TestFailAccount_RecordsReason(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.BeginLinkAttempt(ctx, testScope, "linkedin", "a1", testNow)
	require.NoError(t, err)

	applied, err := s.FailAccount(ctx, a.ID, a.LinkAttempt, "verification timed out", testNow)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetAccount(ctx, testScope, "linkedin")
	require.NoError(t, err)
	assert.Equal(t, model.AccountFailed, got.Status)
	assert.Equal(t, "verification timed out", got.LastError)
}

func TestDisconnectAccount(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.BeginLinkAttempt(ctx, testScope, "gmail", "a1", testNow)
	require.NoError(t, err)
	require.NoError(t, s.DisconnectAccount(ctx, testScope, "gmail", testNow))

	got, err := s.GetAccount(ctx, testScope, "gmail")
	require.NoError(t, err)
	assert.Equal(t, model.AccountDisconnected, got.Status)

	err = s.DisconnectAccount(ctx, testScope, "outlook", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccount(ctx, testScope, "outlook")
	assert.ErrorIs(t, err, ErrNotFound)
}
