package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func TestGate_Ready(t *testing.T) {
	f := newFixture(t)
	gate := NewGate(f.store, nil)

	provider, ready, err := gate.Ready(f.ctx, testScope, model.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, ready, "no account yet")
	assert.Equal(t, "gmail", provider)

	started, err := f.linker.Start(f.ctx, testScope, "gmail")
	require.NoError(t, err)
	_, ready, err = gate.Ready(f.ctx, testScope, model.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, ready, "pending account")

	applied, err := f.store.ActivateAccount(f.ctx, started.Account.ID, 1, "ext-1", testStart)
	require.NoError(t, err)
	require.True(t, applied)
	_, ready, err = gate.Ready(f.ctx, testScope, model.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, ready)

	provider, ready, err = gate.Ready(f.ctx, testScope, model.ChannelLinkedInMessage)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, "linkedin", provider)
}

func TestGate_ChannelsWithoutAccount(t *testing.T) {
	f := newFixture(t)
	gate := NewGate(f.store, nil)

	for _, ch := range []model.Channel{model.ChannelCall, model.ChannelTask} {
		provider, ready, err := gate.Ready(f.ctx, testScope, ch)
		require.NoError(t, err)
		assert.True(t, ready, ch)
		assert.Empty(t, provider)
	}
}

type brokenReader struct{}

func (brokenReader) GetAccount(context.Context, model.Scope, string) (model.Account, error) {
	return model.Account{}, errors.New("disk on fire")
}

func TestGate_StoreErrorPropagates(t *testing.T) {
	gate := NewGate(brokenReader{}, map[model.Channel]string{model.ChannelEmail: "outlook"})
	provider, ready, err := gate.Ready(context.Background(), testScope, model.ChannelEmail)
	require.Error(t, err)
	assert.False(t, ready)
	assert.Equal(t, "outlook", provider)
}
