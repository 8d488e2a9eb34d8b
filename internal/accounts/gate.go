package accounts

import (
	"context"
	"errors"

	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

// DefaultChannels maps each channel to the provider whose account it needs.
// Channels absent from the map need no linked account.
var DefaultChannels = map[model.Channel]string{
	model.ChannelEmail:           "gmail",
	model.ChannelLinkedInConnect: "linkedin",
	model.ChannelLinkedInMessage: "linkedin",
}

// AccountReader reads an owner's provider account.
type AccountReader interface {
	GetAccount(ctx context.Context, scope model.Scope, provider string) (model.Account, error)
}

// Gate reports a channel ready when the owner's account for its provider is
// active. It implements engine.Gate.
type Gate struct {
	store    AccountReader
	channels map[model.Channel]string
}

// NewGate creates a Gate. A nil channels map uses DefaultChannels.
func NewGate(s AccountReader, channels map[model.Channel]string) *Gate {
	if channels == nil {
		channels = DefaultChannels
	}
	return &Gate{store: s, channels: channels}
}

// Ready reports whether channel may be scheduled for scope. provider is
// the account that is missing when ready is false.
func (g *Gate) Ready(ctx context.Context, scope model.Scope, channel model.Channel) (string, bool, error) {
	providerName, ok := g.channels[channel]
	if !ok || providerName == "" {
		return "", true, nil
	}
	acct, err := g.store.GetAccount(ctx, scope, providerName)
	if errors.Is(err, store.ErrNotFound) {
		return providerName, false, nil
	}
	if err != nil {
		return providerName, false, err
	}
	return providerName, acct.Status == model.AccountActive, nil
}
