package cli

import (
	"errors"

	"github.com/rasheedb1/cadence/internal/accounts"
	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/config"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/provider"
	"github.com/rasheedb1/cadence/internal/readiness"
	"github.com/rasheedb1/cadence/internal/store"
)

// app is the wired service graph a command runs against.
type app struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	return cfg, nil
}

// openApp loads config, opens the database and builds the engine.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeDatabase, err)
	}
	e, err := newEngine(cfg, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: s, engine: e}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newEngine(cfg config.Config, s *store.Store, extra ...engine.Option) (*engine.Engine, error) {
	policy, err := cfg.SchedulePolicy()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	opts := []engine.Option{
		engine.WithSchedulePolicy(policy),
		engine.WithFailurePolicy(cfg.FailurePolicy()),
		engine.WithClaimLease(cfg.ClaimLease),
		engine.WithGate(accounts.NewGate(s, cfg.ChannelProviders())),
	}
	return engine.New(s, append(opts, extra...)...), nil
}

// providerClient builds the messaging provider client from config and env.
func (a *app) providerClient() (*provider.Client, error) {
	if a.cfg.Provider.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "provider.base_url is not configured")
	}
	key, err := a.cfg.ProviderAPIKey()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "provider api key", err)
	}
	return provider.New(a.cfg.Provider.BaseURL, key), nil
}

func (a *app) linker(client *provider.Client) *accounts.Linker {
	return accounts.NewLinker(a.store, client, readiness.New(), a.cfg.Readiness, engine.UUIDv7Generator{},
		accounts.WithRedirectURL(a.cfg.Provider.RedirectURL))
}

// reportRuntimeError writes an engine or store failure and returns the
// matching exit error. Refusals by the engine (blocked activation, invalid
// transitions) are domain failures; anything else is a command error.
func reportRuntimeError(f *OutputFormatter, err error) error {
	if errs, ok := compiler.AsIntegrityErrors(err); ok {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		_ = f.Error(ErrCodeRuntime, "cadence graph is invalid", details)
		return WrapExitError(ExitFailure, "cadence graph is invalid", err)
	}
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		_ = f.Error(string(re.Code), re.Message, nil)
		return WrapExitError(ExitFailure, string(re.Code), err)
	}
	if errors.Is(err, store.ErrNotFound) {
		_ = f.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeNotFound, err)
	}
	_ = f.Error(ErrCodeRuntime, err.Error(), nil)
	return WrapExitError(ExitCommandError, ErrCodeRuntime, err)
}
