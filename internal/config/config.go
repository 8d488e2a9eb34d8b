// Package config loads the cadence service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/readiness"
)

// ProviderConfig points at the messaging provider API.
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	// RedirectURL receives the hosted auth flow's callback.
	RedirectURL string `yaml:"redirect_url,omitempty"`
}

// ContentConfig selects the chat completion model used for drafts.
type ContentConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ExecutorConfig tunes the reference worker.
type ExecutorConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full service configuration.
type Config struct {
	Database        string                        `yaml:"database"`
	DefaultTimezone string                        `yaml:"default_timezone"`
	SendWindows     map[string]string             `yaml:"send_windows"`
	SkipWeekends    bool                          `yaml:"skip_weekends"`
	StepFailure     string                        `yaml:"step_failure"`
	ClaimLease      time.Duration                 `yaml:"claim_lease"`
	Readiness       map[string]readiness.Schedule `yaml:"readiness"`
	Channels        map[string]string             `yaml:"channels"`
	Provider        ProviderConfig                `yaml:"provider"`
	Content         ContentConfig                 `yaml:"content"`
	Executor        ExecutorConfig                `yaml:"executor"`
	API             APIConfig                     `yaml:"api"`
}

func seconds(ns ...int) []time.Duration {
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = time.Duration(n) * time.Second
	}
	return out
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:        "cadence.db",
		DefaultTimezone: "UTC",
		SendWindows: map[string]string{
			string(model.ChannelEmail):           "09:00",
			string(model.ChannelLinkedInConnect): "10:00",
			string(model.ChannelLinkedInMessage): "10:30",
			string(model.ChannelCall):            "11:00",
			string(model.ChannelTask):            "09:00",
		},
		StepFailure: string(engine.FailHalt),
		ClaimLease:  10 * time.Minute,
		Readiness: map[string]readiness.Schedule{
			"gmail":    {Delays: seconds(1, 2, 3, 5, 8, 10, 10, 10, 10), Deadline: 60 * time.Second},
			"linkedin": {Delays: seconds(2, 3, 5, 8, 13, 15, 15, 15, 15), Deadline: 90 * time.Second},
		},
		Channels: map[string]string{
			string(model.ChannelEmail):           "gmail",
			string(model.ChannelLinkedInConnect): "linkedin",
			string(model.ChannelLinkedInMessage): "linkedin",
		},
		Provider: ProviderConfig{APIKeyEnv: "CADENCE_PROVIDER_API_KEY"},
		Content: ContentConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Executor: ExecutorConfig{
			BatchSize:    50,
			PollInterval: 30 * time.Second,
			Concurrency:  4,
		},
		API: APIConfig{Listen: ":8080"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Map
// sections merge key by key; unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field that would otherwise fail at first use.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("default_timezone: %w", err))
	}
	for _, ch := range sortedKeys(c.SendWindows) {
		if !model.Channel(ch).IsKnown() {
			errs = append(errs, fmt.Errorf("send_windows: unknown channel %q", ch))
			continue
		}
		if _, err := engine.ParseTimeOfDay(c.SendWindows[ch]); err != nil {
			errs = append(errs, fmt.Errorf("send_windows.%s: %w", ch, err))
		}
	}
	switch engine.FailurePolicy(c.StepFailure) {
	case engine.FailHalt, engine.FailContinue:
	default:
		errs = append(errs, fmt.Errorf("step_failure: unknown policy %q (want halt or continue)", c.StepFailure))
	}
	if c.ClaimLease <= 0 {
		errs = append(errs, errors.New("claim_lease: must be positive"))
	}
	for _, p := range sortedKeys(c.Readiness) {
		if err := c.Readiness[p].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("readiness.%s: %w", p, err))
		}
	}
	for _, ch := range sortedKeys(c.Channels) {
		if !model.Channel(ch).IsKnown() {
			errs = append(errs, fmt.Errorf("channels: unknown channel %q", ch))
			continue
		}
		if p := c.Channels[ch]; p != "" {
			if _, ok := c.Readiness[p]; !ok {
				errs = append(errs, fmt.Errorf("channels.%s: provider %q has no readiness schedule", ch, p))
			}
		}
	}
	if c.Executor.BatchSize < 1 {
		errs = append(errs, errors.New("executor.batch_size: must be at least 1"))
	}
	if c.Executor.PollInterval <= 0 {
		errs = append(errs, errors.New("executor.poll_interval: must be positive"))
	}
	if c.Executor.Concurrency < 1 {
		errs = append(errs, errors.New("executor.concurrency: must be at least 1"))
	}
	return errors.Join(errs...)
}

// SchedulePolicy builds the engine's schedule policy.
func (c Config) SchedulePolicy() (engine.SchedulePolicy, error) {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return engine.SchedulePolicy{}, fmt.Errorf("default_timezone: %w", err)
	}
	p := engine.SchedulePolicy{
		DefaultTimezone: loc,
		Windows:         make(map[model.Channel]engine.TimeOfDay, len(c.SendWindows)),
		SkipWeekends:    c.SkipWeekends,
	}
	for ch, s := range c.SendWindows {
		tod, err := engine.ParseTimeOfDay(s)
		if err != nil {
			return engine.SchedulePolicy{}, fmt.Errorf("send_windows.%s: %w", ch, err)
		}
		p.Windows[model.Channel(ch)] = tod
	}
	return p, nil
}

// FailurePolicy returns the step failure policy.
func (c Config) FailurePolicy() engine.FailurePolicy {
	return engine.FailurePolicy(c.StepFailure)
}

// ChannelProviders maps channels to the provider account they need.
// Channels mapped to "" need none and are left out.
func (c Config) ChannelProviders() map[model.Channel]string {
	out := make(map[model.Channel]string, len(c.Channels))
	for ch, p := range c.Channels {
		if p != "" {
			out[model.Channel(ch)] = p
		}
	}
	return out
}

// ProviderAPIKey reads the provider key from the configured env var.
func (c Config) ProviderAPIKey() (string, error) {
	return secret(c.Provider.APIKeyEnv)
}

// ContentAPIKey reads the model API key from the configured env var.
func (c Config) ContentAPIKey() (string, error) {
	return secret(c.Content.APIKeyEnv)
}

func secret(env string) (string, error) {
	if env == "" {
		return "", errors.New("no api key env var configured")
	}
	v := os.Getenv(env)
	if v == "" {
		return "", fmt.Errorf("%s is not set", env)
	}
	return v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
