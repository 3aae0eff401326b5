package internal

import (
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/watcher"
)

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	OSF   OSFConfig         `yaml:"osf"`
	Watch WatchConfig       `yaml:"watch"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.OSF.Validate(); err != nil {
		return err
	}
	return c.Watch.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// OSFConfig holds the backend endpoints and OAuth client identity.
//
// SettingsURL is optional; when set, a remotely published settings
// document overrides ClientID and RedirectURI at startup, so the client
// registration can be rotated without shipping a new release.
type OSFConfig struct {
	APIBase      string `yaml:"api_base"`
	AccountsBase string `yaml:"accounts_base"`
	ClientID     string `yaml:"client_id"`
	RedirectURI  string `yaml:"redirect_uri"`
	SettingsURL  string `yaml:"settings_url"`
	TokenFile    string `yaml:"token_file"`
}

// Validate validates the OSF configuration.
func (c *OSFConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.APIBase, validation.Required),
		validation.Field(&c.AccountsBase, validation.Required),
		validation.Field(&c.ClientID, validation.Required),
		validation.Field(&c.RedirectURI, validation.Required),
	)
}

// WatchConfig holds daemon-mode settings: the experiment whose link
// records govern uploads and the directory its runs write results into.
// Both are checked by the watch command rather than here, so one-shot
// commands work without them.
type WatchConfig struct {
	Experiment    string `yaml:"experiment"`
	Path          string `yaml:"path"`
	SettleSeconds int    `yaml:"settle_seconds"`
	AssumeYes     bool   `yaml:"assume_yes"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SettleSeconds, validation.Min(0)),
	)
}

// Settle returns the debounce window for run output batches.
func (c *WatchConfig) Settle() time.Duration {
	if c.SettleSeconds <= 0 {
		return watcher.DefaultSettle
	}
	return time.Duration(c.SettleSeconds) * time.Second
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		OSF: OSFConfig{
			APIBase:      osf.DefaultAPIBase,
			AccountsBase: osf.DefaultAccountsBase,
			// Compiled-in client registration, overridden by a settings
			// document or an explicit config.
			ClientID:    "878e88b88bf74471a6a3ff05e007b0dd",
			RedirectURI: "http://localhost:9584/osf-login",
			TokenFile:   osf.DefaultTokenPath(),
		},
		Watch: WatchConfig{
			SettleSeconds: 2,
		},
	}
}
