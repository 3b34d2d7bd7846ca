package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Provider identifies the remote mail service behind an account.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account; it keys every cached
	// document belonging to the account.
	ID string `mapstructure:"id" yaml:"id"`

	// Provider selects the remote adapter ("gmail" or "imap").
	Provider Provider `mapstructure:"provider" yaml:"provider"`

	// Email is the account's address. Push notifications are routed by it.
	Email string `mapstructure:"email" yaml:"email"`

	// Enabled controls whether the poller syncs this account.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec is how often (in seconds) to sync in the background.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host,omitempty"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port,omitempty"`
	TLS      bool   `mapstructure:"tls" yaml:"tls,omitempty"`
}

// StoreConfig selects and configures the persisted store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "redis".
	Backend string `mapstructure:"backend" yaml:"backend"`

	Path string `mapstructure:"path" yaml:"path"`

	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisDB     int    `mapstructure:"redis_db" yaml:"redis_db,omitempty"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix,omitempty"`
}

// SyncConfig tunes the sync orchestrator and background poller.
type SyncConfig struct {
	LookbackDays        int `mapstructure:"lookback_days" yaml:"lookback_days"`
	MaxFullSyncMessages int `mapstructure:"max_full_sync_messages" yaml:"max_full_sync_messages"`
	PageSize            int `mapstructure:"page_size" yaml:"page_size"`
	DetailBatchSize     int `mapstructure:"detail_batch_size" yaml:"detail_batch_size"`
	PollIntervalSec     int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	TimeoutSec          int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// GmailConfig holds OAuth client and push settings shared by Gmail accounts.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	ProjectID    string `mapstructure:"project_id" yaml:"project_id"`
	Topic        string `mapstructure:"topic" yaml:"topic"`
	Subscription string `mapstructure:"subscription" yaml:"subscription"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Gmail    GmailConfig     `mapstructure:"gmail" yaml:"gmail"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// Account returns the configured account with the given ID.
func (c *AppConfig) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// DefaultConfigDir returns ~/.config/mailcache.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailcache")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailcache/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		Store: StoreConfig{
			Backend:     "sqlite",
			Path:        filepath.Join(DefaultConfigDir(), "cache.db"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "mailcache",
		},
		Sync: SyncConfig{
			LookbackDays:        14,
			MaxFullSyncMessages: 2000,
			PageSize:            100,
			DetailBatchSize:     10,
			PollIntervalSec:     120,
			TimeoutSec:          120,
		},
		Gmail: GmailConfig{
			Topic: "gmail-updates",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every default with v so missing keys resolve to
// sensible values and environment overrides can bind to them.
func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_db", d.Store.RedisDB)
	v.SetDefault("store.redis_prefix", d.Store.RedisPrefix)
	v.SetDefault("sync.lookback_days", d.Sync.LookbackDays)
	v.SetDefault("sync.max_full_sync_messages", d.Sync.MaxFullSyncMessages)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.detail_batch_size", d.Sync.DetailBatchSize)
	v.SetDefault("sync.poll_interval_sec", d.Sync.PollIntervalSec)
	v.SetDefault("sync.timeout_sec", d.Sync.TimeoutSec)
	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.project_id", "")
	v.SetDefault("gmail.topic", d.Gmail.Topic)
	v.SetDefault("gmail.subscription", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILCACHE_ override file values
// (e.g. MAILCACHE_GMAIL_CLIENT_ID). If the file does not exist, defaults
// plus environment overrides are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailcache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].PollIntervalSec == 0 {
			cfg.Accounts[i].PollIntervalSec = cfg.Sync.PollIntervalSec
		}
		if cfg.Accounts[i].Provider == "" {
			cfg.Accounts[i].Provider = ProviderGmail
		}
		if !cfg.Accounts[i].Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("store", cfg.Store)
	v.Set("sync", cfg.Sync)
	v.Set("gmail", cfg.Gmail)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
