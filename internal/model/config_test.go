package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 14, cfg.Sync.LookbackDays)
	assert.Equal(t, 2000, cfg.Sync.MaxFullSyncMessages)
	assert.Equal(t, 10, cfg.Sync.DetailBatchSize)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadConfigAppliesAccountDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
sync:
  poll_interval_sec: 60
accounts:
  - id: work
    email: me@example.com
  - id: home
    provider: imap
    enabled: false
    poll_interval_sec: 300
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	work, ok := cfg.Account("work")
	require.True(t, ok)
	assert.Equal(t, ProviderGmail, work.Provider)
	assert.True(t, work.Enabled)
	assert.Equal(t, 60, work.PollIntervalSec)

	home, ok := cfg.Account("home")
	require.True(t, ok)
	assert.Equal(t, ProviderIMAP, home.Provider)
	assert.False(t, home.Enabled)
	assert.Equal(t, 300, home.PollIntervalSec)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILCACHE_STORE_BACKEND", "redis")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := defaultAppConfig()
	cfg.Accounts = append(cfg.Accounts, AccountConfig{
		ID: "acct1", Provider: ProviderGmail, Email: "a@example.com", Enabled: true, PollIntervalSec: 90,
	})

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	acct, ok := loaded.Account("acct1")
	require.True(t, ok)
	assert.Equal(t, "a@example.com", acct.Email)
	assert.Equal(t, 90, acct.PollIntervalSec)
}
