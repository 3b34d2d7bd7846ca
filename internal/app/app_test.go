package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nhle/mailcache/internal/cache"
	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	mailsync "github.com/nhle/mailcache/internal/sync"
	"github.com/nhle/mailcache/internal/testutil"
)

func testConfig() *model.AppConfig {
	return &model.AppConfig{
		Accounts: []model.AccountConfig{
			{ID: "work", Provider: model.ProviderGmail, Email: "me@example.com", Enabled: true},
			{ID: "home", Provider: model.ProviderIMAP, Email: "me@home.example", IMAPHost: "imap.home.example", Enabled: true},
			{ID: "old", Provider: model.ProviderIMAP, Email: "old@example.com", Enabled: false},
			{ID: "weird", Provider: "pop3", Enabled: true},
		},
		Gmail: model.GmailConfig{ClientID: "id", ClientSecret: "secret"},
		Log:   model.LogConfig{Level: "debug", Format: "json"},
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(model.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "account", "work")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"account":"work"`)

	buf.Reset()
	logger = NewLogger(model.LogConfig{Level: "nonsense"}, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestOpenStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	s, err := OpenStore(context.Background(), model.StoreConfig{Backend: "sqlite", Path: path})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "emails.work", []string{"x"}))
	assert.FileExists(t, path)
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenStore(context.Background(), model.StoreConfig{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "mc"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "lastSync.work", 1))
	assert.True(t, mr.Exists("mc:lastSync.work"))
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), model.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	vault := credential.NewArrayVault()
	r := NewResolver(testConfig(), vault, NewLogger(model.LogConfig{}, &bytes.Buffer{}))

	_, err := r.Client(ctx, "nobody")
	assert.ErrorIs(t, err, mailsync.ErrUnknownAccount)

	_, err = r.Client(ctx, "work")
	assert.True(t, remote.IsAuthError(err))
	_, err = r.Client(ctx, "home")
	assert.True(t, remote.IsAuthError(err))

	_, err = r.Client(ctx, "weird")
	assert.Error(t, err)

	require.NoError(t, vault.SetToken("work", &oauth2.Token{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, vault.SetPassword("home", "pw"))

	gc, err := r.Client(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderGmail, gc.Provider())

	again, err := r.Client(ctx, "work")
	require.NoError(t, err)
	assert.Same(t, gc, again)

	ic, err := r.Client(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderIMAP, ic.Provider())

	r.Forget("work")
	rebuilt, err := r.Client(ctx, "work")
	require.NoError(t, err)
	assert.NotSame(t, gc, rebuilt)
}

func TestNewWiresComponents(t *testing.T) {
	ctx := context.Background()
	mailbox := testutil.NewFakeMailbox("me@example.com")
	mailbox.Seed(testutil.Message("m1", model.LabelInbox))

	a, err := New(ctx, testConfig(),
		WithStore(testutil.NewTestStore(t)),
		WithVault(credential.NewArrayVault()),
		WithClientResolver(mailsync.ClientResolverFunc(func(context.Context, string) (remote.Client, error) {
			return mailbox, nil
		})),
		WithLogOutput(&bytes.Buffer{}),
	)
	require.NoError(t, err)

	statuses := a.Poller.GetStatuses()
	ids := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ids = append(ids, s.AccountID)
	}
	assert.Equal(t, []string{"home", "weird", "work"}, ids)

	res, err := a.Cache.Sync(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmailCount)

	page, err := a.Cache.GetMessages(ctx, "work", cache.Query{View: cache.ViewInbox})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, testutil.IDs(page.Messages))

	a.Poller.Stop()
}

func TestRemoveAccount(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	vault := credential.NewArrayVault()
	logger := NewLogger(model.LogConfig{}, &bytes.Buffer{})
	resolver := NewResolver(cfg, vault, logger)

	a, err := New(ctx, cfg,
		WithStore(testutil.NewTestStore(t)),
		WithVault(vault),
		WithClientResolver(resolver),
		WithLogOutput(&bytes.Buffer{}),
	)
	require.NoError(t, err)
	defer a.Poller.Stop()

	require.NoError(t, vault.SetToken("work", &oauth2.Token{AccessToken: "a", RefreshToken: "r"}))
	_, err = resolver.Client(ctx, "work")
	require.NoError(t, err)
	require.NoError(t, a.Repo.SaveHistoryID(ctx, "work", "H1"))

	require.NoError(t, a.RemoveAccount(ctx, "work"))

	accounts, err := a.Repo.Accounts(ctx)
	require.NoError(t, err)
	assert.NotContains(t, accounts, "work")

	_, err = vault.Token("work")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, err = resolver.Client(ctx, "work")
	assert.True(t, remote.IsAuthError(err), "the cached client is dropped with the credentials")
}
