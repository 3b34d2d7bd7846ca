// Package app wires configuration, storage, remote clients and the sync
// engine into a ready-to-use application.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nhle/mailcache/internal/cache"
	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/repository"
	"github.com/nhle/mailcache/internal/store"
	mailsync "github.com/nhle/mailcache/internal/sync"
)

// App holds the wired components.
type App struct {
	Config       *model.AppConfig
	Logger       *slog.Logger
	Store        store.Store
	Repo         *repository.Repository
	Vault        *credential.Vault
	Clients      mailsync.ClientResolver
	Orchestrator *mailsync.Orchestrator
	Poller       *mailsync.Poller
	Cache        *cache.Service
}

type options struct {
	store     store.Store
	vault     *credential.Vault
	clients   mailsync.ClientResolver
	logOutput io.Writer
}

// Option overrides a component New would otherwise build.
type Option func(*options)

// WithStore uses s instead of opening the configured backend.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithVault uses v instead of the system keyring.
func WithVault(v *credential.Vault) Option {
	return func(o *options) { o.vault = v }
}

// WithClientResolver uses c instead of building clients from the vault.
func WithClientResolver(c mailsync.ClientResolver) Option {
	return func(o *options) { o.clients = c }
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// New builds an App from cfg. Enabled accounts are registered with the
// poller but polling does not start until Poller.Start.
func New(ctx context.Context, cfg *model.AppConfig, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(cfg.Log, o.logOutput)

	s := o.store
	if s == nil {
		var err error
		if s, err = OpenStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}

	vault := o.vault
	if vault == nil {
		var err error
		if vault, err = credential.Open(); err != nil {
			s.Close()
			return nil, err
		}
	}

	clients := o.clients
	if clients == nil {
		clients = NewResolver(cfg, vault, logger)
	}

	repo := repository.New(s)
	orch := mailsync.NewOrchestrator(repo, clients, mailsync.OptionsFromConfig(cfg.Sync), mailsync.WithLogger(logger))
	poller := mailsync.NewPoller(orch, cfg.Sync, logger)
	for _, acct := range cfg.Accounts {
		if acct.Enabled {
			poller.RegisterAccount(acct)
		}
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Store:        s,
		Repo:         repo,
		Vault:        vault,
		Clients:      clients,
		Orchestrator: orch,
		Poller:       poller,
		Cache:        cache.NewService(repo, clients, orch, logger),
	}, nil
}

// RemoveAccount deletes the account's cached state and stored secrets and
// drops any client built for it.
func (a *App) RemoveAccount(ctx context.Context, accountID string) error {
	if err := a.Repo.ClearAccount(ctx, accountID); err != nil {
		return err
	}
	if err := a.Vault.Forget(accountID); err != nil {
		return fmt.Errorf("removing secrets for %s: %w", accountID, err)
	}
	mailsync.ForgetClient(a.Clients, accountID)
	return nil
}

// Close stops the poller and closes the store.
func (a *App) Close() error {
	a.Poller.Stop()
	return a.Store.Close()
}

// NewLogger builds a slog logger from cfg. Unknown levels fall back to
// info and unknown formats to text.
func NewLogger(cfg model.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(h)
}

// OpenStore opens the configured store backend.
func OpenStore(ctx context.Context, cfg model.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
			}
		}
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
