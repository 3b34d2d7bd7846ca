package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/remote/gmail"
	"github.com/nhle/mailcache/internal/remote/imap"
	mailsync "github.com/nhle/mailcache/internal/sync"
)

// Resolver builds and caches a remote client per configured account,
// loading secrets from the vault.
type Resolver struct {
	cfg    *model.AppConfig
	vault  *credential.Vault
	logger *slog.Logger

	mu      gosync.Mutex
	clients map[string]remote.Client
}

// NewResolver creates a Resolver.
func NewResolver(cfg *model.AppConfig, vault *credential.Vault, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:     cfg,
		vault:   vault,
		logger:  logger,
		clients: make(map[string]remote.Client),
	}
}

// Client returns the client for accountID, creating it on first use.
// Missing secrets are reported as remote.AuthError so callers prompt the
// user to reconnect.
func (r *Resolver) Client(ctx context.Context, accountID string) (remote.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[accountID]; ok {
		return c, nil
	}

	acct, ok := r.cfg.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mailsync.ErrUnknownAccount, accountID)
	}

	var (
		c   remote.Client
		err error
	)
	switch acct.Provider {
	case model.ProviderGmail:
		c, err = r.gmailClient(ctx, acct)
	case model.ProviderIMAP:
		c, err = r.imapClient(acct)
	default:
		err = fmt.Errorf("account %s: unsupported provider %q", accountID, acct.Provider)
	}
	if err != nil {
		return nil, err
	}

	r.clients[accountID] = c
	return c, nil
}

// Forget drops a cached client so the next call rebuilds it with fresh
// credentials.
func (r *Resolver) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, accountID)
}

func (r *Resolver) gmailClient(ctx context.Context, acct model.AccountConfig) (remote.Client, error) {
	tok, err := r.vault.Token(acct.ID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, &remote.AuthError{Provider: model.ProviderGmail, Message: "no stored token for " + acct.ID}
	}
	if err != nil {
		return nil, err
	}

	oauthCfg := gmail.OAuthConfig(r.cfg.Gmail.ClientID, r.cfg.Gmail.ClientSecret)

	// The token source refreshes with this context long after the call
	// that built the client returns.
	return gmail.New(context.WithoutCancel(ctx), oauthCfg, tok, r.logger.With("account", acct.ID))
}

func (r *Resolver) imapClient(acct model.AccountConfig) (remote.Client, error) {
	password, err := r.vault.Password(acct.ID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, &remote.AuthError{Provider: model.ProviderIMAP, Message: "no stored password for " + acct.ID}
	}
	if err != nil {
		return nil, err
	}

	port := acct.IMAPPort
	if port == "" {
		port = "993"
	}
	return imap.New(imap.Config{
		Host:     acct.IMAPHost,
		Port:     port,
		Username: acct.Email,
		Password: password,
		TLS:      acct.TLS || port == "993",
	}, r.logger.With("account", acct.ID)), nil
}
