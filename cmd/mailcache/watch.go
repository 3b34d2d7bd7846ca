package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/app"
	"github.com/nhle/mailcache/internal/keys"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/push"
	"github.com/nhle/mailcache/internal/remote/gmail"
	"github.com/nhle/mailcache/internal/ui/status"
)

type watchOptions struct {
	pushAddr    string
	pubsub      bool
	credentials string
	headless    bool
}

func (c *cli) newWatchCmd() *cobra.Command {
	var o watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll every enabled account in the background and show live status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.watch(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.pushAddr, "push-addr", "", "serve a Pub/Sub push endpoint on this address (e.g. :8080)")
	f.BoolVar(&o.pubsub, "pubsub", false, "pull Gmail notifications from the configured Pub/Sub subscription")
	f.StringVar(&o.credentials, "credentials", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), "service account file for Pub/Sub")
	f.BoolVar(&o.headless, "headless", false, "log sync results instead of showing the status view")
	return cmd
}

func (c *cli) watch(cmd *cobra.Command, o watchOptions) error {
	ctx := cmd.Context()

	var opts []app.Option
	if !o.headless {
		logFile, err := openLogFile()
		if err != nil {
			return err
		}
		defer logFile.Close()
		opts = append(opts, app.WithLogOutput(logFile))
	}

	a, err := c.open(cmd, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	listener := push.NewListener(a.Poller, c.cfg.Accounts, a.Logger)

	if o.pubsub {
		c.registerWatches(ctx, a)

		client, sub, err := push.Subscribe(ctx, push.SubscriberConfig{
			ProjectID:       c.cfg.Gmail.ProjectID,
			Topic:           c.cfg.Gmail.Topic,
			Subscription:    c.cfg.Gmail.Subscription,
			CredentialsFile: o.credentials,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		go func() {
			if err := listener.Receive(ctx, sub); err != nil {
				a.Logger.Error("pubsub receive stopped", "error", err)
			}
		}()
	}

	if o.pushAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/push", listener.Handler())
		srv := &http.Server{Addr: o.pushAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("push endpoint stopped", "addr", o.pushAddr, "error", err)
			}
		}()
		defer stopServer(ctx, srv, 5*time.Second, a.Logger)
	}

	if o.headless {
		a.Poller.Start()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-a.Poller.Results():
				if msg.Error != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", msg.AccountID, msg.Error)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeSync(msg.Result))
			}
		}
	}

	p := tea.NewProgram(status.New(a.Poller, keys.DefaultKeyMap()), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// registerWatches asks Gmail to publish INBOX changes for every enabled
// Gmail account. Registrations expire after a week, so this runs on every
// watch start.
func (c *cli) registerWatches(ctx context.Context, a *app.App) {
	topic := fmt.Sprintf("projects/%s/topics/%s", c.cfg.Gmail.ProjectID, c.cfg.Gmail.Topic)

	for _, acct := range c.cfg.Accounts {
		if !acct.Enabled || acct.Provider != model.ProviderGmail {
			continue
		}
		client, err := a.Clients.Client(ctx, acct.ID)
		if err != nil {
			a.Logger.Warn("skipping push registration", "account", acct.ID, "error", err)
			continue
		}
		gc, ok := client.(*gmail.Client)
		if !ok {
			continue
		}
		res, err := gc.Watch(ctx, topic)
		if err != nil {
			a.Logger.Warn("push registration failed", "account", acct.ID, "error", err)
			continue
		}
		a.Logger.Info("push registered", "account", acct.ID, "expires", res.Expiration)
	}
}

func openLogFile() (*os.File, error) {
	dir := model.DefaultConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "watch.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return f, nil
}

// stopServer shuts srv down, waiting up to timeout for open requests.
func stopServer(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("push endpoint shutdown failed", "addr", srv.Addr, "error", err)
	}
}
