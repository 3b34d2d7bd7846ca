package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote/gmail"
	"github.com/nhle/mailcache/internal/ui/account"
)

func (c *cli) newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage mail accounts",
	}
	cmd.AddCommand(c.newAccountAddCmd(), c.newAccountListCmd(), c.newAccountRemoveCmd())
	return cmd
}

func (c *cli) newAccountAddCmd() *cobra.Command {
	var reconnect bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a Gmail or IMAP account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var existing []string
			if !reconnect {
				for _, a := range c.cfg.Accounts {
					existing = append(existing, a.ID)
				}
			}

			fields := account.NewFields()
			if err := account.ProviderForm(fields, existing).RunWithContext(ctx); err != nil {
				return err
			}

			vault, err := credential.Open()
			if err != nil {
				return err
			}

			switch model.Provider(fields.Provider) {
			case model.ProviderIMAP:
				if err := account.IMAPForm(fields).RunWithContext(ctx); err != nil {
					return err
				}
				if err := vault.SetPassword(fields.ID, fields.Password); err != nil {
					return err
				}
			case model.ProviderGmail:
				if c.cfg.Gmail.ClientID == "" {
					return errors.New("gmail.client_id is not configured (set it in the config file or MAILCACHE_GMAIL_CLIENT_ID)")
				}
				oauthCfg := gmail.OAuthConfig(c.cfg.Gmail.ClientID, c.cfg.Gmail.ClientSecret)
				if err := account.GmailForm(fields, gmail.AuthURL(oauthCfg, uuid.NewString())).RunWithContext(ctx); err != nil {
					return err
				}
				tok, err := gmail.ExchangeCode(ctx, oauthCfg, fields.AuthCode)
				if err != nil {
					return err
				}
				if err := vault.SetToken(fields.ID, tok); err != nil {
					return err
				}
			}

			acct := fields.Account()
			acct.PollIntervalSec = c.cfg.Sync.PollIntervalSec

			c.cfg.Accounts = slices.DeleteFunc(c.cfg.Accounts, func(ac model.AccountConfig) bool { return ac.ID == acct.ID })
			c.cfg.Accounts = append(c.cfg.Accounts, acct)
			if err := model.SaveConfig(c.configPath, c.cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "account %s added; run 'mailcache sync %s' to fill the cache\n", acct.ID, acct.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "replace the credentials of an existing account")
	return cmd
}

func (c *cli) newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := newTable("ID", "PROVIDER", "EMAIL", "ENABLED", "POLL")
			for _, a := range c.cfg.Accounts {
				t.Row(a.ID, string(a.Provider), a.Email, strconv.FormatBool(a.Enabled), fmt.Sprintf("%ds", a.PollIntervalSec))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func (c *cli) newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account>",
		Short: "Remove an account, its secrets and its cached messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, ok := c.cfg.Account(id); !ok {
				return fmt.Errorf("unknown account %q", id)
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RemoveAccount(cmd.Context(), id); err != nil {
				return err
			}

			c.cfg.Accounts = slices.DeleteFunc(c.cfg.Accounts, func(ac model.AccountConfig) bool { return ac.ID == id })
			if err := model.SaveConfig(c.configPath, c.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s removed\n", id)
			return nil
		},
	}
}
