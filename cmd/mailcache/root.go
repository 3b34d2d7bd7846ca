package main

import (
	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/app"
	"github.com/nhle/mailcache/internal/model"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *model.AppConfig
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "mailcache",
		Short:         "Local mail cache with incremental sync",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := model.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", model.DefaultConfigPath(), "path to config file")

	root.AddCommand(
		c.newSyncCmd(),
		c.newMessagesCmd(),
		c.newInfoCmd(),
		c.newRefreshCmd(),
		c.newClearAllCmd(),
		c.newWatchCmd(),
		c.newAccountCmd(),
	)
	return root
}

// open builds the application for one command invocation.
func (c *cli) open(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	opts = append([]app.Option{app.WithLogOutput(cmd.ErrOrStderr())}, opts...)
	return app.New(cmd.Context(), c.cfg, opts...)
}

// accountIDs resolves the accounts a command operates on: the explicit
// argument, or every enabled account.
func (c *cli) accountIDs(args []string) []string {
	if len(args) > 0 {
		return args
	}
	var ids []string
	for _, a := range c.cfg.Accounts {
		if a.Enabled {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
