package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (c *cli) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [account...]",
		Short: "Show cache and sync state per account",
		Long:  "Show cache and sync state per account. With no arguments every enabled account is listed, plus any account that still has cached data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := c.accountIDs(args)
			if len(args) == 0 {
				cached, err := a.Cache.Accounts(cmd.Context())
				if err != nil {
					return err
				}
				ids = withCachedAccounts(ids, cached)
			}

			t := newTable("ACCOUNT", "MESSAGES", "LAST SYNC", "INITIAL SYNC", "HISTORY CURSOR")
			for _, id := range ids {
				st, err := a.Cache.GetCacheInfo(cmd.Context(), id)
				if err != nil {
					return err
				}
				last := "never"
				if !st.LastSyncAt.IsZero() {
					last = humanize.Time(st.LastSyncAt)
				}
				t.Row(id, strconv.Itoa(st.EmailCount), last, strconv.FormatBool(st.InitialSyncComplete), st.HistoryCursor)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

// withCachedAccounts appends the cached accounts missing from ids.
func withCachedAccounts(ids, cached []string) []string {
	out := slices.Clone(ids)
	for _, id := range cached {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *cli) newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <account>",
		Short: "Drop an account's cache so the next sync is full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Cache.RefreshCache(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cache cleared\n", args[0])
			return nil
		},
	}
}

func (c *cli) newClearAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Delete every cached message and sync cursor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Cache.ClearAllCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all cached data cleared")
			return nil
		},
	}
}
