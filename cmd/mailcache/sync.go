package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/model"
)

func (c *cli) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account...]",
		Short: "Synchronize accounts with the remote mailbox",
		Long:  "Runs an incremental sync when a history cursor is stored, otherwise a full sync. Without arguments every enabled account is synced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var errs []error
			for _, id := range c.accountIDs(args) {
				res, err := a.Cache.Sync(cmd.Context(), id)
				if err != nil {
					errs = append(errs, err)
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeSync(res))
			}
			return errors.Join(errs...)
		},
	}
}

func describeSync(r *model.SyncResult) string {
	if r.Type == model.SyncTypeFull {
		s := fmt.Sprintf("%s: full sync, %d messages cached", r.AccountID, r.EmailCount)
		if r.FellBack {
			s += " (history expired)"
		}
		return s
	}
	return fmt.Sprintf("%s: incremental sync, %d added, %d deleted, %d label changes",
		r.AccountID, r.Added, r.Deleted, r.LabelChanges)
}
