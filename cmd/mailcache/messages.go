package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/cache"
	"github.com/nhle/mailcache/internal/model"
)

func (c *cli) newMessagesCmd() *cobra.Command {
	var (
		view   string
		q      cache.Query
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "messages <account>",
		Short: "List cached messages for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := cache.ParseView(view)
			if err != nil {
				return err
			}
			q.View = v

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.Cache.GetMessages(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(page)
			}
			return printMessages(cmd.OutOrStdout(), page)
		},
	}

	f := cmd.Flags()
	f.StringVar(&view, "view", "", "mailbox view: "+strings.Join(viewNames(), ", "))
	f.StringSliceVar(&q.LabelIDs, "label", nil, "only messages carrying every given label")
	f.IntVar(&q.MaxResults, "max", 0, "maximum number of messages (0 for no limit)")
	f.StringVar(&q.PageToken, "page-token", "", "fetch the next remote page with this token")
	f.StringVar(&q.Text, "text", "", "fuzzy match subject, sender and snippet")
	f.BoolVar(&asJSON, "json", false, "print the page as JSON")
	return cmd
}

func viewNames() []string {
	var names []string
	for _, v := range cache.Views() {
		names = append(names, string(v))
	}
	return names
}

func printMessages(w io.Writer, page *cache.Page) error {
	t := newTable("DATE", "FROM", "SUBJECT", "FLAGS")
	for _, m := range page.Messages {
		t.Row(m.Date.Local().Format("2006-01-02 15:04"), truncate(m.From, 32), truncate(m.Subject, 60), flags(m))
	}
	fmt.Fprintln(w, t.Render())

	source := "remote"
	if page.FromCache {
		source = "cache"
	}
	fmt.Fprintf(w, "\n%d messages from %s", len(page.Messages), source)
	if page.NextPageToken != "" {
		fmt.Fprintf(w, ", next page token %s", page.NextPageToken)
	}
	fmt.Fprintln(w)
	return nil
}

func flags(m model.CachedMessage) string {
	var b strings.Builder
	if !m.IsRead {
		b.WriteByte('U')
	}
	if m.IsStarred {
		b.WriteByte('*')
	}
	if m.IsImportant {
		b.WriteByte('!')
	}
	if len(m.Attachments) > 0 {
		b.WriteByte('@')
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
