// Package imap implements remote.Client over IMAP4rev1/rev2.
//
// Message IDs are "<mailbox>/<uid>". History cursors cover INBOX only: they
// record UIDVALIDITY, UIDNEXT and the message count below UIDNEXT. A delta
// reports UIDs at or above the old UIDNEXT as additions and restates the
// UNREAD and STARRED labels of every older message. A UIDVALIDITY change or
// any expunge invalidates the cursor and forces a full resync.
package imap

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

// Config holds connection settings for one IMAP account.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool

	// Mailboxes overrides the role-to-mailbox mapping.
	Mailboxes Mailboxes
}

// Client implements remote.Client for an IMAP account. Each call opens its
// own connection.
type Client struct {
	cfg       Config
	mailboxes Mailboxes
	logger    *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// New creates a Client. No connection is made until the first call.
func New(cfg Config, logger *slog.Logger) *Client {
	mailboxes := DefaultMailboxes()
	for role, name := range cfg.Mailboxes {
		mailboxes[role] = name
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		mailboxes: mailboxes,
		logger:    logger.With("component", "imap", "host", cfg.Host),
	}
}

// connect establishes a connection to the IMAP server and authenticates.
// The caller must Logout the returned client.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := c.cfg.Host + ":" + c.cfg.Port

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	// Unblock pending commands if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &remote.AuthError{
			Provider: model.ProviderIMAP,
			Message:  fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}

	return client, nil
}

// session connects, selects mailbox and runs fn.
func (c *Client) session(
	ctx context.Context,
	mailbox string,
	readOnly bool,
	fn func(client *imapclient.Client, sel *goimap.SelectData) error,
) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	sel, err := client.Select(mailbox, &goimap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	if err := fn(client, sel); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) Provider() model.Provider {
	return model.ProviderIMAP
}

// ValidateConnection verifies credentials by logging in and selecting INBOX.
func (c *Client) ValidateConnection(ctx context.Context) (string, error) {
	inbox := c.mailboxes[model.LabelInbox]
	err := c.session(ctx, inbox, true, func(*imapclient.Client, *goimap.SelectData) error {
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("validating IMAP connection: %w", err)
	}
	return fmt.Sprintf("Connected to %s as %s", c.cfg.Host, c.cfg.Username), nil
}

// ListMessages searches the mailbox picked by the role label in
// opts.LabelIDs, newest UID first. The page token is an exclusive upper UID
// bound.
func (c *Client) ListMessages(ctx context.Context, opts remote.ListOptions) (*remote.ListResult, error) {
	mailbox, filters := c.mailboxes.mailboxFor(opts.LabelIDs)
	role := c.mailboxes.roleOf(mailbox)

	criteria := &goimap.SearchCriteria{}
	searchFlags(filters, criteria)
	if opts.Query != "" {
		criteria.Text = []string{opts.Query}
	}
	if opts.PageToken != "" {
		bound, err := parseUIDToken(opts.PageToken)
		if err != nil {
			return nil, err
		}
		if bound <= 1 {
			return &remote.ListResult{}, nil
		}
		criteria.UID = []goimap.UIDSet{{goimap.UIDRange{Start: 1, Stop: bound - 1}}}
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 100
	}

	res := &remote.ListResult{}
	err := c.session(ctx, mailbox, true, func(client *imapclient.Client, _ *goimap.SelectData) error {
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", mailbox, err)
		}

		uids := data.AllUIDs()
		slices.Sort(uids)
		if len(uids) == 0 {
			return nil
		}
		if len(uids) > limit {
			uids = uids[len(uids)-limit:]
			res.NextPageToken = fmt.Sprintf("%d", uids[0])
		}

		previews, err := fetchPreviews(client, goimap.UIDSetNum(uids...), mailbox, role)
		if err != nil {
			return err
		}
		res.Messages = previews
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return res, nil
}

// fetchPreviews fetches envelope and flags for uids, newest first.
func fetchPreviews(
	client *imapclient.Client, uids goimap.UIDSet, mailbox, role string,
) ([]remote.MessagePreview, error) {
	fetchCmd := client.Fetch(uids, &goimap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	})
	defer fetchCmd.Close()

	var previews []remote.MessagePreview
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		previews = append(previews, previewFromBuffer(buf, mailbox, role))
	}
	if err := fetchCmd.Close(); err != nil {
		return previews, fmt.Errorf("fetching envelopes: %w", err)
	}

	slices.SortFunc(previews, func(a, b remote.MessagePreview) int {
		return b.Date.Compare(a.Date)
	})
	return previews, nil
}

// GetMessagePreview fetches envelope and flags for one message.
func (c *Client) GetMessagePreview(ctx context.Context, id string) (*remote.MessagePreview, error) {
	mailbox, uid, err := parseMessageID(id)
	if err != nil {
		return nil, err
	}

	var preview *remote.MessagePreview
	err = c.session(ctx, mailbox, true, func(client *imapclient.Client, _ *goimap.SelectData) error {
		previews, err := fetchPreviews(client, goimap.UIDSetNum(uid), mailbox, c.mailboxes.roleOf(mailbox))
		if err != nil {
			return err
		}
		if len(previews) == 0 {
			return fmt.Errorf("message %s not found", id)
		}
		preview = &previews[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

// GetFullMessage fetches and parses the whole message without setting \Seen.
func (c *Client) GetFullMessage(ctx context.Context, id string) (*remote.FullMessage, error) {
	mailbox, uid, err := parseMessageID(id)
	if err != nil {
		return nil, err
	}

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	var full *remote.FullMessage
	err = c.session(ctx, mailbox, true, func(client *imapclient.Client, _ *goimap.SelectData) error {
		fetchCmd := client.Fetch(goimap.UIDSetNum(uid), &goimap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			UID:          true,
			InternalDate: true,
			BodySection:  []*goimap.FetchItemBodySection{bodySection},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			return fmt.Errorf("message %s not found", id)
		}
		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message data: %w", err)
		}

		full = &remote.FullMessage{
			MessagePreview: previewFromBuffer(buf, mailbox, c.mailboxes.roleOf(mailbox)),
		}
		if raw := buf.FindBodySection(bodySection); raw != nil {
			body := parseMIMEBody(raw)
			full.Body = body.Text
			full.BodyHTML = body.HTML
			full.Attachments = body.Attachments
			full.Snippet = snippet(body.Text, body.HTML)
		}

		return fetchCmd.Close()
	})
	if err != nil {
		return nil, err
	}
	return full, nil
}

// GetProfile returns the login name and the current INBOX cursor.
func (c *Client) GetProfile(ctx context.Context) (*remote.Profile, error) {
	var cur cursor
	err := c.session(ctx, c.mailboxes[model.LabelInbox], true, func(_ *imapclient.Client, sel *goimap.SelectData) error {
		cur = cursor{
			UIDValidity: sel.UIDValidity,
			UIDNext:     uint32(sel.UIDNext),
			Count:       sel.NumMessages,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return &remote.Profile{EmailAddress: c.cfg.Username, HistoryCursor: cur.String()}, nil
}

// GetHistoryDelta diffs INBOX against since.
func (c *Client) GetHistoryDelta(ctx context.Context, since string) (*remote.HistoryDelta, error) {
	old, err := parseCursor(since)
	if err != nil {
		return nil, err
	}

	inbox := c.mailboxes[model.LabelInbox]
	var delta *remote.HistoryDelta
	err = c.session(ctx, inbox, true, func(client *imapclient.Client, sel *goimap.SelectData) error {
		if sel.UIDValidity != old.UIDValidity {
			return fmt.Errorf("uidvalidity changed from %d to %d: %w", old.UIDValidity, sel.UIDValidity, remote.ErrCursorExpired)
		}
		next := cursor{UIDValidity: sel.UIDValidity, UIDNext: uint32(sel.UIDNext), Count: sel.NumMessages}
		b := remote.NewDeltaBuilder()

		if old.UIDNext > 1 {
			states, err := fetchFlags(client, goimap.UIDSet{{Start: 1, Stop: goimap.UID(old.UIDNext - 1)}})
			if err != nil {
				return err
			}
			if uint32(len(states)) < old.Count {
				return fmt.Errorf("%d messages expunged: %w", old.Count-uint32(len(states)), remote.ErrCursorExpired)
			}
			for _, s := range states {
				restateFlags(b, messageID(inbox, s.uid), s.flags)
			}
		}

		if next.UIDNext > old.UIDNext {
			added, err := client.UIDSearch(&goimap.SearchCriteria{
				UID: []goimap.UIDSet{{{Start: goimap.UID(old.UIDNext), Stop: goimap.UID(next.UIDNext - 1)}}},
			}, nil).Wait()
			if err != nil {
				return fmt.Errorf("searching new messages: %w", err)
			}
			uids := added.AllUIDs()
			slices.Sort(uids)
			for _, uid := range uids {
				if uint32(uid) >= old.UIDNext {
					b.Add(messageID(inbox, uid))
				}
			}
		}

		delta = b.Build(next.String())
		return nil
	})
	if err != nil {
		if remote.IsCursorExpired(err) {
			c.logger.Info("IMAP cursor invalidated", "reason", err)
		}
		return nil, err
	}
	return delta, nil
}

type flagState struct {
	uid   goimap.UID
	flags []goimap.Flag
}

func fetchFlags(client *imapclient.Client, uids goimap.UIDSet) ([]flagState, error) {
	fetchCmd := client.Fetch(uids, &goimap.FetchOptions{Flags: true, UID: true})
	defer fetchCmd.Close()

	var states []flagState
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		states = append(states, flagState{uid: buf.UID, flags: buf.Flags})
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching flags: %w", err)
	}
	return states, nil
}

// restatedLabels are the flag-backed labels whose state a flag fetch
// restates in full.
var restatedLabels = []string{model.LabelUnread, model.LabelStarred, model.LabelImportant}

// restateFlags records the current state of every flag-backed label of a
// message. Re-applying a restatement is a no-op.
func restateFlags(b *remote.DeltaBuilder, id string, flags []goimap.Flag) {
	labels := labelsFromFlags(flags, "")
	for _, l := range restatedLabels {
		if slices.Contains(labels, l) {
			b.AddLabels(id, []string{l})
		} else {
			b.RemoveLabels(id, []string{l})
		}
	}
}

// ModifyLabels maps label changes onto flags. Adding TRASH moves the
// message to the trash mailbox.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	if slices.Contains(add, model.LabelTrash) {
		return c.Trash(ctx, id)
	}

	mailbox, uid, err := parseMessageID(id)
	if err != nil {
		return err
	}
	addFlags, delFlags := flagChanges(add, remove)
	if len(addFlags) == 0 && len(delFlags) == 0 {
		return nil
	}

	return c.session(ctx, mailbox, false, func(client *imapclient.Client, _ *goimap.SelectData) error {
		uidSet := goimap.UIDSetNum(uid)
		if len(addFlags) > 0 {
			if err := client.Store(uidSet, &goimap.StoreFlags{
				Op:     goimap.StoreFlagsAdd,
				Silent: true,
				Flags:  addFlags,
			}, nil).Close(); err != nil {
				return fmt.Errorf("adding flags to %s: %w", id, err)
			}
		}
		if len(delFlags) > 0 {
			if err := client.Store(uidSet, &goimap.StoreFlags{
				Op:     goimap.StoreFlagsDel,
				Silent: true,
				Flags:  delFlags,
			}, nil).Close(); err != nil {
				return fmt.Errorf("removing flags from %s: %w", id, err)
			}
		}
		return nil
	})
}

// Trash moves the message to the trash mailbox, falling back to marking
// it \Deleted when the move fails.
func (c *Client) Trash(ctx context.Context, id string) error {
	mailbox, uid, err := parseMessageID(id)
	if err != nil {
		return err
	}

	trash := c.mailboxes[model.LabelTrash]
	return c.session(ctx, mailbox, false, func(client *imapclient.Client, _ *goimap.SelectData) error {
		uidSet := goimap.UIDSetNum(uid)
		_, err := client.Move(uidSet, trash).Wait()
		if err == nil {
			return nil
		}
		c.logger.Warn("move to trash failed, flagging deleted", "id", id, "error", err)

		return client.Store(uidSet, &goimap.StoreFlags{
			Op:     goimap.StoreFlagsAdd,
			Silent: true,
			Flags:  []goimap.Flag{goimap.FlagDeleted},
		}, nil).Close()
	})
}

func parseUIDToken(token string) (goimap.UID, error) {
	var n uint32
	if _, err := fmt.Sscanf(token, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return goimap.UID(n), nil
}
