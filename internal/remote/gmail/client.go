// Package gmail implements remote.Client on the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

const (
	user = "me"

	// listFetchConcurrency bounds metadata fetches while expanding a listing.
	listFetchConcurrency = 10
)

// metadataHeaders are the headers requested at preview fidelity.
var metadataHeaders = []string{"From", "To", "Cc", "Bcc", "Subject", "Date"}

// Client talks to one Gmail mailbox.
type Client struct {
	svc    *gmailapi.Service
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// New creates a Client authenticated with token. The token source refreshes
// the access token as needed; persisting refreshed tokens is the caller's
// concern.
func New(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, logger *slog.Logger) (*Client, error) {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewWithService(svc, logger), nil
}

// NewWithService wraps an already configured Gmail service.
func NewWithService(svc *gmailapi.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gmail")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{svc: svc, cb: cb, logger: logger}
}

func (c *Client) Provider() model.Provider {
	return model.ProviderGmail
}

// ValidateConnection fetches the profile to verify the token.
func (c *Client) ValidateConnection(ctx context.Context) (string, error) {
	p, err := c.GetProfile(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected as %s", p.EmailAddress), nil
}

// ListMessages lists one page of message IDs and expands each to a preview.
// Messages deleted between the list and the get are dropped.
func (c *Client) ListMessages(ctx context.Context, opts remote.ListOptions) (*remote.ListResult, error) {
	call := c.svc.Users.Messages.List(user).Context(ctx)
	if opts.MaxResults > 0 {
		call = call.MaxResults(int64(opts.MaxResults))
	}
	if len(opts.LabelIDs) > 0 {
		call = call.LabelIds(opts.LabelIDs...)
	}
	if opts.Query != "" {
		call = call.Q(opts.Query)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	var resp *gmailapi.ListMessagesResponse
	err := c.execute("messages.list", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "listing messages")
	}

	previews := make([]*remote.MessagePreview, len(resp.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listFetchConcurrency)
	for i, ref := range resp.Messages {
		g.Go(func() error {
			p, err := c.GetMessagePreview(gctx, ref.Id)
			if isNotFound(err) {
				c.logger.Debug("message vanished during listing", "id", ref.Id)
				return nil
			}
			if err != nil {
				return err
			}
			previews[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &remote.ListResult{NextPageToken: resp.NextPageToken}
	for _, p := range previews {
		if p != nil {
			res.Messages = append(res.Messages, *p)
		}
	}
	return res, nil
}

// GetMessagePreview fetches headers, labels and snippet.
func (c *Client) GetMessagePreview(ctx context.Context, id string) (*remote.MessagePreview, error) {
	var msg *gmailapi.Message
	err := c.execute("messages.get", func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(user, id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "getting message "+id)
	}

	p := convertPreview(msg)
	return &p, nil
}

// GetFullMessage fetches the message with decoded bodies.
func (c *Client) GetFullMessage(ctx context.Context, id string) (*remote.FullMessage, error) {
	var msg *gmailapi.Message
	err := c.execute("messages.get", func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "getting message "+id)
	}

	full := &remote.FullMessage{MessagePreview: convertPreview(msg)}
	if msg.Payload != nil {
		walkParts(msg.Payload, full)
	}
	return full, nil
}

// GetProfile returns the mailbox address and current history ID.
func (c *Client) GetProfile(ctx context.Context) (*remote.Profile, error) {
	var p *gmailapi.Profile
	err := c.execute("getProfile", func() error {
		var apiErr error
		p, apiErr = c.svc.Users.GetProfile(user).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "getting profile")
	}
	return &remote.Profile{
		EmailAddress:  p.EmailAddress,
		HistoryCursor: strconv.FormatUint(p.HistoryId, 10),
	}, nil
}

// GetHistoryDelta drains users.history.list from sinceCursor.
func (c *Client) GetHistoryDelta(ctx context.Context, sinceCursor string) (*remote.HistoryDelta, error) {
	start, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing history id %q: %w", sinceCursor, remote.ErrCursorExpired)
	}

	b := remote.NewDeltaBuilder()
	cursor := sinceCursor
	pageToken := ""
	for {
		call := c.svc.Users.History.List(user).StartHistoryId(start).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListHistoryResponse
		err := c.execute("history.list", func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			if code := apiCode(err); code == http.StatusNotFound || code == http.StatusGone {
				return nil, fmt.Errorf("listing history since %s: %w", sinceCursor, remote.ErrCursorExpired)
			}
			return nil, c.wrapError(err, "listing history")
		}

		for _, h := range resp.History {
			applyHistory(b, h)
		}
		if resp.HistoryId != 0 {
			cursor = strconv.FormatUint(resp.HistoryId, 10)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return b.Build(cursor), nil
}

func applyHistory(b *remote.DeltaBuilder, h *gmailapi.History) {
	for _, a := range h.MessagesAdded {
		if a.Message != nil {
			b.Add(a.Message.Id)
		}
	}
	for _, d := range h.MessagesDeleted {
		if d.Message != nil {
			b.Delete(d.Message.Id)
		}
	}
	for _, la := range h.LabelsAdded {
		if la.Message != nil {
			b.AddLabels(la.Message.Id, la.LabelIds)
		}
	}
	for _, lr := range h.LabelsRemoved {
		if lr.Message != nil {
			b.RemoveLabels(lr.Message.Id, lr.LabelIds)
		}
	}
}

// ModifyLabels adds and removes labels on a message.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	err := c.execute("messages.modify", func() error {
		_, apiErr := c.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return c.wrapError(err, "modifying labels on "+id)
	}
	return nil
}

// Trash moves a message to the trash.
func (c *Client) Trash(ctx context.Context, id string) error {
	err := c.execute("messages.trash", func() error {
		_, apiErr := c.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return c.wrapError(err, "trashing "+id)
	}
	return nil
}

// WatchResult describes an active push registration.
type WatchResult struct {
	HistoryCursor string
	Expiration    time.Time
}

// Watch registers INBOX push notifications to a Pub/Sub topic
// ("projects/<project>/topics/<topic>").
func (c *Client) Watch(ctx context.Context, topicName string) (*WatchResult, error) {
	req := &gmailapi.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{model.LabelInbox},
	}

	var resp *gmailapi.WatchResponse
	err := c.execute("watch", func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Watch(user, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "registering watch")
	}

	return &WatchResult{
		HistoryCursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiration:    time.UnixMilli(resp.Expiration),
	}, nil
}

// CircuitState reports the breaker state ("closed", "half-open", "open").
func (c *Client) CircuitState() string {
	return c.cb.State().String()
}

// execute runs fn through the circuit breaker. Server-side failures count
// against the breaker; client errors pass through without tripping it.
func (c *Client) execute(op string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		err := fn()
		if err == nil {
			return nil, nil
		}
		switch apiCode(err) {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, err
		case 0:
			return nil, err
		default:
			return nil, &nonCircuitError{err: err}
		}
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		c.logger.Debug("gmail call failed", "op", op, "breaker", c.cb.State().String(), "error", err)
	}
	return err
}

// nonCircuitError marks errors that must not trip the breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (c *Client) wrapError(err error, action string) error {
	if apiCode(err) == http.StatusUnauthorized {
		return &remote.AuthError{Provider: model.ProviderGmail, Message: err.Error()}
	}
	return fmt.Errorf("%s: %w", action, err)
}

func apiCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func isNotFound(err error) bool {
	return apiCode(err) == http.StatusNotFound
}

// convertPreview maps a Gmail message at metadata or full format.
func convertPreview(msg *gmailapi.Message) remote.MessagePreview {
	p := remote.MessagePreview{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   append([]string{}, msg.LabelIds...),
	}
	if msg.InternalDate > 0 {
		p.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return p
	}

	var h mail.Header
	for _, hdr := range msg.Payload.Headers {
		h.Add(hdr.Name, hdr.Value)
	}

	p.From = h.Get("From")
	if subject, err := h.Subject(); err == nil {
		p.Subject = subject
	} else {
		p.Subject = h.Get("Subject")
	}
	if d, err := h.Date(); err == nil && !d.IsZero() {
		p.Date = d
	}
	p.To = addressList(h, "To")
	p.Cc = addressList(h, "Cc")
	p.Bcc = addressList(h, "Bcc")
	p.Attachments = collectAttachments(msg.Payload, nil)
	return p
}

// addressList parses an address header, falling back to a comma split
// when the header is not RFC 5322 conformant.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func collectAttachments(part *gmailapi.MessagePart, acc []model.Attachment) []model.Attachment {
	if part.Filename != "" && part.Body != nil {
		acc = append(acc, model.Attachment{
			ID:       part.Body.AttachmentId,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	}
	for _, child := range part.Parts {
		acc = collectAttachments(child, acc)
	}
	return acc
}

// walkParts fills the first text/plain and text/html bodies found.
func walkParts(part *gmailapi.MessagePart, full *remote.FullMessage) {
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		mimeType := strings.ToLower(part.MimeType)
		switch {
		case strings.HasPrefix(mimeType, "text/plain") && full.Body == "":
			full.Body = decodeBody(part.Body.Data)
		case strings.HasPrefix(mimeType, "text/html") && full.BodyHTML == "":
			full.BodyHTML = decodeBody(part.Body.Data)
		}
	}
	for _, child := range part.Parts {
		walkParts(child, full)
	}
}

// decodeBody decodes Gmail's base64url body data, padded or not.
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}
