// Package remote defines the contract between the sync engine and a
// remote mailbox service, plus the message shapes it returns.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

// ErrCursorExpired is returned by GetHistoryDelta when the remote service
// can no longer diff from the supplied cursor. Callers recover with a full
// sync.
var ErrCursorExpired = errors.New("history cursor expired")

// IsCursorExpired reports whether err (or any error in its chain) is
// ErrCursorExpired.
func IsCursorExpired(err error) bool {
	return errors.Is(err, ErrCursorExpired)
}

// AuthError indicates that authentication has failed or expired for an
// account. It is returned by clients when the remote rejects credentials.
type AuthError struct {
	Provider model.Provider
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ListOptions filters and pages a message listing.
type ListOptions struct {
	// LabelIDs are ANDed. Empty means every message.
	LabelIDs   []string
	Query      string
	PageToken  string
	MaxResults int
}

// ListResult holds one page of a listing.
type ListResult struct {
	Messages      []MessagePreview
	NextPageToken string
}

// MessagePreview is a message at preview fidelity: headers, labels,
// snippet and attachment metadata, but no body.
type MessagePreview struct {
	ID       string
	ThreadID string

	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Date    time.Time

	Snippet     string
	Labels      []string
	Attachments []model.Attachment
}

// Cached converts the preview to a cache record with flags derived from
// its labels.
func (p MessagePreview) Cached() model.CachedMessage {
	m := model.CachedMessage{
		ID:          p.ID,
		ThreadID:    p.ThreadID,
		From:        p.From,
		To:          slices.Clone(p.To),
		Cc:          slices.Clone(p.Cc),
		Bcc:         slices.Clone(p.Bcc),
		Subject:     p.Subject,
		Date:        p.Date,
		Snippet:     p.Snippet,
		Labels:      slices.Clone(p.Labels),
		Attachments: slices.Clone(p.Attachments),
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	m.NormalizeLabels()
	return m
}

// FullMessage is a message at full fidelity.
type FullMessage struct {
	MessagePreview

	Body     string
	BodyHTML string
}

// Cached converts the full message to a cache record including its body.
func (f FullMessage) Cached() model.CachedMessage {
	m := f.MessagePreview.Cached()
	m.Body = f.Body
	m.BodyHTML = f.BodyHTML
	return m
}

// Profile describes the remote account.
type Profile struct {
	EmailAddress string

	// HistoryCursor is the remote's current change position.
	HistoryCursor string
}

// LabelChange lists labels added to or removed from one message.
type LabelChange struct {
	ID     string
	Labels []string
}

// HistoryDelta is the fully drained change-set since a cursor. An ID may
// appear in both Added and Deleted when it was created and removed inside
// the window.
type HistoryDelta struct {
	HistoryCursor string
	Added         []string
	Deleted       []string
	LabelsAdded   []LabelChange
	LabelsRemoved []LabelChange
}

// Empty reports whether the delta carries no changes.
func (d *HistoryDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 &&
		len(d.LabelsAdded) == 0 && len(d.LabelsRemoved) == 0
}

// Client is implemented by every remote mailbox adapter.
type Client interface {
	// Provider returns the provider identifier.
	Provider() model.Provider

	// ValidateConnection verifies credentials and connectivity.
	// Returns a human-readable status message on success.
	ValidateConnection(ctx context.Context) (string, error)

	// ListMessages returns one page of previews, newest first.
	ListMessages(ctx context.Context, opts ListOptions) (*ListResult, error)

	GetMessagePreview(ctx context.Context, id string) (*MessagePreview, error)
	GetFullMessage(ctx context.Context, id string) (*FullMessage, error)

	// GetProfile returns the account address and current history cursor.
	GetProfile(ctx context.Context) (*Profile, error)

	// GetHistoryDelta drains every change since cursor. It returns an error
	// wrapping ErrCursorExpired when the cursor is too old.
	GetHistoryDelta(ctx context.Context, sinceCursor string) (*HistoryDelta, error)

	ModifyLabels(ctx context.Context, id string, add, remove []string) error
	Trash(ctx context.Context, id string) error
}

// UniqueIDs returns ids with duplicates removed, keeping first occurrence.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
