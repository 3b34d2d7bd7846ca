// Package cache serves mailbox views from the local cache and exposes the
// operations front ends use to drive synchronization.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/repository"
	mailsync "github.com/nhle/mailcache/internal/sync"
)

const defaultRemotePageSize = 50

// Query selects messages for GetMessages.
type Query struct {
	View View

	// LabelIDs are ANDed with the view's labels.
	LabelIDs []string

	// MaxResults limits the page. Zero returns every cached match, and
	// remote fetches use a default page size.
	MaxResults int

	// PageToken continues a remote listing. When set the request always
	// goes to the remote.
	PageToken string

	// Text filters by subject, sender and snippet.
	Text string
}

func (q Query) labels() []string {
	labels := slices.Clone(q.View.Labels())
	for _, l := range q.LabelIDs {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	return labels
}

func (q Query) isDrafts() bool {
	return q.View == ViewDrafts || slices.Contains(q.LabelIDs, model.LabelDraft)
}

// Page is one response from GetMessages.
type Page struct {
	Messages      []model.CachedMessage
	NextPageToken string

	// FromCache is true when no remote call was made.
	FromCache bool
}

// Service is the consumer-facing entry point over the repository, the sync
// orchestrator and the remote clients.
type Service struct {
	repo    *repository.Repository
	clients mailsync.ClientResolver
	syncer  mailsync.Syncer
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(
	repo *repository.Repository,
	clients mailsync.ClientResolver,
	syncer mailsync.Syncer,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:    repo,
		clients: clients,
		syncer:  syncer,
		logger:  logger.With("component", "cache"),
	}
}

// GetMessages answers a view query, cache first.
//
// Drafts are always fetched remotely and refresh the cached drafts. A
// scoped view with no cached matches is fetched remotely once and appended
// to the cache. Everything else is served from the cache, with the
// continuation token stored for that view's listing.
func (s *Service) GetMessages(ctx context.Context, accountID string, q Query) (*Page, error) {
	labels := q.labels()

	if q.PageToken != "" {
		return s.fetchAndAppend(ctx, accountID, q, labels)
	}
	if q.isDrafts() {
		return s.fetchDrafts(ctx, accountID, q, labels)
	}

	all, err := s.repo.GetEmails(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var filtered []model.CachedMessage
	for i := range all {
		if all[i].HasAllLabels(labels) {
			filtered = append(filtered, all[i])
		}
	}
	filtered = search(filtered, q.Text)

	if len(filtered) == 0 && len(labels) > 0 {
		s.logger.Debug("cold view, fetching remotely", "account", accountID, "labels", labels)
		return s.fetchAndAppend(ctx, accountID, q, labels)
	}

	token, err := s.listingToken(ctx, accountID, q, labels)
	if err != nil {
		return nil, err
	}
	return &Page{
		Messages:      limit(filtered, q.MaxResults),
		NextPageToken: token,
		FromCache:     true,
	}, nil
}

// fetchAndAppend lists remotely, appends the results to the cache without
// overwriting stored records and remembers the continuation token.
func (s *Service) fetchAndAppend(ctx context.Context, accountID string, q Query, labels []string) (*Page, error) {
	fetched, next, err := s.list(ctx, accountID, q, labels)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetEmails(ctx, accountID)
	if err != nil {
		return nil, err
	}
	fetched = repository.MergeSummaries(fetched, existing)

	if err := s.repo.SaveEmails(ctx, accountID, fetched, repository.SaveAppend); err != nil {
		return nil, err
	}
	if err := s.saveListingToken(ctx, accountID, q, labels, next); err != nil {
		return nil, err
	}

	return &Page{Messages: search(fetched, q.Text), NextPageToken: next}, nil
}

// listingToken returns the stored continuation token of the listing q
// selects. Text searches are never paged from the cache.
func (s *Service) listingToken(ctx context.Context, accountID string, q Query, labels []string) (string, error) {
	if q.Text != "" {
		return "", nil
	}
	return s.repo.GetListingPageToken(ctx, accountID, repository.ListingScope(labels))
}

func (s *Service) saveListingToken(ctx context.Context, accountID string, q Query, labels []string, token string) error {
	if q.Text != "" {
		return nil
	}
	return s.repo.SaveListingPageToken(ctx, accountID, repository.ListingScope(labels), token)
}

// fetchDrafts refreshes the cached drafts from the remote. A complete,
// unfiltered listing replaces the cached drafts of the view; a partial or
// searched one only upserts what came back.
func (s *Service) fetchDrafts(ctx context.Context, accountID string, q Query, labels []string) (*Page, error) {
	fetched, next, err := s.list(ctx, accountID, q, labels)
	if err != nil {
		return nil, err
	}

	if q.Text != "" || next != "" {
		err = s.repo.SaveEmails(ctx, accountID, fetched, repository.SaveAppendPreferIncoming)
	} else {
		inView := func(m *model.CachedMessage) bool { return m.HasAllLabels(labels) }
		err = s.repo.ReplaceMatching(ctx, accountID, inView, fetched)
	}
	if err != nil {
		return nil, err
	}
	if err := s.saveListingToken(ctx, accountID, q, labels, next); err != nil {
		return nil, err
	}

	// Pick up summaries carried over by the merge.
	stored, err := s.repo.GetEmails(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.CachedMessage, len(stored))
	for _, m := range stored {
		byID[m.ID] = m
	}
	drafts := make([]model.CachedMessage, 0, len(fetched))
	for _, m := range fetched {
		if sm, ok := byID[m.ID]; ok {
			m = sm
		}
		drafts = append(drafts, m)
	}

	return &Page{Messages: search(drafts, q.Text), NextPageToken: next}, nil
}

func (s *Service) list(ctx context.Context, accountID string, q Query, labels []string) ([]model.CachedMessage, string, error) {
	client, err := s.clients.Client(ctx, accountID)
	if err != nil {
		return nil, "", err
	}

	pageSize := q.MaxResults
	if pageSize <= 0 {
		pageSize = defaultRemotePageSize
	}

	res, err := client.ListMessages(ctx, remote.ListOptions{
		LabelIDs:   labels,
		Query:      q.Text,
		PageToken:  q.PageToken,
		MaxResults: pageSize,
	})
	if err != nil {
		s.logger.Warn("remote fetch failed", "account", accountID, "labels", labels, "error", err)
		return nil, "", &FetchError{AccountID: accountID, Err: err}
	}

	msgs := make([]model.CachedMessage, 0, len(res.Messages))
	for _, p := range res.Messages {
		msgs = append(msgs, p.Cached())
	}
	return msgs, res.NextPageToken, nil
}

// GetMessage returns one message. With full set it fetches the body from
// the remote and refreshes the cached record; otherwise a cached record is
// returned when present.
func (s *Service) GetMessage(ctx context.Context, accountID, id string, full bool) (*model.CachedMessage, error) {
	cached, err := s.repo.GetEmails(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var prev *model.CachedMessage
	if i := slices.IndexFunc(cached, func(m model.CachedMessage) bool { return m.ID == id }); i >= 0 {
		prev = &cached[i]
	}
	if !full && prev != nil {
		return prev, nil
	}

	client, err := s.clients.Client(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var m model.CachedMessage
	if full {
		fm, err := client.GetFullMessage(ctx, id)
		if err != nil {
			return nil, &FetchError{AccountID: accountID, Err: err}
		}
		m = fm.Cached()
	} else {
		p, err := client.GetMessagePreview(ctx, id)
		if err != nil {
			return nil, &FetchError{AccountID: accountID, Err: err}
		}
		m = p.Cached()
	}

	if prev != nil {
		m.MergeSummary(prev.Summary)
		if _, err := s.repo.UpdateEmail(ctx, accountID, m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// ModifyLabels changes labels on the remote and then patches the cached
// record.
func (s *Service) ModifyLabels(ctx context.Context, accountID, id string, add, remove []string) error {
	client, err := s.clients.Client(ctx, accountID)
	if err != nil {
		return err
	}
	if err := client.ModifyLabels(ctx, id, add, remove); err != nil {
		return fmt.Errorf("modifying labels on %s: %w", id, err)
	}
	_, err = s.repo.UpdateEmailLabels(ctx, accountID, id, add, remove)
	return err
}

// Trash moves a message to the remote trash and drops it from the cache.
func (s *Service) Trash(ctx context.Context, accountID, id string) error {
	client, err := s.clients.Client(ctx, accountID)
	if err != nil {
		return err
	}
	if err := client.Trash(ctx, id); err != nil {
		return fmt.Errorf("trashing %s: %w", id, err)
	}
	return s.repo.RemoveEmail(ctx, accountID, id)
}

// Sync runs a sync for the account.
func (s *Service) Sync(ctx context.Context, accountID string) (*model.SyncResult, error) {
	return s.syncer.Sync(ctx, accountID)
}

// RefreshCache drops everything cached for the account so the next sync
// is a full one.
func (s *Service) RefreshCache(ctx context.Context, accountID string) error {
	s.logger.Info("clearing account cache", "account", accountID)
	return s.repo.ClearAccount(ctx, accountID)
}

// ClearAllCache drops every cached document.
func (s *Service) ClearAllCache(ctx context.Context) error {
	s.logger.Info("clearing all cached data")
	return s.repo.ClearAll(ctx)
}

// GetCacheInfo reports the account's sync bookkeeping.
func (s *Service) GetCacheInfo(ctx context.Context, accountID string) (model.AccountSyncState, error) {
	return s.repo.SyncState(ctx, accountID)
}

// Accounts lists accounts with cached data.
func (s *Service) Accounts(ctx context.Context) ([]string, error) {
	return s.repo.Accounts(ctx)
}

func limit(msgs []model.CachedMessage, n int) []model.CachedMessage {
	if n > 0 && len(msgs) > n {
		return msgs[:n]
	}
	return msgs
}
