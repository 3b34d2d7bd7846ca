package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/repository"
	mailsync "github.com/nhle/mailcache/internal/sync"
	"github.com/nhle/mailcache/internal/testutil"
)

const acct = "acct1"

type fixture struct {
	svc     *Service
	repo    *repository.Repository
	mailbox *testutil.FakeMailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.New(testutil.NewTestStore(t), repository.WithClock(testutil.Clock(testutil.BaseTime)))
	mailbox := testutil.NewFakeMailbox("me@example.com")
	clients := mailsync.ClientResolverFunc(func(context.Context, string) (remote.Client, error) {
		return mailbox, nil
	})
	orch := mailsync.NewOrchestrator(repo, clients, mailsync.DefaultOptions(),
		mailsync.WithClock(testutil.Clock(testutil.BaseTime)),
		mailsync.WithLogger(logger),
	)

	return &fixture{
		svc:     NewService(repo, clients, orch, logger),
		repo:    repo,
		mailbox: mailbox,
	}
}

func (f *fixture) seedCache(t *testing.T, msgs ...model.CachedMessage) {
	t.Helper()
	require.NoError(t, f.repo.SaveEmails(context.Background(), acct, msgs, repository.SaveReplace))
}

func (f *fixture) listCalls() int {
	n, _, _, _ := f.mailbox.CallCounts()
	return n
}

func TestParseView(t *testing.T) {
	v, err := ParseView("Unread")
	require.NoError(t, err)
	assert.Equal(t, ViewUnread, v)

	v, err = ParseView("")
	require.NoError(t, err)
	assert.Equal(t, ViewAll, v)

	_, err = ParseView("archive")
	assert.Error(t, err)

	for _, v := range Views() {
		_, err := ParseView(string(v))
		assert.NoError(t, err, "view %s", v)
	}
}

func TestWarmViewServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t,
		testutil.Message("m2", model.LabelInbox, model.LabelUnread),
		testutil.Message("m1", model.LabelInbox),
	)
	require.NoError(t, f.repo.SaveListingPageToken(ctx, acct, model.LabelUnread, "more"))

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewUnread})
	require.NoError(t, err)
	assert.True(t, page.FromCache)
	assert.Equal(t, []string{"m2"}, testutil.IDs(page.Messages))
	assert.Equal(t, "more", page.NextPageToken)
	assert.Zero(t, f.listCalls())

	// A search over the same view is not paged from the cache.
	page, err = f.svc.GetMessages(ctx, acct, Query{View: ViewUnread, Text: "m2"})
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)
}

func TestLabelFiltersAreAnded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t,
		testutil.Message("m3", model.LabelInbox, model.LabelStarred),
		testutil.Message("m2", model.LabelInbox),
		testutil.Message("m1", model.LabelSent, model.LabelStarred),
	)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewInbox, LabelIDs: []string{model.LabelStarred}})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, testutil.IDs(page.Messages))
}

func TestMaxResultsLimitsCachedPage(t *testing.T) {
	f := newFixture(t)
	f.seedCache(t,
		testutil.Message("m3", model.LabelInbox),
		testutil.Message("m2", model.LabelInbox),
		testutil.Message("m1", model.LabelInbox),
	)

	page, err := f.svc.GetMessages(context.Background(), acct, Query{View: ViewInbox, MaxResults: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2"}, testutil.IDs(page.Messages))
}

func TestEmptyAllViewDoesNotFetch(t *testing.T) {
	f := newFixture(t)
	f.mailbox.Seed(testutil.Message("m1", model.LabelInbox))

	page, err := f.svc.GetMessages(context.Background(), acct, Query{View: ViewAll})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.True(t, page.FromCache)
	assert.Zero(t, f.listCalls())
}

func TestColdViewFetchesOnceAndAppends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m1", model.LabelInbox))
	f.mailbox.Seed(
		testutil.Message("s1", model.LabelSent),
		testutil.Message("m1", model.LabelInbox),
	)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewSent})
	require.NoError(t, err)
	assert.False(t, page.FromCache)
	assert.Equal(t, []string{"s1"}, testutil.IDs(page.Messages))
	assert.Equal(t, 1, f.listCalls())

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "s1"}, testutil.IDs(cached))

	page, err = f.svc.GetMessages(ctx, acct, Query{View: ViewSent})
	require.NoError(t, err)
	assert.True(t, page.FromCache)
	assert.Equal(t, []string{"s1"}, testutil.IDs(page.Messages))
	assert.Equal(t, 1, f.listCalls())
}

func TestColdFetchPersistsNextPageToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mailbox.Seed(
		testutil.Message("s2", model.LabelSent),
		testutil.Message("s1", model.LabelSent),
	)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewSent, MaxResults: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, testutil.IDs(page.Messages))
	assert.Equal(t, "1", page.NextPageToken)

	token, err := f.repo.GetListingPageToken(ctx, acct, model.LabelSent)
	require.NoError(t, err)
	assert.Equal(t, "1", token)

	inbox, err := f.repo.GetPageToken(ctx, acct)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestPageTokensAreKeptPerListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t,
		testutil.Message("m2", model.LabelInbox),
		testutil.Message("m1", model.LabelInbox),
	)
	require.NoError(t, f.repo.SavePageToken(ctx, acct, "inbox-more"))
	f.mailbox.Seed(
		testutil.Message("s4", model.LabelSent),
		testutil.Message("s3", model.LabelSent),
		testutil.Message("s2", model.LabelSent),
		testutil.Message("s1", model.LabelSent),
	)

	sent, err := f.svc.GetMessages(ctx, acct, Query{View: ViewSent, MaxResults: 2})
	require.NoError(t, err)
	assert.False(t, sent.FromCache)
	assert.Equal(t, "2", sent.NextPageToken)

	inbox, err := f.svc.GetMessages(ctx, acct, Query{View: ViewInbox})
	require.NoError(t, err)
	assert.True(t, inbox.FromCache)
	assert.Equal(t, []string{"m2", "m1"}, testutil.IDs(inbox.Messages))
	assert.Equal(t, "inbox-more", inbox.NextPageToken)

	sent, err = f.svc.GetMessages(ctx, acct, Query{View: ViewSent})
	require.NoError(t, err)
	assert.True(t, sent.FromCache)
	assert.Equal(t, "2", sent.NextPageToken)

	all, err := f.svc.GetMessages(ctx, acct, Query{View: ViewAll})
	require.NoError(t, err)
	assert.Empty(t, all.NextPageToken)
}

func TestPageTokenPagesRemotely(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m3", model.LabelInbox))
	f.mailbox.Seed(
		testutil.Message("m3", model.LabelInbox),
		testutil.Message("m2", model.LabelInbox),
		testutil.Message("m1", model.LabelInbox),
	)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewInbox, PageToken: "1", MaxResults: 1})
	require.NoError(t, err)
	assert.False(t, page.FromCache)
	assert.Equal(t, []string{"m2"}, testutil.IDs(page.Messages))
	assert.Equal(t, "2", page.NextPageToken)

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2"}, testutil.IDs(cached))

	// The last page clears the stored token.
	_, err = f.svc.GetMessages(ctx, acct, Query{View: ViewInbox, PageToken: "2", MaxResults: 1})
	require.NoError(t, err)
	token, err := f.repo.GetPageToken(ctx, acct)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestDraftsAlwaysFetchedAndReplaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	kept := testutil.Message("d1", model.LabelDraft)
	kept.Summary = "reply to Bob"
	f.seedCache(t,
		kept,
		testutil.Message("d-stale", model.LabelDraft),
		testutil.Message("m1", model.LabelInbox),
	)
	f.mailbox.Seed(
		testutil.Message("d2", model.LabelDraft),
		testutil.Message("d1", model.LabelDraft),
		testutil.Message("m1", model.LabelInbox),
	)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewDrafts})
	require.NoError(t, err)
	assert.False(t, page.FromCache)
	assert.Equal(t, []string{"d2", "d1"}, testutil.IDs(page.Messages))
	assert.Equal(t, 1, f.listCalls())

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d1", "m1"}, testutil.IDs(cached))
	assert.Equal(t, "reply to Bob", cached[1].Summary)

	// Still remote on the next read.
	_, err = f.svc.GetMessages(ctx, acct, Query{View: ViewDrafts})
	require.NoError(t, err)
	assert.Equal(t, 2, f.listCalls())
}

func TestPartialDraftListingKeepsOtherDrafts(t *testing.T) {
	tests := []struct {
		name  string
		query Query
	}{
		{"first page only", Query{View: ViewDrafts, MaxResults: 1}},
		{"text search", Query{View: ViewDrafts, Text: "d2"}},
		{"narrower label set", Query{View: ViewStarred, LabelIDs: []string{model.LabelDraft}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			older := testutil.Message("d1", model.LabelDraft)
			older.Summary = "older draft"
			f.seedCache(t, testutil.Message("d2", model.LabelDraft, model.LabelStarred), older)
			f.mailbox.Seed(
				testutil.Message("d2", model.LabelDraft, model.LabelStarred),
				testutil.Message("d1", model.LabelDraft),
			)

			page, err := f.svc.GetMessages(ctx, acct, tt.query)
			require.NoError(t, err)
			assert.Equal(t, []string{"d2"}, testutil.IDs(page.Messages))

			cached, err := f.repo.GetEmails(ctx, acct)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"d2", "d1"}, testutil.IDs(cached))
			for _, m := range cached {
				if m.ID == "d1" {
					assert.Equal(t, "older draft", m.Summary)
				}
			}
		})
	}
}

func TestTextSearchFiltersLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report := testutil.Message("m2", model.LabelInbox)
	report.Subject = "Quarterly report"
	lunch := testutil.Message("m1", model.LabelInbox)
	lunch.Subject = "Lunch on Friday"
	f.seedCache(t, report, lunch)

	page, err := f.svc.GetMessages(ctx, acct, Query{View: ViewAll, Text: "qrtrly"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, testutil.IDs(page.Messages))
	assert.Zero(t, f.listCalls())
}

func TestRemoteFailureLeavesCacheIntact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m1", model.LabelInbox))
	f.mailbox.FailList(errors.New("503 backend error"))

	_, err := f.svc.GetMessages(ctx, acct, Query{View: ViewSpam})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retryable())
	assert.True(t, IsFetchError(err))

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, testutil.IDs(cached))
}

func TestAuthFailureIsNotRetryable(t *testing.T) {
	f := newFixture(t)
	f.mailbox.FailList(&remote.AuthError{Provider: model.ProviderGmail, Message: "invalid_grant"})

	_, err := f.svc.GetMessages(context.Background(), acct, Query{View: ViewDrafts})

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Retryable())
	assert.True(t, remote.IsAuthError(err))
}

func TestModifyLabelsPatchesRemoteAndCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m1", model.LabelInbox, model.LabelUnread))
	f.mailbox.Seed(testutil.Message("m1", model.LabelInbox, model.LabelUnread))

	require.NoError(t, f.svc.ModifyLabels(ctx, acct, "m1", []string{model.LabelStarred}, []string{model.LabelUnread}))

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.True(t, cached[0].IsStarred)
	assert.True(t, cached[0].IsRead)

	remoteMsgs := f.mailbox.Snapshot()
	require.Len(t, remoteMsgs, 1)
	assert.True(t, remoteMsgs[0].IsStarred)
}

func TestModifyLabelsRemoteFailureSkipsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m1", model.LabelInbox))

	err := f.svc.ModifyLabels(ctx, acct, "m1", []string{model.LabelStarred}, nil)
	require.Error(t, err)

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.False(t, cached[0].IsStarred)
}

func TestTrashRemovesFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m2", model.LabelInbox), testutil.Message("m1", model.LabelInbox))
	f.mailbox.Seed(testutil.Message("m2", model.LabelInbox), testutil.Message("m1", model.LabelInbox))

	require.NoError(t, f.svc.Trash(ctx, acct, "m1"))

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, testutil.IDs(cached))

	remoteMsgs := f.mailbox.Snapshot()
	assert.Contains(t, remoteMsgs[1].Labels, model.LabelTrash)
	assert.NotContains(t, remoteMsgs[1].Labels, model.LabelInbox)
}

func TestGetMessageFullRefreshesCachedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := testutil.Message("m1", model.LabelInbox)
	m.Summary = "numbers are up"
	f.seedCache(t, m)
	f.mailbox.Seed(testutil.Message("m1", model.LabelInbox))
	f.mailbox.SetBody("m1", "Full text of the report.")

	got, err := f.svc.GetMessage(ctx, acct, "m1", true)
	require.NoError(t, err)
	assert.Equal(t, "Full text of the report.", got.Body)
	assert.Equal(t, "numbers are up", got.Summary)

	cached, err := f.repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "Full text of the report.", cached[0].Body)
	assert.Equal(t, "numbers are up", cached[0].Summary)
}

func TestGetMessagePreviewPrefersCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCache(t, testutil.Message("m1", model.LabelInbox))

	got, err := f.svc.GetMessage(ctx, acct, "m1", false)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	_, previews, _, _ := f.mailbox.CallCounts()
	assert.Zero(t, previews)
}

func TestSyncAndCacheInfo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mailbox.Seed(
		testutil.Message("m2", model.LabelInbox),
		testutil.Message("m1", model.LabelInbox),
	)

	res, err := f.svc.Sync(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, model.SyncTypeFull, res.Type)

	info, err := f.svc.GetCacheInfo(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 2, info.EmailCount)
	assert.True(t, info.InitialSyncComplete)
	assert.NotEmpty(t, info.HistoryCursor)

	accounts, err := f.svc.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{acct}, accounts)

	require.NoError(t, f.svc.RefreshCache(ctx, acct))
	info, err = f.svc.GetCacheInfo(ctx, acct)
	require.NoError(t, err)
	assert.Zero(t, info.EmailCount)
	assert.Empty(t, info.HistoryCursor)

	res, err = f.svc.Sync(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, model.SyncTypeFull, res.Type)

	require.NoError(t, f.svc.ClearAllCache(ctx))
	accounts, err = f.svc.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
