package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/testutil"
)

const acct = "acct1"

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return New(testutil.NewTestStore(t), WithClock(testutil.Clock(testutil.BaseTime)))
}

func TestGetEmailsEmptyAccount(t *testing.T) {
	repo := newTestRepo(t)

	msgs, err := repo.GetEmails(context.Background(), acct)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestSaveEmailsReplaceDedupKeepsFirst(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := testutil.Message("a", model.LabelInbox)
	dup := testutil.Message("a", model.LabelInbox)
	dup.Subject = "duplicate"
	b := testutil.Message("b", model.LabelInbox)

	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{a, dup, b}, SaveReplace))

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, testutil.IDs(msgs))
	assert.Equal(t, "Subject a", msgs[0].Subject)

	last, err := repo.GetLastSync(ctx, acct)
	require.NoError(t, err)
	assert.True(t, last.Equal(testutil.BaseTime))
}

func TestSaveEmailsPolicies(t *testing.T) {
	stored := testutil.Message("a", model.LabelInbox)
	stored.Subject = "stored"
	stored.Summary = "kept summary"

	incoming := testutil.Message("a", model.LabelInbox, model.LabelUnread)
	incoming.Subject = "incoming"
	extra := testutil.Message("c", model.LabelInbox)

	tests := []struct {
		name        string
		policy      SavePolicy
		wantIDs     []string
		wantSubject string
		wantSummary string
	}{
		{"replace", SaveReplace, []string{"a", "c"}, "incoming", ""},
		{"append keeps stored", SaveAppend, []string{"a", "b", "c"}, "stored", "kept summary"},
		{"append prefer incoming", SaveAppendPreferIncoming, []string{"a", "c", "b"}, "incoming", "kept summary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t)
			require.NoError(t, repo.SaveEmails(ctx, acct,
				[]model.CachedMessage{stored, testutil.Message("b", model.LabelInbox)}, SaveReplace))

			require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{incoming, extra}, tt.policy))

			msgs, err := repo.GetEmails(ctx, acct)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, testutil.IDs(msgs))
			assert.Equal(t, tt.wantSubject, msgs[0].Subject)
			assert.Equal(t, tt.wantSummary, msgs[0].Summary)
		})
	}
}

func TestUpdateEmailLabelsMissingIDIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{testutil.Message("a", model.LabelInbox)}, SaveReplace))

	before, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)

	changed, err := repo.UpdateEmailLabels(ctx, acct, "missing-id", []string{model.LabelStarred}, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateEmailLabelsKeepsFlagsConsistent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.SaveEmails(ctx, acct,
		[]model.CachedMessage{testutil.Message("a", model.LabelInbox, model.LabelUnread)}, SaveReplace))

	changed, err := repo.UpdateEmailLabels(ctx, acct, "a",
		[]string{model.LabelStarred, model.LabelImportant}, []string{model.LabelUnread})
	require.NoError(t, err)
	assert.True(t, changed)

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.ElementsMatch(t, []string{model.LabelInbox, model.LabelStarred, model.LabelImportant}, m.Labels)
	assert.True(t, m.IsRead)
	assert.True(t, m.IsStarred)
	assert.True(t, m.IsImportant)

	changed, err = repo.UpdateEmailLabels(ctx, acct, "a", []string{model.LabelStarred}, nil)
	require.NoError(t, err)
	assert.False(t, changed, "re-adding an existing label is not a change")
}

func TestUpdateEmailNeverInsertsAndKeepsSummary(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := testutil.Message("a", model.LabelInbox)
	a.Summary = "AI summary"
	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{a}, SaveReplace))

	refreshed := testutil.Message("a", model.LabelInbox, model.LabelStarred)
	refreshed.Body = "full body"
	ok, err := repo.UpdateEmail(ctx, acct, refreshed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateEmail(ctx, acct, testutil.Message("ghost"))
	require.NoError(t, err)
	assert.False(t, ok)

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "full body", msgs[0].Body)
	assert.Equal(t, "AI summary", msgs[0].Summary)
	assert.True(t, msgs[0].IsStarred)
}

func TestAddEmailsPrependsOnlyAbsent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	old := testutil.Message("a", model.LabelInbox)
	old.Subject = "original"
	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{old, testutil.Message("b")}, SaveReplace))

	changed := testutil.Message("a", model.LabelInbox)
	changed.Subject = "should not overwrite"
	n, err := repo.AddEmails(ctx, acct, []model.CachedMessage{testutil.Message("new"), changed, testutil.Message("new")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "a", "b"}, testutil.IDs(msgs))
	assert.Equal(t, "original", msgs[1].Subject)
}

func TestRemoveEmails(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.SaveEmails(ctx, acct,
		[]model.CachedMessage{testutil.Message("a"), testutil.Message("b"), testutil.Message("c")}, SaveReplace))

	n, err := repo.RemoveEmails(ctx, acct, []string{"a", "c", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.RemoveEmail(ctx, acct, "missing"))

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, testutil.IDs(msgs))
}

func TestReplaceMatchingSwapsDrafts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	oldDraft := testutil.Message("d1", model.LabelDraft)
	oldDraft.Summary = "draft summary"
	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{
		testutil.Message("i1", model.LabelInbox),
		oldDraft,
		testutil.Message("d2", model.LabelDraft),
	}, SaveReplace))

	fetched := []model.CachedMessage{
		testutil.Message("d1", model.LabelDraft),
		testutil.Message("d3", model.LabelDraft),
	}
	isDraft := func(m *model.CachedMessage) bool { return m.HasLabel(model.LabelDraft) }
	require.NoError(t, repo.ReplaceMatching(ctx, acct, isDraft, fetched))

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3", "i1"}, testutil.IDs(msgs))
	assert.Equal(t, "draft summary", msgs[0].Summary)
}

func TestSyncStateAndClearAccount(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{testutil.Message("a")}, SaveReplace))
	require.NoError(t, repo.SaveHistoryID(ctx, acct, "H1"))
	require.NoError(t, repo.SetInitialSyncComplete(ctx, acct, true))
	require.NoError(t, repo.SavePageToken(ctx, acct, "p2"))
	require.NoError(t, repo.SaveHistoryID(ctx, "acct2", "H7"))

	state, err := repo.SyncState(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, model.AccountSyncState{
		AccountID:           acct,
		HistoryCursor:       "H1",
		LastSyncAt:          testutil.BaseTime,
		InitialSyncComplete: true,
		PageToken:           "p2",
		EmailCount:          1,
	}, state)

	accounts, err := repo.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1", "acct2"}, accounts)

	require.NoError(t, repo.ClearAccount(ctx, acct))

	state, err = repo.SyncState(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, model.AccountSyncState{AccountID: acct}, state)

	cursor, err := repo.GetHistoryID(ctx, "acct2")
	require.NoError(t, err)
	assert.Equal(t, "H7", cursor, "other accounts are untouched")

	require.NoError(t, repo.ClearAll(ctx))
	accounts, err = repo.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestSavePageTokenEmptyClears(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.SavePageToken(ctx, acct, "p1"))
	require.NoError(t, repo.SavePageToken(ctx, acct, ""))

	token, err := repo.GetPageToken(ctx, acct)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestListingScope(t *testing.T) {
	assert.Equal(t, "ALL", ListingScope(nil))
	assert.Equal(t, "INBOX", ListingScope([]string{model.LabelInbox}))
	assert.Equal(t, "INBOX+STARRED", ListingScope([]string{model.LabelStarred, model.LabelInbox, model.LabelStarred}))
}

func TestListingPageTokensAreIndependent(t *testing.T) {
	for name, newStore := range testutil.StoreBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := New(newStore(t), WithClock(testutil.Clock(testutil.BaseTime)))

			require.NoError(t, repo.SavePageToken(ctx, acct, "inbox-2"))
			require.NoError(t, repo.SaveListingPageToken(ctx, acct, model.LabelSent, "sent-2"))
			require.NoError(t, repo.SaveListingPageToken(ctx, "acct10", model.LabelSent, "other"))

			inbox, err := repo.GetListingPageToken(ctx, acct, InboxScope)
			require.NoError(t, err)
			assert.Equal(t, "inbox-2", inbox, "the inbox listing shares the full sync token")

			sent, err := repo.GetListingPageToken(ctx, acct, model.LabelSent)
			require.NoError(t, err)
			assert.Equal(t, "sent-2", sent)

			unread, err := repo.GetListingPageToken(ctx, acct, model.LabelUnread)
			require.NoError(t, err)
			assert.Empty(t, unread)

			require.NoError(t, repo.ClearPageToken(ctx, acct))
			sent, err = repo.GetListingPageToken(ctx, acct, model.LabelSent)
			require.NoError(t, err)
			assert.Equal(t, "sent-2", sent)

			require.NoError(t, repo.ClearAccount(ctx, acct))
			sent, err = repo.GetListingPageToken(ctx, acct, model.LabelSent)
			require.NoError(t, err)
			assert.Empty(t, sent)

			other, err := repo.GetListingPageToken(ctx, "acct10", model.LabelSent)
			require.NoError(t, err)
			assert.Equal(t, "other", other)
		})
	}
}

func TestConcurrentLabelPatchesDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.SaveEmails(ctx, acct, []model.CachedMessage{testutil.Message("a")}, SaveReplace))

	labels := []string{"L1", "L2", "L3", "L4", "L5", "L6", "L7", "L8"}
	var wg sync.WaitGroup
	for _, l := range labels {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			_, err := repo.UpdateEmailLabels(ctx, acct, "a", []string{label}, nil)
			assert.NoError(t, err)
		}(l)
	}
	wg.Wait()

	msgs, err := repo.GetEmails(ctx, acct)
	require.NoError(t, err)
	assert.ElementsMatch(t, labels, msgs[0].Labels)
}
