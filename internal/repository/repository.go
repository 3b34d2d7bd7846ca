// Package repository maintains per-account message lists and sync
// bookkeeping on top of a store.Store.
//
// Every read-modify-write runs under a per-account mutex, so concurrent
// callers for the same account cannot lose each other's updates. Missing
// records are never errors: update and label-patch calls on an unknown ID
// are silent no-ops and only store I/O failures are returned.
package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// SavePolicy selects how SaveEmails combines incoming messages with the
// list already stored for an account.
type SavePolicy int

const (
	// SaveReplace discards the stored list. Duplicates inside the incoming
	// list collapse to their first occurrence.
	SaveReplace SavePolicy = iota

	// SaveAppend keeps stored records and appends incoming ones whose ID is
	// not yet present. Stored records win.
	SaveAppend

	// SaveAppendPreferIncoming puts incoming records first so they win over
	// stored ones with the same ID. A stored summary is carried over when
	// the incoming record has none.
	SaveAppendPreferIncoming
)

func (p SavePolicy) String() string {
	switch p {
	case SaveReplace:
		return "replace"
	case SaveAppend:
		return "append"
	case SaveAppendPreferIncoming:
		return "append-prefer-incoming"
	default:
		return fmt.Sprintf("SavePolicy(%d)", int(p))
	}
}

// Repository provides CRUD and patch operations over cached messages.
type Repository struct {
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for lastSync timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// New creates a Repository backed by s.
func New(s store.Store, opts ...Option) *Repository {
	r := &Repository{
		store: s,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lock acquires the account's mutex and returns its release func.
func (r *Repository) lock(accountID string) func() {
	r.mu.Lock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Repository) load(ctx context.Context, accountID string) ([]model.CachedMessage, error) {
	var msgs []model.CachedMessage
	if _, err := r.store.Get(ctx, store.EmailsPath(accountID), &msgs); err != nil {
		return nil, fmt.Errorf("loading emails for %s: %w", accountID, err)
	}
	if msgs == nil {
		msgs = []model.CachedMessage{}
	}
	return msgs, nil
}

func (r *Repository) save(ctx context.Context, accountID string, msgs []model.CachedMessage) error {
	if msgs == nil {
		msgs = []model.CachedMessage{}
	}
	if err := r.store.Set(ctx, store.EmailsPath(accountID), msgs); err != nil {
		return fmt.Errorf("saving emails for %s: %w", accountID, err)
	}
	return nil
}

// GetEmails returns the stored list for the account, or an empty list.
func (r *Repository) GetEmails(ctx context.Context, accountID string) ([]model.CachedMessage, error) {
	defer r.lock(accountID)()
	return r.load(ctx, accountID)
}

// SaveEmails stores msgs according to policy and touches lastSync.
func (r *Repository) SaveEmails(ctx context.Context, accountID string, msgs []model.CachedMessage, policy SavePolicy) error {
	defer r.lock(accountID)()

	var combined []model.CachedMessage
	switch policy {
	case SaveReplace:
		combined = slices.Clone(msgs)
	case SaveAppend, SaveAppendPreferIncoming:
		existing, err := r.load(ctx, accountID)
		if err != nil {
			return err
		}
		if policy == SaveAppend {
			combined = append(existing, msgs...)
		} else {
			combined = append(MergeSummaries(msgs, existing), existing...)
		}
	default:
		return fmt.Errorf("unknown save policy %v", policy)
	}

	if err := r.save(ctx, accountID, dedup(combined)); err != nil {
		return err
	}
	return r.touchLastSync(ctx, accountID)
}

// ReplaceMatching atomically drops every stored record for which match
// returns true and puts incoming in front of the remainder. Summaries of
// dropped or shadowed records are carried over to incoming by ID.
func (r *Repository) ReplaceMatching(ctx context.Context, accountID string, match func(*model.CachedMessage) bool, incoming []model.CachedMessage) error {
	defer r.lock(accountID)()

	existing, err := r.load(ctx, accountID)
	if err != nil {
		return err
	}

	merged := MergeSummaries(incoming, existing)
	for i := range existing {
		if !match(&existing[i]) {
			merged = append(merged, existing[i])
		}
	}

	if err := r.save(ctx, accountID, dedup(merged)); err != nil {
		return err
	}
	return r.touchLastSync(ctx, accountID)
}

// ReplaceAll swaps the account's list for msgs wholesale, keeping stored
// summaries for messages that come back without one.
func (r *Repository) ReplaceAll(ctx context.Context, accountID string, msgs []model.CachedMessage) error {
	return r.ReplaceMatching(ctx, accountID, func(*model.CachedMessage) bool { return true }, msgs)
}

// UpdateEmail replaces the stored record with msg's ID. It never inserts,
// and it keeps the stored summary when msg carries none. It reports
// whether a record was replaced.
func (r *Repository) UpdateEmail(ctx context.Context, accountID string, msg model.CachedMessage) (bool, error) {
	defer r.lock(accountID)()

	msgs, err := r.load(ctx, accountID)
	if err != nil {
		return false, err
	}

	idx := indexOf(msgs, msg.ID)
	if idx < 0 {
		return false, nil
	}

	msg.MergeSummary(msgs[idx].Summary)
	msg.NormalizeLabels()
	msgs[idx] = msg
	return true, r.save(ctx, accountID, msgs)
}

// RemoveEmail removes the record with the given ID, if any.
func (r *Repository) RemoveEmail(ctx context.Context, accountID, id string) error {
	_, err := r.RemoveEmails(ctx, accountID, []string{id})
	return err
}

// RemoveEmails filters out every record whose ID is in ids and returns
// how many were removed.
func (r *Repository) RemoveEmails(ctx context.Context, accountID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer r.lock(accountID)()

	msgs, err := r.load(ctx, accountID)
	if err != nil {
		return 0, err
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := msgs[:0]
	for _, m := range msgs {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}

	removed := len(msgs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, r.save(ctx, accountID, kept)
}

// AddEmails prepends the messages whose ID is not already stored. Stored
// records are left untouched. It returns how many were added.
func (r *Repository) AddEmails(ctx context.Context, accountID string, newMsgs []model.CachedMessage) (int, error) {
	if len(newMsgs) == 0 {
		return 0, nil
	}
	defer r.lock(accountID)()

	msgs, err := r.load(ctx, accountID)
	if err != nil {
		return 0, err
	}

	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		present[m.ID] = true
	}

	var fresh []model.CachedMessage
	for _, m := range newMsgs {
		if present[m.ID] {
			continue
		}
		present[m.ID] = true
		m.NormalizeLabels()
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	return len(fresh), r.save(ctx, accountID, append(fresh, msgs...))
}

// UpdateEmailLabels unions add onto the message's labels, subtracts
// remove and recomputes the derived flags. An unknown ID is a no-op. It
// reports whether the stored label set changed.
func (r *Repository) UpdateEmailLabels(ctx context.Context, accountID, id string, add, remove []string) (bool, error) {
	defer r.lock(accountID)()

	msgs, err := r.load(ctx, accountID)
	if err != nil {
		return false, err
	}

	idx := indexOf(msgs, id)
	if idx < 0 {
		return false, nil
	}

	if !msgs[idx].ApplyLabels(add, remove) {
		return false, nil
	}
	return true, r.save(ctx, accountID, msgs)
}

// GetLastSync returns the last time the account's list was written, or
// the zero time.
func (r *Repository) GetLastSync(ctx context.Context, accountID string) (time.Time, error) {
	var ts time.Time
	if _, err := r.store.Get(ctx, store.LastSyncPath(accountID), &ts); err != nil {
		return time.Time{}, fmt.Errorf("reading last sync for %s: %w", accountID, err)
	}
	return ts, nil
}

// TouchLastSync sets the account's lastSync to now.
func (r *Repository) TouchLastSync(ctx context.Context, accountID string) error {
	defer r.lock(accountID)()
	return r.touchLastSync(ctx, accountID)
}

func (r *Repository) touchLastSync(ctx context.Context, accountID string) error {
	if err := r.store.Set(ctx, store.LastSyncPath(accountID), r.now().UTC()); err != nil {
		return fmt.Errorf("writing last sync for %s: %w", accountID, err)
	}
	return nil
}

func (r *Repository) SaveHistoryID(ctx context.Context, accountID, cursor string) error {
	if err := r.store.Set(ctx, store.HistoryIDPath(accountID), cursor); err != nil {
		return fmt.Errorf("writing history id for %s: %w", accountID, err)
	}
	return nil
}

// GetHistoryID returns the stored incremental cursor, or "" when none.
func (r *Repository) GetHistoryID(ctx context.Context, accountID string) (string, error) {
	var cursor string
	if _, err := r.store.Get(ctx, store.HistoryIDPath(accountID), &cursor); err != nil {
		return "", fmt.Errorf("reading history id for %s: %w", accountID, err)
	}
	return cursor, nil
}

func (r *Repository) SetInitialSyncComplete(ctx context.Context, accountID string, complete bool) error {
	if err := r.store.Set(ctx, store.InitialSyncCompletePath(accountID), complete); err != nil {
		return fmt.Errorf("writing initial sync flag for %s: %w", accountID, err)
	}
	return nil
}

func (r *Repository) IsInitialSyncComplete(ctx context.Context, accountID string) (bool, error) {
	var complete bool
	if _, err := r.store.Get(ctx, store.InitialSyncCompletePath(accountID), &complete); err != nil {
		return false, fmt.Errorf("reading initial sync flag for %s: %w", accountID, err)
	}
	return complete, nil
}

func (r *Repository) SavePageToken(ctx context.Context, accountID, token string) error {
	if token == "" {
		return r.ClearPageToken(ctx, accountID)
	}
	if err := r.store.Set(ctx, store.PageTokenPath(accountID), token); err != nil {
		return fmt.Errorf("writing page token for %s: %w", accountID, err)
	}
	return nil
}

func (r *Repository) GetPageToken(ctx context.Context, accountID string) (string, error) {
	var token string
	if _, err := r.store.Get(ctx, store.PageTokenPath(accountID), &token); err != nil {
		return "", fmt.Errorf("reading page token for %s: %w", accountID, err)
	}
	return token, nil
}

func (r *Repository) ClearPageToken(ctx context.Context, accountID string) error {
	if err := r.store.Delete(ctx, store.PageTokenPath(accountID)); err != nil {
		return fmt.Errorf("clearing page token for %s: %w", accountID, err)
	}
	return nil
}

// InboxScope is the listing scope walked by a full sync. Its token is the
// account's base page token.
const InboxScope = model.LabelInbox

// ListingScope names the listing selected by labels. Order and duplicates
// do not matter; no labels means the whole mailbox.
func ListingScope(labels []string) string {
	if len(labels) == 0 {
		return "ALL"
	}
	scope := slices.Clone(labels)
	slices.Sort(scope)
	return strings.Join(slices.Compact(scope), "+")
}

func listingTokenPath(accountID, scope string) string {
	if scope == InboxScope {
		return store.PageTokenPath(accountID)
	}
	return store.ListingPageTokenPath(accountID, scope)
}

// SaveListingPageToken stores the continuation token for one listing. An
// empty token clears it.
func (r *Repository) SaveListingPageToken(ctx context.Context, accountID, scope, token string) error {
	path := listingTokenPath(accountID, scope)
	if token == "" {
		if err := r.store.Delete(ctx, path); err != nil {
			return fmt.Errorf("clearing page token for %s/%s: %w", accountID, scope, err)
		}
		return nil
	}
	if err := r.store.Set(ctx, path, token); err != nil {
		return fmt.Errorf("writing page token for %s/%s: %w", accountID, scope, err)
	}
	return nil
}

// GetListingPageToken returns the continuation token for one listing, or
// "" when that listing has never been paged.
func (r *Repository) GetListingPageToken(ctx context.Context, accountID, scope string) (string, error) {
	var token string
	if _, err := r.store.Get(ctx, listingTokenPath(accountID, scope), &token); err != nil {
		return "", fmt.Errorf("reading page token for %s/%s: %w", accountID, scope, err)
	}
	return token, nil
}

// SyncState assembles the account's bookkeeping and cached message count.
func (r *Repository) SyncState(ctx context.Context, accountID string) (model.AccountSyncState, error) {
	state := model.AccountSyncState{AccountID: accountID}

	msgs, err := r.GetEmails(ctx, accountID)
	if err != nil {
		return state, err
	}
	state.EmailCount = len(msgs)

	if state.HistoryCursor, err = r.GetHistoryID(ctx, accountID); err != nil {
		return state, err
	}
	if state.LastSyncAt, err = r.GetLastSync(ctx, accountID); err != nil {
		return state, err
	}
	if state.InitialSyncComplete, err = r.IsInitialSyncComplete(ctx, accountID); err != nil {
		return state, err
	}
	if state.PageToken, err = r.GetPageToken(ctx, accountID); err != nil {
		return state, err
	}
	return state, nil
}

// ClearAccount deletes every stored key for the account. The next sync
// for it will be a full sync.
func (r *Repository) ClearAccount(ctx context.Context, accountID string) error {
	defer r.lock(accountID)()

	paths := store.AccountPaths(accountID)
	listings, err := r.store.Keys(ctx, store.ListingPageTokenPath(accountID, ""))
	if err != nil {
		return fmt.Errorf("clearing account %s: %w", accountID, err)
	}
	paths = append(paths, listings...)

	for _, p := range paths {
		if err := r.store.Delete(ctx, p); err != nil {
			return fmt.Errorf("clearing account %s: %w", accountID, err)
		}
	}
	return nil
}

// ClearAll wipes the entire store.
func (r *Repository) ClearAll(ctx context.Context) error {
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing all accounts: %w", err)
	}
	return nil
}

// Accounts lists every account that has any stored state, sorted.
func (r *Repository) Accounts(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, m := range []string{store.MapEmails, store.MapHistoryIDs, store.MapLastSync} {
		keys, err := r.store.Keys(ctx, m+".")
		if err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
		for _, k := range keys {
			if id, ok := store.AccountFromPath(m, k); ok && id != "" {
				seen[id] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// dedup keeps the first occurrence of every ID and normalizes labels.
func dedup(msgs []model.CachedMessage) []model.CachedMessage {
	seen := make(map[string]bool, len(msgs))
	out := make([]model.CachedMessage, 0, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.NormalizeLabels()
		out = append(out, m)
	}
	return out
}

// MergeSummaries returns a copy of incoming with summaries filled in from
// existing records of the same ID.
func MergeSummaries(incoming, existing []model.CachedMessage) []model.CachedMessage {
	summaries := make(map[string]string, len(existing))
	for _, m := range existing {
		if m.Summary != "" {
			summaries[m.ID] = m.Summary
		}
	}

	out := slices.Clone(incoming)
	for i := range out {
		out[i].MergeSummary(summaries[out[i].ID])
	}
	return out
}

func indexOf(msgs []model.CachedMessage, id string) int {
	return slices.IndexFunc(msgs, func(m model.CachedMessage) bool {
		return m.ID == id
	})
}
