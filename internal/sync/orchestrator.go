package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/repository"
)

// Options tunes full and incremental sync.
type Options struct {
	// LookbackDays bounds how far back a full sync pages.
	LookbackDays int

	// MaxFullSyncMessages caps a full sync; extra messages are dropped.
	MaxFullSyncMessages int

	PageSize int

	// DetailBatchSize is how many previews an incremental sync fetches
	// concurrently. Batches run one after another.
	DetailBatchSize int

	// Timeout bounds one sync run. The run is shared by every caller that
	// joins it, so no single caller's context cancels it.
	Timeout time.Duration
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		LookbackDays:        14,
		MaxFullSyncMessages: 2000,
		PageSize:            100,
		DetailBatchSize:     10,
		Timeout:             defaultTimeout,
	}
}

// OptionsFromConfig builds Options from configuration, keeping defaults for
// unset fields.
func OptionsFromConfig(cfg model.SyncConfig) Options {
	opts := DefaultOptions()
	if cfg.LookbackDays > 0 {
		opts.LookbackDays = cfg.LookbackDays
	}
	if cfg.MaxFullSyncMessages > 0 {
		opts.MaxFullSyncMessages = cfg.MaxFullSyncMessages
	}
	if cfg.PageSize > 0 {
		opts.PageSize = cfg.PageSize
	}
	if cfg.DetailBatchSize > 0 {
		opts.DetailBatchSize = cfg.DetailBatchSize
	}
	if cfg.TimeoutSec > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return opts
}

// ClientResolver returns the remote client for an account.
type ClientResolver interface {
	Client(ctx context.Context, accountID string) (remote.Client, error)
}

// ClientResolverFunc adapts a func to ClientResolver.
type ClientResolverFunc func(ctx context.Context, accountID string) (remote.Client, error)

func (f ClientResolverFunc) Client(ctx context.Context, accountID string) (remote.Client, error) {
	return f(ctx, accountID)
}

// ClientForgetter is implemented by resolvers that cache clients.
type ClientForgetter interface {
	Forget(accountID string)
}

// ForgetClient drops the client c holds for accountID, if c caches
// clients, so the next resolution reads the credentials again.
func ForgetClient(c ClientResolver, accountID string) {
	if f, ok := c.(ClientForgetter); ok {
		f.Forget(accountID)
	}
}

// Orchestrator decides between full and incremental sync for an account and
// applies the result to the repository.
//
// Concurrent Sync calls for the same account share one run. Different
// accounts sync independently.
type Orchestrator struct {
	repo    *repository.Repository
	clients ClientResolver
	opts    Options
	now     func() time.Time
	logger  *slog.Logger

	inflight singleflight.Group
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock overrides the time source used for the lookback boundary.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	repo *repository.Repository,
	clients ClientResolver,
	opts Options,
	options ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		repo:    repo,
		clients: clients,
		opts:    opts,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = o.logger.With("component", "sync")
	return o
}

// Sync brings the account's cache up to date. With no stored cursor it runs
// a full sync; otherwise it runs an incremental sync, falling back to one
// full sync if the cursor has expired.
//
// If ctx ends first, Sync returns its error while the run carries on for
// the other callers, bounded by Options.Timeout.
func (o *Orchestrator) Sync(ctx context.Context, accountID string) (*model.SyncResult, error) {
	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ch := o.inflight.DoChan(accountID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		res, err := o.run(runCtx, accountID)
		if remote.IsAuthError(err) {
			// Credentials may be replaced while we run; rebuild next time.
			ForgetClient(o.clients, accountID)
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for sync of %s: %w", accountID, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			o.logger.Debug("joined in-flight sync", "account", accountID)
		}
		res := *r.Val.(*model.SyncResult)
		return &res, nil
	}
}

func (o *Orchestrator) run(ctx context.Context, accountID string) (*model.SyncResult, error) {
	started := time.Now()
	logger := o.logger.With("account", accountID, "run", uuid.NewString())

	client, err := o.clients.Client(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolving client for %s: %w", accountID, err)
	}

	cursor, err := o.repo.GetHistoryID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var res *model.SyncResult
	if cursor == "" {
		logger.Info("no history cursor, running full sync")
		res, err = o.fullSync(ctx, accountID, client)
	} else {
		res, err = o.incrementalSync(ctx, accountID, client, cursor)
		if remote.IsCursorExpired(err) {
			logger.Info("history cursor expired, falling back to full sync", "cursor", cursor)
			res, err = o.fullSync(ctx, accountID, client)
			if err == nil {
				res.FellBack = true
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("syncing %s: %w", accountID, err)
	}

	res.AccountID = accountID
	res.Duration = time.Since(started)
	logger.Info("sync complete",
		"type", res.Type,
		"emails", res.EmailCount,
		"added", res.Added,
		"deleted", res.Deleted,
		"label_changes", res.LabelChanges,
		"fell_back", res.FellBack,
		"duration", res.Duration,
	)
	return res, nil
}

// fullSync pages through INBOX until the lookback boundary, the end of the
// listing or the cap, then replaces the cached list.
func (o *Orchestrator) fullSync(ctx context.Context, accountID string, client remote.Client) (*model.SyncResult, error) {
	// Take the cursor first so changes made while paging are replayed by
	// the next incremental sync.
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}

	boundary := o.now().AddDate(0, 0, -o.opts.LookbackDays)

	var (
		msgs      []model.CachedMessage
		pageToken string
	)
	for {
		page, err := client.ListMessages(ctx, remote.ListOptions{
			LabelIDs:   []string{model.LabelInbox},
			PageToken:  pageToken,
			MaxResults: o.opts.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("listing inbox: %w", err)
		}

		for _, p := range page.Messages {
			msgs = append(msgs, p.Cached())
		}
		pageToken = page.NextPageToken

		if len(msgs) >= o.opts.MaxFullSyncMessages {
			if len(msgs) > o.opts.MaxFullSyncMessages {
				// The token no longer lines up with the kept tail.
				msgs = msgs[:o.opts.MaxFullSyncMessages]
				pageToken = ""
			}
			break
		}
		if pageToken == "" || len(page.Messages) == 0 {
			break
		}
		if oldest := oldestDate(msgs); !oldest.IsZero() && oldest.Before(boundary) {
			break
		}
	}

	if err := o.repo.ReplaceAll(ctx, accountID, msgs); err != nil {
		return nil, err
	}
	if err := o.repo.SaveHistoryID(ctx, accountID, profile.HistoryCursor); err != nil {
		return nil, err
	}
	if err := o.repo.SetInitialSyncComplete(ctx, accountID, true); err != nil {
		return nil, err
	}
	if err := o.repo.SavePageToken(ctx, accountID, pageToken); err != nil {
		return nil, err
	}

	return &model.SyncResult{Type: model.SyncTypeFull, EmailCount: len(msgs)}, nil
}

// incrementalSync applies the history delta since cursor.
func (o *Orchestrator) incrementalSync(
	ctx context.Context,
	accountID string,
	client remote.Client,
	cursor string,
) (*model.SyncResult, error) {
	delta, err := client.GetHistoryDelta(ctx, cursor)
	if err != nil {
		return nil, err
	}

	res := &model.SyncResult{Type: model.SyncTypeIncremental}
	if delta.Empty() {
		o.logger.Debug("no changes since cursor", "account", accountID, "cursor", cursor)
		existing, err := o.repo.GetEmails(ctx, accountID)
		if err != nil {
			return nil, err
		}
		res.EmailCount = len(existing)
	} else if err := o.applyDelta(ctx, accountID, client, delta, res); err != nil {
		return nil, err
	}

	if err := o.repo.SaveHistoryID(ctx, accountID, delta.HistoryCursor); err != nil {
		return nil, err
	}
	if err := o.repo.ClearPageToken(ctx, accountID); err != nil {
		return nil, err
	}
	if err := o.repo.TouchLastSync(ctx, accountID); err != nil {
		return nil, err
	}
	return res, nil
}

// applyDelta applies deletions, label changes and additions in that order
// and tallies them into res.
func (o *Orchestrator) applyDelta(
	ctx context.Context,
	accountID string,
	client remote.Client,
	delta *remote.HistoryDelta,
	res *model.SyncResult,
) error {
	var err error
	if res.Deleted, err = o.repo.RemoveEmails(ctx, accountID, delta.Deleted); err != nil {
		return err
	}

	for _, ch := range delta.LabelsAdded {
		changed, err := o.repo.UpdateEmailLabels(ctx, accountID, ch.ID, ch.Labels, nil)
		if err != nil {
			return err
		}
		if changed {
			res.LabelChanges++
		}
	}
	for _, ch := range delta.LabelsRemoved {
		changed, err := o.repo.UpdateEmailLabels(ctx, accountID, ch.ID, nil, ch.Labels)
		if err != nil {
			return err
		}
		if changed {
			res.LabelChanges++
		}
	}

	existing, err := o.repo.GetEmails(ctx, accountID)
	if err != nil {
		return err
	}
	newIDs := pendingIDs(delta.Added, delta.Deleted, existing)

	fetched, err := o.fetchPreviews(ctx, accountID, client, newIDs)
	if err != nil {
		return err
	}
	if res.Added, err = o.repo.AddEmails(ctx, accountID, fetched); err != nil {
		return err
	}

	res.EmailCount = len(existing) + res.Added
	return nil
}

// pendingIDs returns added minus deleted minus ids already cached.
func pendingIDs(added, deleted []string, existing []model.CachedMessage) []string {
	skip := make(map[string]bool, len(deleted)+len(existing))
	for _, id := range deleted {
		skip[id] = true
	}
	for _, m := range existing {
		skip[m.ID] = true
	}

	var ids []string
	for _, id := range remote.UniqueIDs(added) {
		if !skip[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// fetchPreviews fetches ids in batches, concurrently within a batch.
// Individual failures are logged and skipped. Cancellation and auth
// failures abort, since skipping them would drop messages behind an
// advanced cursor.
func (o *Orchestrator) fetchPreviews(
	ctx context.Context,
	accountID string,
	client remote.Client,
	ids []string,
) ([]model.CachedMessage, error) {
	batch := max(o.opts.DetailBatchSize, 1)

	var out []model.CachedMessage
	for start := 0; start < len(ids); start += batch {
		chunk := ids[start:min(start+batch, len(ids))]
		results := make([]*model.CachedMessage, len(chunk))
		errs := make([]error, len(chunk))

		var g errgroup.Group
		for i, id := range chunk {
			g.Go(func() error {
				p, err := client.GetMessagePreview(ctx, id)
				if err != nil {
					errs[i] = err
					return nil
				}
				m := p.Cached()
				results[i] = &m
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, err := range errs {
			if err == nil {
				continue
			}
			if remote.IsAuthError(err) {
				return nil, err
			}
			o.logger.Warn("skipping message that failed to fetch",
				"account", accountID, "id", chunk[i], "error", err)
		}
		for _, m := range results {
			if m != nil {
				out = append(out, *m)
			}
		}
	}

	// Newest first so AddEmails surfaces them at the top.
	slices.SortStableFunc(out, func(a, b model.CachedMessage) int {
		return b.Date.Compare(a.Date)
	})
	return out, nil
}

func oldestDate(msgs []model.CachedMessage) time.Time {
	var oldest time.Time
	for _, m := range msgs {
		if m.Date.IsZero() {
			continue
		}
		if oldest.IsZero() || m.Date.Before(oldest) {
			oldest = m.Date
		}
	}
	return oldest
}

// ErrUnknownAccount is returned by resolvers for accounts with no
// configured client.
var ErrUnknownAccount = errors.New("unknown account")
