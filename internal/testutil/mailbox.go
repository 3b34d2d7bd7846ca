package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

type historyOp int

const (
	opAdd historyOp = iota
	opDelete
	opLabelsAdded
	opLabelsRemoved
)

type historyRecord struct {
	seq    int
	op     historyOp
	id     string
	labels []string
}

// FakeMailbox is an in-memory remote.Client. Messages are kept newest
// first and every mutation is appended to a history log whose sequence
// number is the cursor.
type FakeMailbox struct {
	mu sync.Mutex

	email    string
	messages []remote.MessagePreview
	bodies   map[string]string
	history  []historyRecord
	seq      int

	// expiredBelow makes every cursor lower than it report ErrCursorExpired.
	expiredBelow int
	alwaysExpire bool

	failIDs  map[string]error
	listErr  error
	deltaErr error

	// HistoryGate, when set, blocks GetHistoryDelta until it is closed.
	HistoryGate chan struct{}

	previewDelay     time.Duration
	previewsInFlight int
	peakPreviews     int

	ListCalls    int
	PreviewCalls int
	HistoryCalls int
	ProfileCalls int
}

var _ remote.Client = (*FakeMailbox)(nil)

// NewFakeMailbox creates an empty mailbox for address email.
func NewFakeMailbox(email string) *FakeMailbox {
	return &FakeMailbox{
		email:   email,
		bodies:  make(map[string]string),
		failIDs: make(map[string]error),
	}
}

// Preview builds a remote preview from the fixture message.
func Preview(m model.CachedMessage) remote.MessagePreview {
	return remote.MessagePreview{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		From:     m.From,
		To:       m.To,
		Subject:  m.Subject,
		Date:     m.Date,
		Snippet:  m.Snippet,
		Labels:   slices.Clone(m.Labels),
	}
}

// Seed adds messages without recording history, as if they existed before
// any cursor was handed out. msgs are given newest first.
func (f *FakeMailbox) Seed(msgs ...model.CachedMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages = append(f.messages, Preview(m))
	}
}

// Deliver adds a new message at the top of the mailbox.
func (f *FakeMailbox) Deliver(m model.CachedMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append([]remote.MessagePreview{Preview(m)}, f.messages...)
	f.record(opAdd, m.ID, nil)
}

// Remove deletes a message permanently.
func (f *FakeMailbox) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = slices.DeleteFunc(f.messages, func(p remote.MessagePreview) bool { return p.ID == id })
	f.record(opDelete, id, nil)
}

// SetBody sets the full-fidelity body returned for id.
func (f *FakeMailbox) SetBody(id, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[id] = body
}

// ExpireCursorsBelowCurrent makes every cursor handed out so far expired.
func (f *FakeMailbox) ExpireCursorsBelowCurrent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredBelow = f.seq + 1
}

// AlwaysExpire makes GetHistoryDelta always report ErrCursorExpired.
func (f *FakeMailbox) AlwaysExpire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alwaysExpire = true
}

// FailPreview makes GetMessagePreview fail for id.
func (f *FakeMailbox) FailPreview(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failIDs[id] = err
}

// SetPreviewDelay makes every GetMessagePreview call take at least d, so
// concurrent calls overlap.
func (f *FakeMailbox) SetPreviewDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewDelay = d
}

// PeakPreviewsInFlight reports the most GetMessagePreview calls that were
// running at the same time.
func (f *FakeMailbox) PeakPreviewsInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peakPreviews
}

// FailList makes ListMessages fail with err until cleared with nil.
func (f *FakeMailbox) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailDelta makes GetHistoryDelta fail with err until cleared with nil.
func (f *FakeMailbox) FailDelta(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaErr = err
}

// Cursor returns the current history position.
func (f *FakeMailbox) Cursor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.Itoa(f.seq)
}

// CallCounts returns how many times each read method has been called.
func (f *FakeMailbox) CallCounts() (list, preview, history, profile int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListCalls, f.PreviewCalls, f.HistoryCalls, f.ProfileCalls
}

// Snapshot returns the current remote messages as cache records.
func (f *FakeMailbox) Snapshot() []model.CachedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.CachedMessage, 0, len(f.messages))
	for _, p := range f.messages {
		out = append(out, p.Cached())
	}
	return out
}

func (f *FakeMailbox) record(op historyOp, id string, labels []string) {
	f.seq++
	f.history = append(f.history, historyRecord{seq: f.seq, op: op, id: id, labels: labels})
}

func (f *FakeMailbox) find(id string) int {
	return slices.IndexFunc(f.messages, func(p remote.MessagePreview) bool { return p.ID == id })
}

func (f *FakeMailbox) Provider() model.Provider {
	return model.ProviderGmail
}

func (f *FakeMailbox) ValidateConnection(context.Context) (string, error) {
	return "Connected as " + f.email, nil
}

// ListMessages filters by ANDed labels and a case-insensitive subject
// substring. Page tokens are offsets.
func (f *FakeMailbox) ListMessages(_ context.Context, opts remote.ListOptions) (*remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++

	if f.listErr != nil {
		return nil, f.listErr
	}

	var matched []remote.MessagePreview
	for _, p := range f.messages {
		if !hasAll(p.Labels, opts.LabelIDs) {
			continue
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(p.Subject), strings.ToLower(opts.Query)) {
			continue
		}
		matched = append(matched, p)
	}

	offset := 0
	if opts.PageToken != "" {
		n, err := strconv.Atoi(opts.PageToken)
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", opts.PageToken)
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 100
	}
	end := min(offset+limit, len(matched))

	res := &remote.ListResult{}
	for _, p := range matched[offset:end] {
		p.Labels = slices.Clone(p.Labels)
		res.Messages = append(res.Messages, p)
	}
	if end < len(matched) {
		res.NextPageToken = strconv.Itoa(end)
	}
	return res, nil
}

func (f *FakeMailbox) GetMessagePreview(ctx context.Context, id string) (*remote.MessagePreview, error) {
	f.mu.Lock()
	f.PreviewCalls++
	f.previewsInFlight++
	f.peakPreviews = max(f.peakPreviews, f.previewsInFlight)
	delay := f.previewDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.previewsInFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failIDs[id]; ok {
		return nil, err
	}
	idx := f.find(id)
	if idx < 0 {
		return nil, fmt.Errorf("message %s not found", id)
	}
	p := f.messages[idx]
	p.Labels = slices.Clone(p.Labels)
	return &p, nil
}

func (f *FakeMailbox) GetFullMessage(ctx context.Context, id string) (*remote.FullMessage, error) {
	p, err := f.GetMessagePreview(ctx, id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &remote.FullMessage{MessagePreview: *p, Body: f.bodies[id]}, nil
}

func (f *FakeMailbox) GetProfile(context.Context) (*remote.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProfileCalls++
	return &remote.Profile{EmailAddress: f.email, HistoryCursor: strconv.Itoa(f.seq)}, nil
}

func (f *FakeMailbox) GetHistoryDelta(ctx context.Context, sinceCursor string) (*remote.HistoryDelta, error) {
	f.mu.Lock()
	gate := f.HistoryGate
	f.HistoryCalls++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deltaErr != nil {
		return nil, f.deltaErr
	}

	since, err := strconv.Atoi(sinceCursor)
	if err != nil {
		return nil, fmt.Errorf("parsing cursor %q: %w", sinceCursor, remote.ErrCursorExpired)
	}
	if f.alwaysExpire || since < f.expiredBelow {
		return nil, fmt.Errorf("history since %s: %w", sinceCursor, remote.ErrCursorExpired)
	}

	b := remote.NewDeltaBuilder()
	for _, r := range f.history {
		if r.seq <= since {
			continue
		}
		switch r.op {
		case opAdd:
			b.Add(r.id)
		case opDelete:
			b.Delete(r.id)
		case opLabelsAdded:
			b.AddLabels(r.id, r.labels)
		case opLabelsRemoved:
			b.RemoveLabels(r.id, r.labels)
		}
	}
	return b.Build(strconv.Itoa(f.seq)), nil
}

func (f *FakeMailbox) ModifyLabels(_ context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.find(id)
	if idx < 0 {
		return fmt.Errorf("message %s not found", id)
	}

	m := f.messages[idx].Cached()
	m.ApplyLabels(add, remove)
	f.messages[idx].Labels = m.Labels

	if len(add) > 0 {
		f.record(opLabelsAdded, id, slices.Clone(add))
	}
	if len(remove) > 0 {
		f.record(opLabelsRemoved, id, slices.Clone(remove))
	}
	return nil
}

func (f *FakeMailbox) Trash(ctx context.Context, id string) error {
	return f.ModifyLabels(ctx, id, []string{model.LabelTrash}, []string{model.LabelInbox})
}

func hasAll(labels, want []string) bool {
	for _, w := range want {
		if !slices.Contains(labels, w) {
			return false
		}
	}
	return true
}
