package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

// SyncState represents the current state of an account's background sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "syncing"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID  string
	State      SyncState
	LastSync   time.Time
	LastResult *model.SyncResult
	Error      error
}

// SyncResultMsg is a tea.Msg sent when a sync run completes.
type SyncResultMsg struct {
	AccountID    string
	Result       *model.SyncResult
	Error        error
	AuthError    *AuthErrorMsg
	Notification *model.Notification
}

// AuthErrorMsg is a tea.Msg sent when an account's credentials are rejected.
type AuthErrorMsg struct {
	AccountID string
	Message   string
}

// Syncer runs one sync for an account. *Orchestrator implements it.
type Syncer interface {
	Sync(ctx context.Context, accountID string) (*model.SyncResult, error)
}

const (
	defaultPollInterval = 120 * time.Second
	defaultTimeout      = 120 * time.Second
)

// accountEntry holds a registered account and its trigger channel.
type accountEntry struct {
	cfg     model.AccountConfig
	trigger chan struct{}
}

// Poller runs background syncs for registered accounts on a ticker and on
// demand.
type Poller struct {
	syncer   Syncer
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	accounts map[string]*accountEntry
	statuses map[string]*SyncStatus
	resultCh chan SyncResultMsg
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// NewPoller creates a Poller. cfg supplies the default poll interval and the
// per-run timeout.
func NewPoller(syncer Syncer, cfg model.SyncConfig, logger *slog.Logger) *Poller {
	p := &Poller{
		syncer:   syncer,
		timeout:  time.Duration(cfg.TimeoutSec) * time.Second,
		interval: time.Duration(cfg.PollIntervalSec) * time.Second,
		logger:   logger.With("component", "poller"),
		accounts: make(map[string]*accountEntry),
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan SyncResultMsg, 16),
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	return p
}

// RegisterAccount adds an account to the poller. Registering after Start
// has no effect until the next Start.
func (p *Poller) RegisterAccount(cfg model.AccountConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accounts[cfg.ID] = &accountEntry{cfg: cfg, trigger: make(chan struct{}, 1)}
	p.statuses[cfg.ID] = &SyncStatus{AccountID: cfg.ID, State: SyncIdle}
}

// Start returns a tea.Cmd that starts a polling goroutine per account and
// waits for the first result.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	entries := make([]*accountEntry, 0, len(p.accounts))
	for _, e := range p.accounts {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.wg.Add(1)
		go p.pollAccount(e, stop)
	}

	return p.waitForResult()
}

// Stop halts all polling goroutines and waits for in-flight runs to finish.
// The poller can be started again afterwards.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Trigger requests an immediate sync of accountID. It reports false for
// unknown accounts. A trigger arriving while one is already pending is
// coalesced into it.
func (p *Poller) Trigger(accountID string) bool {
	p.mu.Lock()
	e, ok := p.accounts[accountID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return true
}

// RefreshAll triggers an immediate sync of every registered account.
func (p *Poller) RefreshAll() tea.Cmd {
	p.mu.Lock()
	ids := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Trigger(id)
	}
	return nil
}

// GetStatuses returns the current status of every account, ordered by id.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// Results exposes the result stream for callers outside Bubble Tea.
func (p *Poller) Results() <-chan SyncResultMsg {
	return p.resultCh
}

func (p *Poller) pollAccount(e *accountEntry, stop <-chan struct{}) {
	defer p.wg.Done()

	interval := time.Duration(e.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = p.interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runSync(e.cfg.ID)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.runSync(e.cfg.ID)
		case <-e.trigger:
			p.runSync(e.cfg.ID)
		}
	}
}

// runSync performs one sync under the timeout and publishes the outcome.
func (p *Poller) runSync(accountID string) {
	p.setStatus(accountID, SyncRunning, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	res, err := p.syncer.Sync(ctx, accountID)
	if err != nil {
		p.setStatus(accountID, SyncError, nil, err)
		p.logger.Warn("background sync failed", "account", accountID, "error", err)

		msg := SyncResultMsg{AccountID: accountID, Error: err}
		var authErr *remote.AuthError
		if errors.As(err, &authErr) {
			msg.AuthError = &AuthErrorMsg{
				AccountID: accountID,
				Message: fmt.Sprintf(
					"%s: authentication expired. Run 'mailcache account add --reconnect' to sign in again.",
					accountID,
				),
			}
			msg.Notification = newNotification(accountID, msg.AuthError.Message)
		} else {
			msg.Notification = newNotification(accountID, fmt.Sprintf("Sync failed for %s: %v", accountID, err))
		}
		p.sendResult(msg)
		return
	}

	p.setStatus(accountID, SyncIdle, res, nil)

	msg := SyncResultMsg{AccountID: accountID, Result: res}
	if res.Added > 0 {
		msg.Notification = newNotification(accountID, fmt.Sprintf("%d new message(s) in %s", res.Added, accountID))
	}
	p.sendResult(msg)
}

func newNotification(accountID, message string) *model.Notification {
	return &model.Notification{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

func (p *Poller) setStatus(accountID string, state SyncState, res *model.SyncResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[accountID]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.LastResult = res
	}
}

// sendResult publishes msg without blocking; results are dropped when no
// one is draining the channel.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
	}
}

func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next sync result.
// Call it after handling each SyncResultMsg to keep listening.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
