package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

type fakeSyncer struct {
	mu    gosync.Mutex
	calls map[string]int
	err   error
	added int
}

func (f *fakeSyncer) Sync(_ context.Context, accountID string) (*model.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[accountID]++
	if f.err != nil {
		return nil, f.err
	}
	return &model.SyncResult{AccountID: accountID, Type: model.SyncTypeIncremental, Added: f.added}, nil
}

func (f *fakeSyncer) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func nextResult(t *testing.T, p *Poller) SyncResultMsg {
	t.Helper()
	select {
	case msg := <-p.Results():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync result")
		return SyncResultMsg{}
	}
}

func newTestPoller(s Syncer, ids ...string) *Poller {
	p := NewPoller(s, model.SyncConfig{PollIntervalSec: 3600, TimeoutSec: 5}, discardLogger)
	for _, id := range ids {
		p.RegisterAccount(model.AccountConfig{ID: id, Enabled: true})
	}
	return p
}

func TestPollerSyncsOnStartAndTrigger(t *testing.T) {
	s := &fakeSyncer{added: 2}
	p := newTestPoller(s, acct)

	require.NotNil(t, p.Start())
	defer p.Stop()

	msg := nextResult(t, p)
	assert.Equal(t, acct, msg.AccountID)
	require.NoError(t, msg.Error)
	require.NotNil(t, msg.Result)
	require.NotNil(t, msg.Notification)
	assert.NotEmpty(t, msg.Notification.ID)
	assert.Contains(t, msg.Notification.Message, "2 new message(s)")

	assert.True(t, p.Trigger(acct))
	nextResult(t, p)
	assert.Equal(t, 2, s.count(acct))

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncIdle, statuses[0].State)
	assert.False(t, statuses[0].LastSync.IsZero())
	require.NotNil(t, statuses[0].LastResult)
	assert.Equal(t, 2, statuses[0].LastResult.Added)
}

func TestPollerTriggerUnknownAccount(t *testing.T) {
	p := newTestPoller(&fakeSyncer{}, acct)
	assert.False(t, p.Trigger("other"))
}

func TestPollerStartTwiceIsNoop(t *testing.T) {
	p := newTestPoller(&fakeSyncer{}, acct)
	require.NotNil(t, p.Start())
	defer p.Stop()
	assert.Nil(t, p.Start())
}

func TestPollerRestartAfterStop(t *testing.T) {
	s := &fakeSyncer{}
	p := newTestPoller(s, acct)

	require.NotNil(t, p.Start())
	nextResult(t, p)
	p.Stop()

	require.NotNil(t, p.Start())
	nextResult(t, p)
	assert.NotPanics(t, p.Stop)
	assert.NotPanics(t, p.Stop)
	assert.Equal(t, 2, s.count(acct))
}

func TestPollerReportsAuthErrors(t *testing.T) {
	s := &fakeSyncer{err: &remote.AuthError{Provider: model.ProviderGmail, Message: "invalid_grant"}}
	p := newTestPoller(s, acct)
	p.Start()
	defer p.Stop()

	msg := nextResult(t, p)
	require.Error(t, msg.Error)
	require.NotNil(t, msg.AuthError)
	assert.Equal(t, acct, msg.AuthError.AccountID)
	require.NotNil(t, msg.Notification)

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncError, statuses[0].State)
	assert.Error(t, statuses[0].Error)
}

func TestPollerReportsPlainErrors(t *testing.T) {
	p := newTestPoller(&fakeSyncer{err: errors.New("network down")}, acct)
	p.Start()
	defer p.Stop()

	msg := nextResult(t, p)
	require.Error(t, msg.Error)
	assert.Nil(t, msg.AuthError)
	require.NotNil(t, msg.Notification)
	assert.Contains(t, msg.Notification.Message, "network down")
}

func TestPollerStatusesSortedByAccount(t *testing.T) {
	p := newTestPoller(&fakeSyncer{}, "zeta", "alpha", "mid")

	statuses := p.GetStatuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].AccountID)
	assert.Equal(t, "mid", statuses[1].AccountID)
	assert.Equal(t, "zeta", statuses[2].AccountID)
	assert.Equal(t, "idle", statuses[0].State.String())
}

func TestPollerRefreshAll(t *testing.T) {
	s := &fakeSyncer{}
	p := newTestPoller(s, "a", "b")

	p.Start()
	defer p.Stop()
	nextResult(t, p)
	nextResult(t, p)

	assert.Nil(t, p.RefreshAll())
	nextResult(t, p)
	nextResult(t, p)
	assert.Equal(t, 2, s.count("a"))
	assert.Equal(t, 2, s.count("b"))
}
