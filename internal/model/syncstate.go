package model

import "time"

// SyncType identifies which synchronization strategy produced a result.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// AccountSyncState is the per-account synchronization bookkeeping.
type AccountSyncState struct {
	AccountID string `json:"account_id"`

	// HistoryCursor is the opaque position for incremental sync. Empty
	// means no sync has completed and the next sync must be full.
	HistoryCursor string `json:"history_cursor,omitempty"`

	LastSyncAt          time.Time `json:"last_sync_at"`
	InitialSyncComplete bool      `json:"initial_sync_complete"`

	// PageToken is the remote continuation token for paging beyond the
	// cached list. Cleared on every incremental sync.
	PageToken string `json:"page_token,omitempty"`

	EmailCount int `json:"email_count"`
}

// SyncResult reports the outcome of one sync run.
type SyncResult struct {
	AccountID string   `json:"account_id"`
	Type      SyncType `json:"type"`

	// EmailCount is the size of the cached list after a full sync.
	EmailCount int `json:"email_count,omitempty"`

	Added        int `json:"added,omitempty"`
	Deleted      int `json:"deleted,omitempty"`
	LabelChanges int `json:"label_changes,omitempty"`

	// FellBack is set when an incremental attempt found its cursor expired
	// and a full sync ran instead.
	FellBack bool `json:"fell_back,omitempty"`

	Duration time.Duration `json:"duration"`
}
