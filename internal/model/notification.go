package model

import "time"

// Notification is a transient, non-blocking alert surfaced to the user
// about a background sync. Notifications are not persisted.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id"`

	// AccountID identifies the account whose sync produced the notification.
	AccountID string `json:"account_id"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at"`
}
