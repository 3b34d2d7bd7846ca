package testutil

import (
	"time"

	"github.com/nhle/mailcache/internal/model"
)

// BaseTime is the fixed "now" used across tests.
var BaseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// Clock returns a func that always reports t.
func Clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// Message builds a cached message with derived flags consistent with labels.
// Its date is BaseTime.
func Message(id string, labels ...string) model.CachedMessage {
	m := model.CachedMessage{
		ID:       id,
		ThreadID: "t-" + id,
		From:     "sender@example.com",
		To:       []string{"me@example.com"},
		Subject:  "Subject " + id,
		Date:     BaseTime,
		Snippet:  "snippet " + id,
		Labels:   append([]string{}, labels...),
	}
	m.RecomputeFlags()
	return m
}

// MessageAt is Message with an explicit date.
func MessageAt(id string, date time.Time, labels ...string) model.CachedMessage {
	m := Message(id, labels...)
	m.Date = date
	return m
}

// IDs returns the IDs of msgs in order.
func IDs(msgs []model.CachedMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
