package model

import (
	"slices"
	"time"
)

// Well-known label identifiers. Flags on CachedMessage are derived from
// these and never set independently.
const (
	LabelInbox     = "INBOX"
	LabelUnread    = "UNREAD"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
	LabelSent      = "SENT"
	LabelDraft     = "DRAFT"
	LabelTrash     = "TRASH"
	LabelSpam      = "SPAM"
)

// Attachment holds metadata about a message attachment. The payload itself
// is fetched on demand and never cached.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// CachedMessage is a denormalized snapshot of a remote mail message as
// stored in the local cache.
type CachedMessage struct {
	// ID is unique within one account's message list.
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`

	From    string    `json:"from"`
	To      []string  `json:"to"`
	Cc      []string  `json:"cc,omitempty"`
	Bcc     []string  `json:"bcc,omitempty"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`

	// Snippet is the short preview text. Body and BodyHTML are empty for
	// messages fetched at preview fidelity.
	Snippet  string `json:"snippet"`
	Body     string `json:"body,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`

	IsRead      bool `json:"is_read"`
	IsStarred   bool `json:"is_starred"`
	IsImportant bool `json:"is_important"`

	// Labels is the source of truth for the flags above.
	Labels []string `json:"labels"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Summary is an annotation produced outside the sync engine.
	Summary string `json:"summary,omitempty"`
}

// HasLabel reports whether the message carries the given label.
func (m *CachedMessage) HasLabel(label string) bool {
	return slices.Contains(m.Labels, label)
}

// HasAllLabels reports whether the message carries every given label.
func (m *CachedMessage) HasAllLabels(labels []string) bool {
	for _, l := range labels {
		if !m.HasLabel(l) {
			return false
		}
	}
	return true
}

// RecomputeFlags re-derives IsRead, IsStarred and IsImportant from Labels.
func (m *CachedMessage) RecomputeFlags() {
	m.IsRead = !m.HasLabel(LabelUnread)
	m.IsStarred = m.HasLabel(LabelStarred)
	m.IsImportant = m.HasLabel(LabelImportant)
}

// ApplyLabels unions add onto the label set, subtracts remove, and
// recomputes the derived flags. It reports whether the label set changed.
func (m *CachedMessage) ApplyLabels(add, remove []string) bool {
	next := make([]string, 0, len(m.Labels)+len(add))
	seen := make(map[string]bool, len(m.Labels)+len(add))
	for _, l := range append(slices.Clone(m.Labels), add...) {
		if seen[l] || slices.Contains(remove, l) {
			continue
		}
		seen[l] = true
		next = append(next, l)
	}

	changed := !sameLabelSet(m.Labels, next)
	m.Labels = next
	m.RecomputeFlags()
	return changed
}

// MergeSummary carries prev's summary over when m has none of its own.
func (m *CachedMessage) MergeSummary(prev string) {
	if m.Summary == "" && prev != "" {
		m.Summary = prev
	}
}

// NormalizeLabels removes duplicate labels, keeping first occurrence order,
// and recomputes the derived flags.
func (m *CachedMessage) NormalizeLabels() {
	m.ApplyLabels(nil, nil)
}

func sameLabelSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, l := range a {
		if !slices.Contains(b, l) {
			return false
		}
	}
	return true
}
