package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyLabelsKeepsFlagsConsistent(t *testing.T) {
	cases := []struct {
		name   string
		start  []string
		add    []string
		remove []string
		want   []string
	}{
		{"mark read", []string{LabelInbox, LabelUnread}, nil, []string{LabelUnread}, []string{LabelInbox}},
		{"star", []string{LabelInbox}, []string{LabelStarred}, nil, []string{LabelInbox, LabelStarred}},
		{"add and remove same label removes it", []string{LabelInbox}, []string{LabelImportant}, []string{LabelImportant}, []string{LabelInbox}},
		{"duplicate add", []string{LabelStarred}, []string{LabelStarred, LabelStarred}, nil, []string{LabelStarred}},
		{"remove absent", []string{LabelInbox}, nil, []string{LabelSpam}, []string{LabelInbox}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := CachedMessage{ID: "m1", Labels: tc.start}
			m.ApplyLabels(tc.add, tc.remove)

			assert.ElementsMatch(t, tc.want, m.Labels)
			assert.Equal(t, !m.HasLabel(LabelUnread), m.IsRead)
			assert.Equal(t, m.HasLabel(LabelStarred), m.IsStarred)
			assert.Equal(t, m.HasLabel(LabelImportant), m.IsImportant)
		})
	}
}

func TestApplyLabelsReportsChange(t *testing.T) {
	m := CachedMessage{Labels: []string{LabelInbox, LabelUnread}}

	assert.False(t, m.ApplyLabels([]string{LabelInbox}, nil))
	assert.True(t, m.ApplyLabels(nil, []string{LabelUnread}))
	assert.True(t, m.IsRead)
}

func TestMergeSummary(t *testing.T) {
	m := CachedMessage{}
	m.MergeSummary("old")
	assert.Equal(t, "old", m.Summary)

	fresh := CachedMessage{Summary: "new"}
	fresh.MergeSummary("old")
	assert.Equal(t, "new", fresh.Summary)
}

func TestHasAllLabels(t *testing.T) {
	m := CachedMessage{Labels: []string{LabelInbox, LabelUnread}}

	assert.True(t, m.HasAllLabels(nil))
	assert.True(t, m.HasAllLabels([]string{LabelInbox, LabelUnread}))
	assert.False(t, m.HasAllLabels([]string{LabelInbox, LabelStarred}))
}
