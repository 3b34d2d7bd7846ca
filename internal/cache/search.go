package cache

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/nhle/mailcache/internal/model"
)

// searchable adapts messages to fuzzy.Source.
type searchable []model.CachedMessage

func (s searchable) String(i int) string {
	m := s[i]
	return strings.Join([]string{m.Subject, m.From, m.Snippet}, " ")
}

func (s searchable) Len() int {
	return len(s)
}

// search returns the messages matching text, best match first. Blank text
// returns msgs unchanged.
func search(msgs []model.CachedMessage, text string) []model.CachedMessage {
	text = strings.TrimSpace(text)
	if text == "" {
		return msgs
	}

	matches := fuzzy.FindFrom(text, searchable(msgs))
	out := make([]model.CachedMessage, 0, len(matches))
	for _, match := range matches {
		out = append(out, msgs[match.Index])
	}
	return out
}
