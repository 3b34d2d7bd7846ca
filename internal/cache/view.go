package cache

import (
	"fmt"
	"strings"

	"github.com/nhle/mailcache/internal/model"
)

// View is a logical mailbox view.
type View string

const (
	ViewAll       View = "all"
	ViewInbox     View = "inbox"
	ViewUnread    View = "unread"
	ViewStarred   View = "starred"
	ViewImportant View = "important"
	ViewSent      View = "sent"
	ViewDrafts    View = "drafts"
	ViewTrash     View = "trash"
	ViewSpam      View = "spam"
)

var viewLabels = map[View][]string{
	ViewAll:       nil,
	ViewInbox:     {model.LabelInbox},
	ViewUnread:    {model.LabelUnread},
	ViewStarred:   {model.LabelStarred},
	ViewImportant: {model.LabelImportant},
	ViewSent:      {model.LabelSent},
	ViewDrafts:    {model.LabelDraft},
	ViewTrash:     {model.LabelTrash},
	ViewSpam:      {model.LabelSpam},
}

// Views lists every known view in display order.
func Views() []View {
	return []View{
		ViewAll, ViewInbox, ViewUnread, ViewStarred, ViewImportant,
		ViewSent, ViewDrafts, ViewTrash, ViewSpam,
	}
}

// ParseView parses a view name case-insensitively. Empty means all.
func ParseView(s string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return ViewAll, nil
	}
	if _, ok := viewLabels[v]; !ok {
		return "", fmt.Errorf("unknown view %q", s)
	}
	return v, nil
}

// Labels returns the labels a message must carry to appear in v.
func (v View) Labels() []string {
	return viewLabels[v]
}
