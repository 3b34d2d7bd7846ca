package imap

import (
	"fmt"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/nhle/mailcache/internal/model"
)

// flagImportant is the keyword used for the IMPORTANT label. Gmail's IMAP
// bridge and several clients agree on it.
const flagImportant goimap.Flag = "$Important"

// Mailboxes maps role labels to server mailbox names.
type Mailboxes map[string]string

// DefaultMailboxes matches the names used by most servers.
func DefaultMailboxes() Mailboxes {
	return Mailboxes{
		model.LabelInbox: "INBOX",
		model.LabelSent:  "Sent",
		model.LabelDraft: "Drafts",
		model.LabelTrash: "Trash",
		model.LabelSpam:  "Junk",
	}
}

// roleLabels lists role labels in lookup order.
var roleLabels = []string{
	model.LabelInbox,
	model.LabelSent,
	model.LabelDraft,
	model.LabelTrash,
	model.LabelSpam,
}

// mailboxFor picks the mailbox named by the first role label in labels and
// returns the remaining labels. With no role label it picks INBOX.
func (m Mailboxes) mailboxFor(labels []string) (string, []string) {
	mailbox := ""
	var rest []string
	for _, l := range labels {
		if name, ok := m[l]; ok && mailbox == "" && isRole(l) {
			mailbox = name
			continue
		}
		rest = append(rest, l)
	}
	if mailbox == "" {
		mailbox = m[model.LabelInbox]
	}
	return mailbox, rest
}

// roleOf returns the role label for a mailbox name, if any.
func (m Mailboxes) roleOf(mailbox string) string {
	for _, role := range roleLabels {
		if strings.EqualFold(m[role], mailbox) {
			return role
		}
	}
	return ""
}

func isRole(label string) bool {
	for _, r := range roleLabels {
		if r == label {
			return true
		}
	}
	return false
}

// labelsFromFlags derives cache labels from a message's flags and the
// mailbox it lives in.
func labelsFromFlags(flags []goimap.Flag, role string) []string {
	var labels []string
	if role != "" {
		labels = append(labels, role)
	}

	seen := false
	for _, f := range flags {
		switch {
		case strings.EqualFold(string(f), string(goimap.FlagSeen)):
			seen = true
		case strings.EqualFold(string(f), string(goimap.FlagFlagged)):
			labels = append(labels, model.LabelStarred)
		case strings.EqualFold(string(f), string(goimap.FlagDraft)):
			if role != model.LabelDraft {
				labels = append(labels, model.LabelDraft)
			}
		case strings.EqualFold(string(f), string(flagImportant)):
			labels = append(labels, model.LabelImportant)
		}
	}
	if !seen {
		labels = append(labels, model.LabelUnread)
	}
	return labels
}

// flagChanges translates label adds/removes into flag adds/removes.
// UNREAD is inverted onto \Seen. Labels without a flag are ignored.
func flagChanges(add, remove []string) (addFlags, delFlags []goimap.Flag) {
	for _, l := range add {
		switch l {
		case model.LabelUnread:
			delFlags = append(delFlags, goimap.FlagSeen)
		case model.LabelStarred:
			addFlags = append(addFlags, goimap.FlagFlagged)
		case model.LabelImportant:
			addFlags = append(addFlags, flagImportant)
		}
	}
	for _, l := range remove {
		switch l {
		case model.LabelUnread:
			addFlags = append(addFlags, goimap.FlagSeen)
		case model.LabelStarred:
			delFlags = append(delFlags, goimap.FlagFlagged)
		case model.LabelImportant:
			delFlags = append(delFlags, flagImportant)
		}
	}
	return addFlags, delFlags
}

// searchFlags maps non-role filter labels onto SEARCH flag criteria.
func searchFlags(labels []string, criteria *goimap.SearchCriteria) {
	for _, l := range labels {
		switch l {
		case model.LabelUnread:
			criteria.NotFlag = append(criteria.NotFlag, goimap.FlagSeen)
		case model.LabelStarred:
			criteria.Flag = append(criteria.Flag, goimap.FlagFlagged)
		case model.LabelImportant:
			criteria.Flag = append(criteria.Flag, flagImportant)
		}
	}
}

// messageID joins a mailbox and UID into a message ID.
func messageID(mailbox string, uid goimap.UID) string {
	return fmt.Sprintf("%s/%d", mailbox, uid)
}

// parseMessageID splits a message ID at its last slash, so mailbox names
// containing the hierarchy separator survive.
func parseMessageID(id string) (string, goimap.UID, error) {
	idx := strings.LastIndex(id, "/")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	uid, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	return id[:idx], goimap.UID(uid), nil
}
