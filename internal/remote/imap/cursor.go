package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nhle/mailcache/internal/remote"
)

const cursorVersion = "v1"

// cursor is the INBOX position handed out as a history cursor.
type cursor struct {
	UIDValidity uint32
	UIDNext     uint32

	// Count is how many messages had a UID below UIDNext.
	Count uint32
}

func (c cursor) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", cursorVersion, c.UIDValidity, c.UIDNext, c.Count)
}

// parseCursor decodes a cursor string. Anything unrecognized is reported
// as an expired cursor so the caller falls back to a full sync.
func parseCursor(s string) (cursor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != cursorVersion {
		return cursor{}, fmt.Errorf("unrecognized cursor %q: %w", s, remote.ErrCursorExpired)
	}

	var nums [3]uint32
	for i, p := range parts[1:] {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return cursor{}, fmt.Errorf("malformed cursor %q: %w", s, remote.ErrCursorExpired)
		}
		nums[i] = uint32(n)
	}

	return cursor{UIDValidity: nums[0], UIDNext: nums[1], Count: nums[2]}, nil
}
