package cache

import (
	"errors"
	"fmt"

	"github.com/nhle/mailcache/internal/remote"
)

// FetchError reports a failed remote fetch on the read path. The cache is
// left as it was.
type FetchError struct {
	AccountID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching messages for %s: %v", e.AccountID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again later may succeed. Rejected
// credentials need the user to reconnect first.
func (e *FetchError) Retryable() bool {
	return !remote.IsAuthError(e.Err)
}

// IsFetchError reports whether err is or wraps a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
