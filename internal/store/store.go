package store

import "context"

// Store is a durable key-value document map addressed by dotted paths
// such as "emails.<accountID>". Values are JSON-encoded.
//
// Set is atomic with respect to concurrent reads from the same process.
// There is no cross-process locking; one process owns the store.
type Store interface {
	// Get decodes the value at path into dst. If nothing is stored at path
	// it returns false and leaves dst untouched, so a caller's pre-filled
	// default stands.
	Get(ctx context.Context, path string, dst any) (bool, error)

	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error

	// Delete removes the value at path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// Keys lists every stored path that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear wipes the entire store.
	Clear(ctx context.Context) error

	Close() error
}
