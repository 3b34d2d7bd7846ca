package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailcache/internal/store"
)

// NewTestStore returns an empty document store on an in-memory SQLite
// database. It is closed when the test ends.
func NewTestStore(t testing.TB) store.Store {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err, "opening sqlite document store")
	t.Cleanup(func() {
		require.NoError(t, s.Close(), "closing sqlite document store")
	})
	return s
}

// NewTestRedisStore returns an empty document store on a throwaway Redis
// server, namespaced by the test name.
func NewTestRedisStore(t testing.TB) store.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(context.Background(), store.RedisOptions{
		Addr:   mr.Addr(),
		Prefix: strings.ReplaceAll(t.Name(), "/", "_"),
	})
	require.NoError(t, err, "connecting redis document store")
	t.Cleanup(func() { s.Close() })
	return s
}

// StoreBackends lists a constructor per document store backend, for tests
// that must hold on every backend.
func StoreBackends() map[string]func(testing.TB) store.Store {
	return map[string]func(testing.TB) store.Store{
		"sqlite": NewTestStore,
		"redis":  NewTestRedisStore,
	}
}
