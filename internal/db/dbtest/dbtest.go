// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"epicflare/internal/db"
)

func New(t testing.TB) db.Database {
	t.Helper()

	ctx := context.Background()
	database, err := db.Open(ctx, "sqlite::memory:", db.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.EnsureSchema(ctx))
	return database
}
