package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "cache.db"), schemas.NewDefaultLogger(schemas.LogLevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertAndGetByHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entry := Entry{
		RequestHash: "hash-1",
		Provider:    "openai",
		Endpoint:    "/v1/chat/completions",
		Model:       "gpt-4o",
		Host:        "api.openai.com",
		BatchID:     "batch_1",
		CustomID:    "req_1",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.UpsertMany(ctx, []Entry{entry}))

	got, err := store.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "batch_1", got.BatchID)

	miss, err := store.GetByHash(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestUpsert_ReplacesOnConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := Entry{RequestHash: "hash-1", Provider: "openai", BatchID: "batch_1", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.UpsertMany(ctx, []Entry{base}))

	updated := base
	updated.BatchID = "batch_2"
	require.NoError(t, store.UpsertMany(ctx, []Entry{updated}))

	got, err := store.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "batch_2", got.BatchID)
}

func TestDeleteOlderThan(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := Entry{RequestHash: "old", BatchID: "b1", CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour)}
	recent := Entry{RequestHash: "recent", BatchID: "b2", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.UpsertMany(ctx, []Entry{old, recent}))

	require.NoError(t, store.DeleteOlderThan(ctx, time.Now().UTC().Add(-Retention)))

	gotOld, err := store.GetByHash(ctx, "old")
	require.NoError(t, err)
	require.Nil(t, gotOld)

	gotRecent, err := store.GetByHash(ctx, "recent")
	require.NoError(t, err)
	require.NotNil(t, gotRecent)
}

func TestDeleteByHashes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMany(ctx, []Entry{
		{RequestHash: "a", BatchID: "b1", CreatedAt: time.Now().UTC()},
		{RequestHash: "b", BatchID: "b2", CreatedAt: time.Now().UTC()},
	}))

	require.NoError(t, store.DeleteByHashes(ctx, []string{"a"}))

	gotA, err := store.GetByHash(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, gotA)

	gotB, err := store.GetByHash(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, gotB)
}
