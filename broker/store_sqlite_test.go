package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "nested", "servers.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	second := stdioFSConfig()
	second.Name = "alpha"
	records := []ServerRecord{
		{ID: "fs", Config: stdioFSConfig(), Status: StatusDisconnected, RegisteredAt: now},
		{ID: "alpha", Config: second, Status: StatusDisconnected, RegisteredAt: now},
	}
	for _, r := range records {
		require.NoError(t, store.Upsert(ctx, r))
	}

	// Updating the first record must not move it behind the second.
	updated := records[0]
	updated.Status = StatusError
	updated.Error = "boom"
	require.NoError(t, store.Upsert(ctx, updated))

	listed, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "fs", listed[0].ID)
	assert.Equal(t, "alpha", listed[1].ID)
	assert.Equal(t, StatusError, listed[0].Status)
	assert.Equal(t, []string{"-test.run=TestBrokerStdioHelperProcess", "--", "--fs"}, listed[0].Config.Transport.Args)
	assert.True(t, listed[0].RegisteredAt.Equal(now))

	got, found, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", got.Config.Name)

	require.NoError(t, store.Delete(ctx, "fs"))
	_, found, err = store.Get(ctx, "fs")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteStoreBacksManagerAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	require.NoError(t, err)
	m := newTestManager(t, ManagerConfig{Store: store})
	_, err = m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	restored := newTestManager(t, ManagerConfig{Store: reopened})
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record, err := restored.Server("fs")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, record.Status)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteStoreConfig{})
	assert.Error(t, err)
}
