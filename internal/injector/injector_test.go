package injector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/config"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/storage/blob"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LogLevel = "silent"
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MinTickInterval = 0
	cfg.Processors = 1
	cfg.BlobPath = filepath.Join(t.TempDir(), "blobs", "shard.db")
	cfg.Rooms = []string{"W0N0"}
	return cfg
}

func TestInitializeServer(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	srv, cleanup, err := InitializeServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Close())
	cleanup()

	blobs, err := blob.OpenSQLite(cfg.BlobPath)
	require.NoError(t, err)
	defer func() { _ = blobs.Close() }()
	_, err = blobs.Get(ctx, room.TerrainKey("W0N0"))
	require.NoError(t, err)
}

func TestInitializeServer_BlobStoreFailure(t *testing.T) {
	cfg := testConfig(t)
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, nil, 0o600))
	cfg.BlobPath = filepath.Join(parent, "shard.db")

	_, _, err := InitializeServer(cfg)
	require.Error(t, err)
}

func TestProvideBlobStore_CleanupCloses(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	blobs, cleanup, err := ProvideBlobStore(cfg)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "k", []byte("v")))
	cleanup()
	require.Error(t, blobs.Put(ctx, "k", []byte("v")))
}
