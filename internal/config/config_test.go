package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/core/room"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardtick.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, Default(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
logLevel: debug
tickInterval: 250ms
processors: 2
rooms: [W0N0, E0N0]
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.LogLevel)
		require.Equal(t, 250*time.Millisecond, cfg.TickInterval)
		require.Equal(t, 2, cfg.Processors)
		require.Equal(t, []string{"W0N0", "E0N0"}, cfg.Rooms)
		require.Equal(t, Default().Shards, cfg.Shards)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "processors: 2\n")
		t.Setenv(EnvPrefix+"PROCESSORS", "6")
		t.Setenv(EnvPrefix+"STALL_TIMEOUT", "5s")
		t.Setenv(EnvPrefix+"ROOMS", "W1N1,W2N2")

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, 6, cfg.Processors)
		require.Equal(t, 5*time.Second, cfg.StallTimeout)
		require.Equal(t, []string{"W1N1", "W2N2"}, cfg.Rooms)
	})

	t.Run("empty file", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, ""))
		require.NoError(t, err)
		require.Equal(t, Default(), cfg)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load(writeConfig(t, "procesors: 2\n"))
		require.ErrorContains(t, err, "parse config")
	})

	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv(EnvPrefix+"PROCESSORS", "many")
		_, err := Load("")
		require.ErrorContains(t, err, "parse env")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.TickInterval = 0
	cfg.Processors = 0
	cfg.Rooms = []string{"W0N0", "lobby"}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorIs(t, err, room.ErrInvalidRoomName)
	require.ErrorContains(t, err, "tickInterval")
	require.ErrorContains(t, err, "processors")
}
