package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.toml")
	cfg := Default()
	cfg.Download.MaxGlobalThreads = 20
	cfg.Download.CdnRefresh.SpeedDropThreshold = 0.4

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 20, loaded.Download.MaxGlobalThreads)
	require.Equal(t, 0.4, loaded.Download.CdnRefresh.SpeedDropThreshold)
}

func TestLoadFillsOmittedKeysWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.toml")
	require.NoError(t, writeFile(path, "[download]\nmax_global_threads = 7\n"))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, loaded.Download.MaxGlobalThreads)
	require.Equal(t, Default().Upload.ChunkSizeMB, loaded.Upload.ChunkSizeMB)
	require.Equal(t, Default().Download.MaxRetries, loaded.Download.MaxRetries)
}
