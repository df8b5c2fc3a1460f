package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsSane(t *testing.T) {
	s := Default()
	require.Greater(t, s.NumWorkers, 0)
	require.Greater(t, s.MaxMalformedRecordsToTolerate, 0)
	require.Greater(t, s.PartitionDuration.Seconds(), 0.0)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logdeviced.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: n1\nnum_workers: 8\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "n1", s.NodeID)
	require.Equal(t, 8, s.NumWorkers)
	// Untouched fields keep their defaults.
	require.Equal(t, Default().WriteBatchSize, s.WriteBatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	require.Error(t, err)
}
