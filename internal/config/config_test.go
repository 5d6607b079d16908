package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultSafetyMargins(t *testing.T) {
	cfg := Default()

	require.Equal(t, int64(12*600), cfg.Swap.Bitcoin.SafetyMarginSeconds())
	require.Equal(t, int64(150*12), cfg.Swap.Ethereum.SafetyMarginSeconds())
	require.Greater(t, cfg.Swap.Bitcoin.SafetyMarginSeconds(), cfg.Swap.Ethereum.SafetyMarginSeconds())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnd.yaml")
	contents := []byte("node:\n  data_dir: /var/lib/cnd\nswap:\n  bitcoin:\n    safety_margin_blocks: 20\n")
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/cnd", cfg.Node.DataDir)
	require.Equal(t, 20, cfg.Swap.Bitcoin.SafetyMarginBlocks)
	// untouched sections keep their defaults
	require.Equal(t, 150, cfg.Swap.Ethereum.SafetyMarginBlocks)
	require.Equal(t, 10*time.Second, cfg.Swap.ConnectorTimeout)
}
