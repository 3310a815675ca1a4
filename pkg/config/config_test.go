package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/databank/pkg/databank"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "databank.yaml")
	content := `data_dir: /var/lib/databank
vector_width: 128
max_entries: 5000
index_kind: ivf
ivf_clusters: 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/databank", cfg.DataDir)
	assert.Equal(t, uint16(128), cfg.VectorWidth)
	assert.Equal(t, uint32(5000), cfg.MaxEntries)
	assert.Equal(t, "ivf", cfg.IndexKind)
	assert.Equal(t, 16, cfg.IVFClusters)

	// Keys the file omits keep their defaults.
	assert.Equal(t, uint16(32), cfg.MaxEdgesPerEntry)
}

func TestEnvironmentShadowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "databank.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_width: 128\n"), 0o644))

	t.Setenv("DATABANK_VECTOR_WIDTH", "256")
	t.Setenv("DATABANK_DATA_DIR", "/tmp/override")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(256), cfg.VectorWidth)
	assert.Equal(t, "/tmp/override", cfg.DataDir)
}

func TestEnvironmentIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("DATABANK_MAX_ENTRIES", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint32(10_000), cfg.MaxEntries)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "databank.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_width: [oops\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.DataDir = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.VectorWidth = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxEntries = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.IndexKind = "hnsw"
	assert.Error(t, bad.Validate())
}

func TestBankDefaults(t *testing.T) {
	cfg := Default()
	cfg.IndexKind = "ivf"
	cfg.IVFClusters = 8
	cfg.IVFProbes = 2

	bc := cfg.BankDefaults()
	assert.Equal(t, databank.IndexIVF, bc.IndexKind)
	assert.Equal(t, uint16(64), bc.VectorWidth)
	assert.Equal(t, uint32(10_000), bc.MaxEntries)
	assert.Equal(t, 8, bc.IVFClusters)
	assert.Equal(t, 2, bc.IVFProbes)
}
