// Package config loads engine configuration from YAML with environment
// overrides. Every DATABANK_* variable shadows its YAML key, so deployments
// can run from a checked-in file and tune per host through the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/databank/pkg/databank"
)

// Config is the top-level engine configuration.
//
// Example Usage:
//
//	cfg, err := config.Load("databank.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cluster, err := databank.Open(cfg.DataDir)
type Config struct {
	// Storage
	DataDir string `yaml:"data_dir"`

	// ArchiveDir enables the eviction archive when non-empty.
	ArchiveDir string `yaml:"archive_dir"`

	// ArchiveSyncWrites forces fsync on every archive write.
	ArchiveSyncWrites bool `yaml:"archive_sync_writes"`

	// Bank defaults applied when a region does not override them.
	VectorWidth           uint16 `yaml:"vector_width"`
	MaxEntries            uint32 `yaml:"max_entries"`
	MaxEdgesPerEntry      uint16 `yaml:"max_edges_per_entry"`
	PersistAfterMutations uint32 `yaml:"persist_after_mutations"`
	PersistAfterTicks     uint64 `yaml:"persist_after_ticks"`

	// Index selection: "brute" or "ivf".
	IndexKind   string `yaml:"index_kind"`
	IVFClusters int    `yaml:"ivf_clusters"`
	IVFProbes   int    `yaml:"ivf_probes"`
}

// Default returns the standard configuration: ./data for snapshots, 64
// wide vectors, brute-force indexing, no archive.
func Default() Config {
	return Config{
		DataDir:               "./data",
		VectorWidth:           64,
		MaxEntries:            10_000,
		MaxEdgesPerEntry:      32,
		PersistAfterMutations: 100,
		PersistAfterTicks:     10_000,
		IndexKind:             "brute",
		IVFProbes:             4,
	}
}

// Load reads a YAML config file, falling back to defaults for absent keys,
// then applies DATABANK_* environment overrides. A missing file is not an
// error; the defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABANK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DATABANK_ARCHIVE_DIR"); v != "" {
		c.ArchiveDir = v
	}
	if v := os.Getenv("DATABANK_INDEX_KIND"); v != "" {
		c.IndexKind = v
	}
	if v, ok := envUint("DATABANK_VECTOR_WIDTH"); ok {
		c.VectorWidth = uint16(v)
	}
	if v, ok := envUint("DATABANK_MAX_ENTRIES"); ok {
		c.MaxEntries = uint32(v)
	}
	if v, ok := envUint("DATABANK_MAX_EDGES_PER_ENTRY"); ok {
		c.MaxEdgesPerEntry = uint16(v)
	}
	if v, ok := envUint("DATABANK_PERSIST_AFTER_MUTATIONS"); ok {
		c.PersistAfterMutations = uint32(v)
	}
	if v, ok := envUint("DATABANK_PERSIST_AFTER_TICKS"); ok {
		c.PersistAfterTicks = v
	}
	if v, ok := envUint("DATABANK_IVF_CLUSTERS"); ok {
		c.IVFClusters = int(v)
	}
	if v, ok := envUint("DATABANK_IVF_PROBES"); ok {
		c.IVFProbes = int(v)
	}
}

func envUint(name string) (uint64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.VectorWidth == 0 {
		return fmt.Errorf("config: vector_width must be positive")
	}
	if c.MaxEntries == 0 {
		return fmt.Errorf("config: max_entries must be positive")
	}
	switch c.IndexKind {
	case "brute", "ivf":
	default:
		return fmt.Errorf("config: index_kind must be %q or %q, got %q", "brute", "ivf", c.IndexKind)
	}
	return nil
}

// BankDefaults converts the config's bank defaults into the engine's
// per-bank configuration form.
func (c Config) BankDefaults() databank.BankConfig {
	kind := databank.IndexBruteForce
	if c.IndexKind == "ivf" {
		kind = databank.IndexIVF
	}
	return databank.BankConfig{
		VectorWidth:           c.VectorWidth,
		MaxEntries:            c.MaxEntries,
		MaxEdgesPerEntry:      c.MaxEdgesPerEntry,
		PersistAfterMutations: c.PersistAfterMutations,
		PersistAfterTicks:     c.PersistAfterTicks,
		IndexKind:             kind,
		IVFClusters:           c.IVFClusters,
		IVFProbes:             c.IVFProbes,
	}
}
