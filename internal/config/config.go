// Package config loads cnd's YAML configuration file. It mirrors the
// donor codebase's config package in spirit (one struct tree, sane zero-value
// defaults, a single loader) but trimmed to the concerns this node owns: node
// identity, connectors, timing/safety parameters, and storage location.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainTimeoutConfig governs the expiry/safety-margin invariant (I2) and the
// watcher's polling cadence for one ledger family. Modeled directly on the
// donor's ChainTimeoutConfig (MakerBlocks/TakerBlocks/SafetyMarginBlocks/
// MinConfirmations/AvgBlockTimeSeconds), trimmed to the two families this
// node supports.
type ChainTimeoutConfig struct {
	// MinConfirmations is how many confirmations the watcher requires before
	// treating a Deployed/Funded event as settled enough to report upward
	// (it still watches for reorgs below this depth).
	MinConfirmations int `yaml:"min_confirmations"`

	// AvgBlockTimeSeconds is used to translate SafetyMarginBlocks into a
	// wall-clock Δ for invariant I2.
	AvgBlockTimeSeconds int `yaml:"avg_block_time_seconds"`

	// SafetyMarginBlocks is the Δ expressed in blocks of this ledger.
	SafetyMarginBlocks int `yaml:"safety_margin_blocks"`

	// PollInterval is how often the forward-follow stage polls latest_block().
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SafetyMarginSeconds returns Δ in wall-clock seconds (§3 invariant I2).
func (c ChainTimeoutConfig) SafetyMarginSeconds() int64 {
	return int64(c.SafetyMarginBlocks) * int64(c.AvgBlockTimeSeconds)
}

// SwapConfig holds the cross-cutting swap parameters: secret size, block
// cache bound, connector timeouts, and per-family timeout configs. Grounded
// on the donor's SwapConfig/ChainTimeoutConfig pair.
type SwapConfig struct {
	SecretSize        int                `yaml:"secret_size"`
	BlockCacheSize    int                `yaml:"block_cache_size"`
	ConnectorTimeout  time.Duration      `yaml:"connector_timeout"`
	MaxBackoff        time.Duration      `yaml:"max_backoff"`
	ExpiryGraceBlocks int                `yaml:"expiry_grace_blocks"`
	Bitcoin           ChainTimeoutConfig `yaml:"bitcoin"`
	Ethereum          ChainTimeoutConfig `yaml:"ethereum"`
}

// NodeConfig describes this cnd instance's identity and storage.
type NodeConfig struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// ConnectorConfig is the address/credentials for one chain node.
type ConnectorConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`

	// HTLCContract is the deployed address of the shared HTLC contract on
	// this chain. Ethereum-only: Bitcoin HTLCs are per-swap P2WSH scripts,
	// not calls into a standing contract.
	HTLCContract string `yaml:"htlc_contract,omitempty"`
}

// Config is the top-level configuration tree loaded from YAML.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Bitcoin   ConnectorConfig `yaml:"bitcoin"`
	Ethereum  ConnectorConfig `yaml:"ethereum"`
	Swap      SwapConfig      `yaml:"swap"`
	Bootstrap []string        `yaml:"bootstrap_peers"`
}

// Default returns the configuration a node starts with when no file is
// present, or when the file omits a section. Bitcoin's safety margin
// defaults to 12 blocks at ~600s/block (≈2h); Ethereum's to 150 blocks at
// ~12s/block (≈30min) — the Δ resolution recorded against invariant I2 in
// SPEC_FULL.md §3.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:  "~/.cnd",
			LogLevel: "info",
		},
		Swap: SwapConfig{
			SecretSize:        32,
			BlockCacheSize:    144,
			ConnectorTimeout:  10 * time.Second,
			MaxBackoff:        60 * time.Second,
			ExpiryGraceBlocks: 6,
			Bitcoin: ChainTimeoutConfig{
				MinConfirmations:    1,
				AvgBlockTimeSeconds: 600,
				SafetyMarginBlocks:  12,
				PollInterval:        300 * time.Millisecond,
			},
			Ethereum: ChainTimeoutConfig{
				MinConfirmations:    1,
				AvgBlockTimeSeconds: 12,
				SafetyMarginBlocks:  150,
				PollInterval:        time.Second,
			},
		},
	}
}

// Load reads a YAML file at path and overlays it onto Default(). A missing
// file is not an error: the node starts from defaults alone, matching the
// donor's tolerance for partial/absent config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
