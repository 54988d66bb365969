package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"curvance/native/oracle"
)

const (
	DefaultListenAddress = ":8545"
	DefaultDataDir       = "./curvance-data"
	DefaultChainID       = 1
	DefaultGenesis       = "2024-01-04T00:00:00Z"
	DefaultRollSchedule  = "@every 1h"
)

// Load reads the configuration at path, writing a default file when none
// exists, and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a single-chain development configuration.
func Default() *Config {
	cfg := &Config{
		ListenAddress: DefaultListenAddress,
		DataDir:       DefaultDataDir,
		Environment:   "local",
		ChainID:       DefaultChainID,
		Accounts: Accounts{
			DAO:       "0x00000000000000000000000000000000000000da",
			Locker:    "0x000000000000000000000000000000000000100c",
			VeCVE:     "0x000000000000000000000000000000000000ecf0",
			Fees:      "0x000000000000000000000000000000000000fee0",
			Hub:       "0x0000000000000000000000000000000000000b0b",
			Treasury:  "0x0000000000000000000000000000000000007e57",
			Harvester: "0x000000000000000000000000000000000000fee5",
			Relayer:   "0x0000000000000000000000000000000000000e1a",
		},
		Tokens: Tokens{
			RewardToken:    "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			RewardSymbol:   "WETH",
			RewardDecimals: 18,
			LockAsset:      "0x0000000000000000000000000000000000000c0e",
			LockSymbol:     "CVE",
		},
		Epochs: Epochs{Genesis: DefaultGenesis, RollSchedule: DefaultRollSchedule},
		Oracle: oracle.DefaultConfig(),
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		API: API{RateLimitPerSecond: 20, RateLimitBurst: 40},
	}
	return cfg
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(cfg.Epochs.Genesis) == "" {
		cfg.Epochs.Genesis = DefaultGenesis
	}
	if strings.TrimSpace(cfg.Epochs.RollSchedule) == "" {
		cfg.Epochs.RollSchedule = DefaultRollSchedule
	}
	if cfg.Tokens.RewardDecimals == 0 {
		cfg.Tokens.RewardDecimals = 18
	}
	cfg.Oracle = cfg.Oracle.Normalise()
	if cfg.Messaging.Peers == nil {
		cfg.Messaging.Peers = map[string]string{}
	}
	if cfg.FeedManifest != "" && !filepath.IsAbs(cfg.FeedManifest) && cfg.DataDir != "" {
		cfg.FeedManifest = filepath.Clean(cfg.FeedManifest)
	}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
