package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Accounts.DAO != cfg.Accounts.DAO || reloaded.Oracle.CautionBps != cfg.Oracle.CautionBps {
		t.Fatalf("reloaded config differs: %+v", reloaded)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
ChainID = 10
FeedManifest = "feeds.yaml"

[epochs]
Genesis = "2024-03-01T00:00:00Z"
RollSchedule = "0 * * * *"

[oracle]
CautionBps = 10300
BadSourceBps = 10800
SnapshotCheck = true

[locker]
ClaimFeeBps = 25

[messaging]
RemoteChains = [1, 8453]
BearerTokenEnv = "CURVANCE_RELAY_TOKEN"

[messaging.Peers]
1 = "https://mainnet.example/"

[pauses]
Locker = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 10 || cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected root fields: %+v", cfg)
	}
	if cfg.Oracle.CautionBps != 10300 || !cfg.Oracle.SnapshotCheck {
		t.Fatalf("unexpected oracle section: %+v", cfg.Oracle)
	}
	if cfg.Locker.ClaimFeeBps != 25 {
		t.Fatalf("unexpected claim fee %d", cfg.Locker.ClaimFeeBps)
	}
	if !cfg.Pauses.IsPaused("locker") || cfg.Pauses.IsPaused("oracle") {
		t.Fatalf("unexpected pauses: %+v", cfg.Pauses)
	}
	peers := cfg.Messaging.PeerEndpoints()
	if peers[1] != "https://mainnet.example" {
		t.Fatalf("unexpected peers: %v", peers)
	}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !cfg.Epochs.GenesisTime().Equal(want) {
		t.Fatalf("unexpected genesis %s", cfg.Epochs.GenesisTime())
	}
	token := cfg.Messaging.Token(func(key string) string {
		if key == "CURVANCE_RELAY_TOKEN" {
			return "secret"
		}
		return ""
	})
	if token != "secret" {
		t.Fatalf("unexpected bearer token %q", token)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("Bogus = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"claim fee", func(c *Config) { c.Locker.ClaimFeeBps = 501 }, "ClaimFeeBps"},
		{"address", func(c *Config) { c.Accounts.Fees = "nope" }, "accounts.Fees"},
		{"schedule", func(c *Config) { c.Epochs.RollSchedule = "every now and then" }, "RollSchedule"},
		{"flags", func(c *Config) { c.Oracle.CautionBps = 12_000; c.Oracle.BadSourceBps = 11_000 }, "oracle"},
		{"remote chain", func(c *Config) { c.Messaging.RemoteChains = []uint64{c.ChainID} }, "remote chain"},
		{"peer key", func(c *Config) { c.Messaging.Peers = map[string]string{"base": "http://x"} }, "peer key"},
		{"selector", func(c *Config) { c.Swapper.Target = c.Accounts.Treasury; c.Swapper.Selectors = []string{"0x1234"} }, "selector"},
		{"same tokens", func(c *Config) { c.Tokens.LockAsset = c.Tokens.RewardToken }, "differ"},
	}
	if err := ValidateConfig(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

const manifest = `adaptors:
  - id: "0x00000000000000000000000000000000000000a1"
    kind: manual
    maxAge: 1h
  - id: "0x00000000000000000000000000000000000000a2"
    kind: coingecko
assets:
  - asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    symbol: WETH
    decimals: 18
    feeds:
      - adaptor: "0x00000000000000000000000000000000000000a1"
        inUSD: true
        price: "2000"
      - adaptor: "0x00000000000000000000000000000000000000a2"
        inUSD: true
        coin: ethereum
markets:
  - token: "0x00000000000000000000000000000000000000c1"
    underlying: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    collateral: true
    params:
      collateralFactorBps: 8000
      liquidationThresholdBps: 9000
`

func TestParseFeedManifest(t *testing.T) {
	parsed, err := ParseFeedManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Adaptors) != 2 || parsed.Adaptors[0].MaxAge != time.Hour {
		t.Fatalf("unexpected adaptors: %+v", parsed.Adaptors)
	}
	if len(parsed.Assets) != 1 || len(parsed.Assets[0].Feeds) != 2 {
		t.Fatalf("unexpected assets: %+v", parsed.Assets)
	}
	if parsed.Markets[0].Params.CollateralFactorBps != 8000 {
		t.Fatalf("unexpected market params: %+v", parsed.Markets[0].Params)
	}
}

func TestParseFeedManifestRejectsUndeclaredAdaptor(t *testing.T) {
	broken := strings.Replace(manifest, `adaptor: "0x00000000000000000000000000000000000000a2"`, `adaptor: "0x00000000000000000000000000000000000000a9"`, 1)
	if _, err := ParseFeedManifest([]byte(broken)); err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Fatalf("expected undeclared adaptor error, got %v", err)
	}
}

func TestLoadFeedManifestEmptyPath(t *testing.T) {
	parsed, err := LoadFeedManifest("")
	if err != nil || len(parsed.Assets) != 0 {
		t.Fatalf("expected empty manifest, got %+v %v", parsed, err)
	}
}
