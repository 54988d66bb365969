package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"curvance/native/market"
)

// Adaptor kinds understood by the feed manifest.
const (
	AdaptorManual    = "manual"
	AdaptorChainlink = "chainlink"
	AdaptorCoinGecko = "coingecko"
)

// FeedManifest lists the adaptors, asset feeds and market listings the node
// installs at start-up.
type FeedManifest struct {
	Adaptors []AdaptorSpec `yaml:"adaptors"`
	Assets   []AssetSpec   `yaml:"assets"`
	Markets  []MarketSpec  `yaml:"markets"`
}

// AdaptorSpec describes one approved adaptor.
type AdaptorSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// manual
	MaxAge time.Duration `yaml:"maxAge"`

	// chainlink
	RPC            string        `yaml:"rpc"`
	RPCEnv         string        `yaml:"rpcEnv"`
	Sequencer      string        `yaml:"sequencer"`
	SequencerGrace time.Duration `yaml:"sequencerGrace"`

	// coingecko
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// AssetSpec registers an asset with the token ledger and binds its feeds.
type AssetSpec struct {
	Asset    string     `yaml:"asset"`
	Symbol   string     `yaml:"symbol"`
	Decimals uint8      `yaml:"decimals"`
	Feeds    []FeedSpec `yaml:"feeds"`
}

// FeedSpec binds an asset to one adaptor.
type FeedSpec struct {
	Adaptor    string        `yaml:"adaptor"`
	InUSD      bool          `yaml:"inUSD"`
	Aggregator string        `yaml:"aggregator"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
	Coin       string        `yaml:"coin"`
	Price      string        `yaml:"price"`
}

// MarketSpec lists a market token.
type MarketSpec struct {
	Token      string        `yaml:"token"`
	Underlying string        `yaml:"underlying"`
	DebtAsset  string        `yaml:"debtAsset"`
	Collateral bool          `yaml:"collateral"`
	Params     market.Params `yaml:"params"`
}

// LoadFeedManifest reads and validates the YAML manifest at path. An empty
// path yields an empty manifest.
func LoadFeedManifest(path string) (*FeedManifest, error) {
	if strings.TrimSpace(path) == "" {
		return &FeedManifest{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeds: read %s: %w", path, err)
	}
	return ParseFeedManifest(raw)
}

// ParseFeedManifest decodes a manifest document.
func ParseFeedManifest(raw []byte) (*FeedManifest, error) {
	var manifest FeedManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("feeds: decode: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks addresses, kinds and cross references.
func (m *FeedManifest) Validate() error {
	adaptors := make(map[common.Address]string, len(m.Adaptors))
	for i, adaptor := range m.Adaptors {
		if !common.IsHexAddress(adaptor.ID) {
			return fmt.Errorf("feeds: adaptors[%d]: id %q is not an address", i, adaptor.ID)
		}
		id := common.HexToAddress(adaptor.ID)
		if _, dup := adaptors[id]; dup {
			return fmt.Errorf("feeds: adaptors[%d]: duplicate id %s", i, id.Hex())
		}
		kind := strings.ToLower(strings.TrimSpace(adaptor.Kind))
		switch kind {
		case AdaptorManual, AdaptorCoinGecko:
		case AdaptorChainlink:
			if strings.TrimSpace(adaptor.RPC) == "" && strings.TrimSpace(adaptor.RPCEnv) == "" {
				return fmt.Errorf("feeds: adaptors[%d]: chainlink adaptor needs rpc or rpcEnv", i)
			}
			if adaptor.Sequencer != "" && !common.IsHexAddress(adaptor.Sequencer) {
				return fmt.Errorf("feeds: adaptors[%d]: sequencer %q is not an address", i, adaptor.Sequencer)
			}
		default:
			return fmt.Errorf("feeds: adaptors[%d]: unknown kind %q", i, adaptor.Kind)
		}
		adaptors[id] = kind
	}

	for i, asset := range m.Assets {
		if !common.IsHexAddress(asset.Asset) {
			return fmt.Errorf("feeds: assets[%d]: %q is not an address", i, asset.Asset)
		}
		if len(asset.Feeds) > 2 {
			return fmt.Errorf("feeds: assets[%d]: at most two feeds per asset", i)
		}
		for j, feed := range asset.Feeds {
			if !common.IsHexAddress(feed.Adaptor) {
				return fmt.Errorf("feeds: assets[%d].feeds[%d]: adaptor %q is not an address", i, j, feed.Adaptor)
			}
			kind, ok := adaptors[common.HexToAddress(feed.Adaptor)]
			if !ok {
				return fmt.Errorf("feeds: assets[%d].feeds[%d]: adaptor %s is not declared", i, j, feed.Adaptor)
			}
			switch kind {
			case AdaptorChainlink:
				if !common.IsHexAddress(feed.Aggregator) {
					return fmt.Errorf("feeds: assets[%d].feeds[%d]: chainlink feed needs an aggregator", i, j)
				}
			case AdaptorCoinGecko:
				if strings.TrimSpace(feed.Coin) == "" {
					return fmt.Errorf("feeds: assets[%d].feeds[%d]: coingecko feed needs a coin id", i, j)
				}
			}
		}
	}

	for i, listing := range m.Markets {
		for field, value := range map[string]string{"token": listing.Token, "underlying": listing.Underlying} {
			if !common.IsHexAddress(value) {
				return fmt.Errorf("feeds: markets[%d]: %s %q is not an address", i, field, value)
			}
		}
		if listing.DebtAsset != "" && !common.IsHexAddress(listing.DebtAsset) {
			return fmt.Errorf("feeds: markets[%d]: debtAsset %q is not an address", i, listing.DebtAsset)
		}
	}
	return nil
}
