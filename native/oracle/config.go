package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultCautionBps flags a 5% spread between two feeds.
	DefaultCautionBps uint64 = 10_500
	// DefaultBadSourceBps rejects a 10% spread between two feeds.
	DefaultBadSourceBps uint64 = 11_000
	// MinDivergenceBps and MaxDivergenceBps bound governance-set flags.
	MinDivergenceBps uint64 = 10_100
	MaxDivergenceBps uint64 = 20_000

	defaultSnapshotCap = 64
)

// Config captures the router parameters loaded from the node configuration.
type Config struct {
	CautionBps     uint64        `toml:"CautionBps" yaml:"cautionBps"`
	BadSourceBps   uint64        `toml:"BadSourceBps" yaml:"badSourceBps"`
	SnapshotCheck  bool          `toml:"SnapshotCheck" yaml:"snapshotCheck"`
	SnapshotWindow time.Duration `toml:"SnapshotWindow" yaml:"snapshotWindow"`
	SnapshotCap    int           `toml:"SnapshotCap" yaml:"snapshotCap"`
	ETHAsset       string        `toml:"ETHAsset" yaml:"ethAsset"`
}

// DefaultConfig returns the stock divergence flags with the snapshot check off.
func DefaultConfig() Config {
	return Config{
		CautionBps:   DefaultCautionBps,
		BadSourceBps: DefaultBadSourceBps,
		SnapshotCap:  defaultSnapshotCap,
	}
}

// Normalise fills zero values with defaults and trims the reference asset.
func (cfg Config) Normalise() Config {
	out := cfg
	if out.CautionBps == 0 {
		out.CautionBps = DefaultCautionBps
	}
	if out.BadSourceBps == 0 {
		out.BadSourceBps = DefaultBadSourceBps
	}
	if out.SnapshotCap <= 0 {
		out.SnapshotCap = defaultSnapshotCap
	}
	if out.SnapshotWindow < 0 {
		out.SnapshotWindow = 0
	}
	out.ETHAsset = strings.TrimSpace(out.ETHAsset)
	return out
}

// Validate checks the divergence bounds and the reference asset encoding.
func (cfg Config) Validate() error {
	if err := validateFlags(cfg.CautionBps, cfg.BadSourceBps); err != nil {
		return err
	}
	if cfg.ETHAsset != "" && !common.IsHexAddress(cfg.ETHAsset) {
		return fmt.Errorf("%w: eth asset %q is not an address", ErrInvalidParameter, cfg.ETHAsset)
	}
	return nil
}

// ETHAddress parses the reference asset; the zero address disables conversion.
func (cfg Config) ETHAddress() common.Address {
	if cfg.ETHAsset == "" || !common.IsHexAddress(cfg.ETHAsset) {
		return common.Address{}
	}
	return common.HexToAddress(cfg.ETHAsset)
}

func validateFlags(caution, badSource uint64) error {
	if caution < MinDivergenceBps || badSource > MaxDivergenceBps || caution >= badSource {
		return fmt.Errorf("%w: divergence flags must satisfy %d <= caution < badSource <= %d (got %d, %d)",
			ErrInvalidParameter, MinDivergenceBps, MaxDivergenceBps, caution, badSource)
	}
	return nil
}
