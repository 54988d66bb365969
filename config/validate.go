package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/robfig/cron/v3"
)

// MaxClaimFeeBps caps the locker claim fee at 5%.
const MaxClaimFeeBps = 500

// ValidateConfig checks addresses, schedules and bounded parameters.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	accounts := map[string]string{
		"accounts.DAO":       cfg.Accounts.DAO,
		"accounts.Locker":    cfg.Accounts.Locker,
		"accounts.VeCVE":     cfg.Accounts.VeCVE,
		"accounts.Fees":      cfg.Accounts.Fees,
		"accounts.Hub":       cfg.Accounts.Hub,
		"accounts.Treasury":  cfg.Accounts.Treasury,
		"accounts.Harvester": cfg.Accounts.Harvester,
		"tokens.RewardToken": cfg.Tokens.RewardToken,
		"tokens.LockAsset":   cfg.Tokens.LockAsset,
	}
	for field, value := range accounts {
		if err := requireAddress(field, value); err != nil {
			return err
		}
	}
	if relayer := strings.TrimSpace(cfg.Accounts.Relayer); relayer != "" {
		if err := requireAddress("accounts.Relayer", relayer); err != nil {
			return err
		}
	}
	if cfg.Tokens.RewardToken == cfg.Tokens.LockAsset {
		return fmt.Errorf("tokens: reward token and lock asset must differ")
	}
	if _, err := time.Parse(time.RFC3339, cfg.Epochs.Genesis); err != nil {
		return fmt.Errorf("epochs: Genesis must be RFC 3339: %w", err)
	}
	if _, err := cron.ParseStandard(cfg.Epochs.RollSchedule); err != nil {
		return fmt.Errorf("epochs: RollSchedule: %w", err)
	}
	if err := cfg.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if cfg.Locker.ClaimFeeBps > MaxClaimFeeBps {
		return fmt.Errorf("locker: ClaimFeeBps %d exceeds %d", cfg.Locker.ClaimFeeBps, MaxClaimFeeBps)
	}
	if target := strings.TrimSpace(cfg.Swapper.Target); target != "" {
		if err := requireAddress("swapper.Target", target); err != nil {
			return err
		}
		if cfg.Swapper.FeeBps >= 10_000 {
			return fmt.Errorf("swapper: FeeBps must be below 10000")
		}
		if _, err := cfg.Swapper.SelectorBytes(); err != nil {
			return err
		}
	}
	for _, id := range cfg.Messaging.RemoteChains {
		if id == 0 || id == cfg.ChainID {
			return fmt.Errorf("messaging: invalid remote chain %d", id)
		}
	}
	for key, url := range cfg.Messaging.Peers {
		if _, err := strconv.ParseUint(key, 10, 64); err != nil {
			return fmt.Errorf("messaging: peer key %q is not a chain id", key)
		}
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("messaging: peer %s has an empty url", key)
		}
	}
	if cfg.API.RateLimitPerSecond < 0 || cfg.API.RateLimitBurst < 0 {
		return fmt.Errorf("api: rate limits must not be negative")
	}
	return nil
}

func requireAddress(field, value string) error {
	if !common.IsHexAddress(strings.TrimSpace(value)) {
		return fmt.Errorf("%s: %q is not a hex address", field, value)
	}
	return nil
}

// Address parses a validated hex address.
func Address(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

// PeerEndpoints converts the peer table to chain-keyed endpoints.
func (m Messaging) PeerEndpoints() map[uint64]string {
	out := make(map[uint64]string, len(m.Peers))
	for key, url := range m.Peers {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return out
}

// SelectorBytes decodes the allow-listed 4-byte selectors.
func (s Swapper) SelectorBytes() ([][4]byte, error) {
	out := make([][4]byte, 0, len(s.Selectors))
	for _, raw := range s.Selectors {
		decoded, err := hexutil.Decode(strings.TrimSpace(raw))
		if err != nil || len(decoded) != 4 {
			return nil, fmt.Errorf("swapper: selector %q must be 4 hex bytes", raw)
		}
		var sel [4]byte
		copy(sel[:], decoded)
		out = append(out, sel)
	}
	return out, nil
}

// GenesisTime returns the parsed epoch genesis.
func (e Epochs) GenesisTime() time.Time {
	parsed, err := time.Parse(time.RFC3339, e.Genesis)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
