package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"curvance/config"
	"curvance/native/oracle"
	"curvance/native/registry"
	"curvance/native/swapper"
	"curvance/observability/logging"
)

// bootstrap grants the module roles and registers chains, tokens and the
// swap target. Every step is idempotent so restarts over existing state are
// no-ops.
func (n *Node) bootstrap() error {
	dao := n.accounts.DAO
	grants := []struct {
		role    registry.Role
		account common.Address
	}{
		{registry.RoleLocking, n.accounts.VeCVE},
		{registry.RoleHarvest, n.accounts.Fees},
		{registry.RoleHarvest, n.accounts.Hub},
		{registry.RoleHarvest, n.accounts.Harvester},
		{registry.RoleMessaging, n.accounts.Fees},
		{registry.RoleMessaging, n.accounts.Hub},
		{registry.RoleMessaging, n.accounts.Relayer},
	}
	for _, grant := range grants {
		if grant.account == (common.Address{}) || n.registry.HasRole(grant.role, grant.account) {
			continue
		}
		if err := n.registry.Grant(dao, grant.role, grant.account); err != nil {
			return fmt.Errorf("grant %s to %s: %w", grant.role, grant.account.Hex(), err)
		}
	}
	for _, chainID := range n.cfg.Messaging.RemoteChains {
		if n.registry.IsSupportedChain(chainID) {
			continue
		}
		if err := n.registry.AddChain(dao, chainID); err != nil {
			return err
		}
	}

	tokens := n.cfg.Tokens
	if err := n.tokens.Register(config.Address(tokens.RewardToken), tokens.RewardSymbol, tokens.RewardDecimals); err != nil {
		return err
	}
	if err := n.tokens.Register(config.Address(tokens.LockAsset), tokens.LockSymbol, 18); err != nil {
		return err
	}
	return n.installSwapTarget()
}

func (n *Node) installSwapTarget() error {
	spec := n.cfg.Swapper
	if strings.TrimSpace(spec.Target) == "" {
		return nil
	}
	target := config.Address(spec.Target)
	dao := n.accounts.DAO
	if !n.registry.IsSwapper(target) {
		if err := n.registry.AddSwapper(dao, target); err != nil {
			return err
		}
	}
	if checker, ok := n.registry.CalldataChecker(target); !ok || checker != target {
		if err := n.registry.SetCalldataChecker(dao, target, target); err != nil {
			return err
		}
	}
	selectors, err := spec.SelectorBytes()
	if err != nil {
		return err
	}
	n.swapper.RegisterChecker(target, swapper.NewSelectorChecker(spec.RecipientOffset, selectors...))
	n.swapper.RegisterExecutor(target, swapper.NewOracleExecutor(n.router, n.tokens, spec.FeeBps))
	return nil
}

// install approves the manifest adaptors, binds asset feeds and lists market
// tokens. Router and market configuration live in memory and are rebuilt on
// every start.
func (n *Node) install(manifest *config.FeedManifest, o options) error {
	dao := n.accounts.DAO
	coingecko := make(map[common.Address]*oracle.CoinGeckoAdaptor)
	chainlink := make(map[common.Address]*oracle.ChainlinkAdaptor)

	for _, spec := range manifest.Adaptors {
		id := common.HexToAddress(spec.ID)
		kind := strings.ToLower(strings.TrimSpace(spec.Kind))
		attrs := []any{"adaptor", id.Hex(), "kind", kind}
		var adaptor oracle.Adaptor
		switch kind {
		case config.AdaptorManual:
			manual := oracle.NewManualAdaptor(spec.MaxAge)
			manual.SetNowFunc(o.nowFn)
			n.manual[id] = manual
			adaptor = manual
		case config.AdaptorCoinGecko:
			apiKey := ""
			if spec.APIKeyEnv != "" {
				apiKey = o.getenv(spec.APIKeyEnv)
			}
			attrs = append(attrs, logging.MaskField("apiKey", apiKey))
			gecko := oracle.NewCoinGeckoAdaptor(o.httpClient, spec.Endpoint, apiKey, nil)
			coingecko[id] = gecko
			adaptor = gecko
		case config.AdaptorChainlink:
			endpoint := strings.TrimSpace(spec.RPC)
			if spec.RPCEnv != "" {
				if value := strings.TrimSpace(o.getenv(spec.RPCEnv)); value != "" {
					endpoint = value
				}
			}
			attrs = append(attrs, logging.MaskField("rpc", endpoint))
			caller, err := o.dial(endpoint)
			if err != nil {
				return fmt.Errorf("adaptor %s: dial: %w", id.Hex(), err)
			}
			feed := oracle.NewChainlinkAdaptor(caller)
			feed.SetNowFunc(o.nowFn)
			if spec.Sequencer != "" {
				feed.SetSequencer(common.HexToAddress(spec.Sequencer), spec.SequencerGrace)
			}
			chainlink[id] = feed
			adaptor = feed
		default:
			return fmt.Errorf("adaptor %s: unknown kind %q", id.Hex(), spec.Kind)
		}
		if err := n.router.AddApprovedAdaptor(dao, id, adaptor); err != nil {
			return err
		}
		n.logger.Info("price adaptor installed", attrs...)
	}

	for _, spec := range manifest.Assets {
		asset := common.HexToAddress(spec.Asset)
		if spec.Symbol != "" {
			if err := n.tokens.Register(asset, spec.Symbol, spec.Decimals); err != nil {
				return err
			}
		}
		for _, feed := range spec.Feeds {
			id := common.HexToAddress(feed.Adaptor)
			switch {
			case n.manual[id] != nil:
				if feed.Price != "" {
					if err := n.manual[id].SetDecimal(asset, feed.Price, feed.InUSD, n.nowFn()); err != nil {
						return fmt.Errorf("asset %s: seed price: %w", asset.Hex(), err)
					}
				}
			case coingecko[id] != nil:
				coingecko[id].SetID(asset, feed.Coin)
			case chainlink[id] != nil:
				err := chainlink[id].SetFeed(asset, oracle.ChainlinkFeed{
					Aggregator: common.HexToAddress(feed.Aggregator),
					Heartbeat:  feed.Heartbeat,
					InUSD:      feed.InUSD,
				})
				if err != nil {
					return fmt.Errorf("asset %s: %w", asset.Hex(), err)
				}
			}
			if err := n.router.AddAssetPriceFeed(dao, asset, id); err != nil {
				return fmt.Errorf("asset %s: %w", asset.Hex(), err)
			}
		}
	}

	for _, spec := range manifest.Markets {
		listing := common.HexToAddress(spec.Token)
		underlying := common.HexToAddress(spec.Underlying)
		decimals, err := n.tokens.Decimals(underlying)
		if err != nil {
			return fmt.Errorf("market %s: %w", listing.Hex(), err)
		}
		tok := &ledgerMarketToken{
			ledger:     n.tokens,
			asset:      listing,
			underlying: underlying,
			decimals:   decimals,
			collateral: spec.Collateral,
		}
		if spec.DebtAsset != "" {
			tok.debtAsset = common.HexToAddress(spec.DebtAsset)
		}
		if err := n.market.ListToken(dao, listing, tok, spec.Params); err != nil {
			return fmt.Errorf("market %s: %w", listing.Hex(), err)
		}
	}
	return nil
}
