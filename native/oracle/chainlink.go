package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	nativecommon "curvance/native/common"
)

const aggregatorABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"latestRoundData","outputs":[
  {"name":"roundId","type":"uint80"},
  {"name":"answer","type":"int256"},
  {"name":"startedAt","type":"uint256"},
  {"name":"updatedAt","type":"uint256"},
  {"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse aggregator abi: %v", err))
	}
	return parsed
}

// DialContractCaller connects to the EVM RPC endpoint that serves aggregator
// reads.
func DialContractCaller(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ChainlinkFeed binds an asset to an aggregator contract.
type ChainlinkFeed struct {
	Aggregator common.Address
	Heartbeat  time.Duration
	InUSD      bool
}

// RoundData is the decoded latestRoundData answer.
type RoundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	StartedAt time.Time
	UpdatedAt time.Time
}

// ChainlinkAdaptor reads aggregator contracts through an EVM node.
type ChainlinkAdaptor struct {
	caller ethereum.ContractCaller

	mu             sync.RWMutex
	feeds          map[common.Address]ChainlinkFeed
	decimals       map[common.Address]uint8
	sequencer      common.Address
	sequencerGrace time.Duration
	nowFn          func() time.Time
}

// NewChainlinkAdaptor constructs an adaptor over caller.
func NewChainlinkAdaptor(caller ethereum.ContractCaller) *ChainlinkAdaptor {
	return &ChainlinkAdaptor{
		caller:   caller,
		feeds:    make(map[common.Address]ChainlinkFeed),
		decimals: make(map[common.Address]uint8),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the staleness clock.
func (c *ChainlinkAdaptor) SetNowFunc(now func() time.Time) {
	if c == nil || now == nil {
		return
	}
	c.mu.Lock()
	c.nowFn = now
	c.mu.Unlock()
}

// SetFeed binds asset to an aggregator.
func (c *ChainlinkAdaptor) SetFeed(asset common.Address, feed ChainlinkFeed) error {
	if c == nil {
		return fmt.Errorf("chainlink adaptor not configured")
	}
	if asset == (common.Address{}) || feed.Aggregator == (common.Address{}) {
		return ErrInvalidParameter
	}
	if feed.Heartbeat < 0 {
		return fmt.Errorf("%w: negative heartbeat", ErrInvalidParameter)
	}
	c.mu.Lock()
	c.feeds[asset] = feed
	c.mu.Unlock()
	return nil
}

// RemoveFeed unbinds asset.
func (c *ChainlinkAdaptor) RemoveFeed(asset common.Address) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.feeds, asset)
	c.mu.Unlock()
}

// SetSequencer enables the L2 sequencer uptime check. A zero address
// disables it.
func (c *ChainlinkAdaptor) SetSequencer(feed common.Address, grace time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sequencer = feed
	c.sequencerGrace = grace
	c.mu.Unlock()
}

// IsSupportedAsset implements Adaptor.
func (c *ChainlinkAdaptor) IsSupportedAsset(asset common.Address) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.feeds[asset]
	return ok
}

// GetPrice implements Adaptor. Answers are returned in the aggregator's own
// denomination scaled to 1e18.
func (c *ChainlinkAdaptor) GetPrice(ctx context.Context, asset common.Address, _ bool, _ bool) (PriceResult, error) {
	if c == nil || c.caller == nil {
		return PriceResult{}, fmt.Errorf("chainlink adaptor not configured")
	}
	c.mu.RLock()
	feed, ok := c.feeds[asset]
	sequencer := c.sequencer
	grace := c.sequencerGrace
	now := c.nowFn()
	c.mu.RUnlock()
	if !ok {
		return PriceResult{}, fmt.Errorf("chainlink adaptor: %w: %s", ErrNotSupported, asset.Hex())
	}
	errored := PriceResult{InUSD: feed.InUSD, HadError: true}

	if sequencer != (common.Address{}) {
		status, err := c.LatestRound(ctx, sequencer)
		if err != nil {
			return PriceResult{}, fmt.Errorf("chainlink adaptor: sequencer: %w", err)
		}
		// Uptime feeds answer 0 when the sequencer is up.
		if status.Answer.Sign() != 0 || now.Sub(status.StartedAt) <= grace {
			return errored, nil
		}
	}

	round, err := c.LatestRound(ctx, feed.Aggregator)
	if err != nil {
		return PriceResult{}, fmt.Errorf("chainlink adaptor: %w", err)
	}
	if round.Answer.Sign() <= 0 {
		return errored, nil
	}
	if feed.Heartbeat > 0 && now.Sub(round.UpdatedAt) > feed.Heartbeat {
		return errored, nil
	}
	decimals, err := c.Decimals(ctx, feed.Aggregator)
	if err != nil {
		return PriceResult{}, fmt.Errorf("chainlink adaptor: %w", err)
	}
	answer, overflow := uint256.FromBig(round.Answer)
	if overflow {
		return errored, nil
	}
	price, err := nativecommon.ScaleDecimals(answer, decimals, nativecommon.WADDecimals)
	if err != nil || price.IsZero() {
		return errored, nil
	}
	return PriceResult{Price: price, InUSD: feed.InUSD}, nil
}

// LatestRound calls latestRoundData on aggregator.
func (c *ChainlinkAdaptor) LatestRound(ctx context.Context, aggregator common.Address) (RoundData, error) {
	out, err := c.call(ctx, aggregator, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	if len(out) != 5 {
		return RoundData{}, fmt.Errorf("latestRoundData: unexpected output length %d", len(out))
	}
	roundID, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	startedAt, ok3 := out[2].(*big.Int)
	updatedAt, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return RoundData{}, fmt.Errorf("latestRoundData: unexpected output types")
	}
	return RoundData{
		RoundID:   roundID,
		Answer:    answer,
		StartedAt: time.Unix(startedAt.Int64(), 0),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

// Decimals returns the aggregator precision, cached after the first read.
func (c *ChainlinkAdaptor) Decimals(ctx context.Context, aggregator common.Address) (uint8, error) {
	c.mu.RLock()
	cached, ok := c.decimals[aggregator]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	out, err := c.call(ctx, aggregator, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals: unexpected output length %d", len(out))
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected output type %T", out[0])
	}
	c.mu.Lock()
	c.decimals[aggregator] = decimals
	c.mu.Unlock()
	return decimals, nil
}

func (c *ChainlinkAdaptor) call(ctx context.Context, target common.Address, method string) ([]interface{}, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	to := target
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, target.Hex(), err)
	}
	return parsedAggregatorABI.Unpack(method, raw)
}
