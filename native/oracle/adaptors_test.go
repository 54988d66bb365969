package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestManualAdaptorStaleness(t *testing.T) {
	manual := NewManualAdaptor(time.Minute)
	manual.SetNowFunc(func() time.Time { return testTime })
	require.NoError(t, manual.SetDecimal(assetX, "1843.27", true, testTime.Add(-30*time.Second)))

	res, err := manual.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.False(t, res.HadError)
	require.Equal(t, "1843.27", FormatWad(res.Price))

	manual.SetNowFunc(func() time.Time { return testTime.Add(2 * time.Minute) })
	res, err = manual.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.True(t, res.HadError)

	manual.Remove(assetX)
	require.False(t, manual.IsSupportedAsset(assetX))
	_, err = manual.GetPrice(context.Background(), assetX, true, false)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestParseWad(t *testing.T) {
	value, err := ParseWad("0.000000000000000001")
	require.NoError(t, err)
	require.Equal(t, uint64(1), value.Uint64())

	value, err = ParseWad(" 12.5 ")
	require.NoError(t, err)
	require.True(t, value.Eq(new(uint256.Int).Add(wad(12), new(uint256.Int).Div(wad(1), uint256.NewInt(2)))))

	for _, raw := range []string{"", "abc", "-1", "0", "0.0000000000000000001"} {
		_, err := ParseWad(raw)
		require.Errorf(t, err, "expected %q to be rejected", raw)
	}
}

type fakeRound struct {
	answer    int64
	startedAt time.Time
	updatedAt time.Time
}

type fakeCaller struct {
	decimals uint8
	rounds   map[common.Address]fakeRound
	fail     error
	calls    int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	decimalsMethod := parsedAggregatorABI.Methods["decimals"]
	roundMethod := parsedAggregatorABI.Methods["latestRoundData"]
	switch {
	case bytes.HasPrefix(msg.Data, decimalsMethod.ID):
		return decimalsMethod.Outputs.Pack(f.decimals)
	case bytes.HasPrefix(msg.Data, roundMethod.ID):
		round, ok := f.rounds[*msg.To]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		// Round timestamps are uint256 on chain; unset ones fall back to a
		// sibling timestamp or the test clock.
		updated := round.updatedAt
		if updated.IsZero() {
			updated = round.startedAt
		}
		if updated.IsZero() {
			updated = testTime
		}
		started := round.startedAt
		if started.IsZero() {
			started = updated
		}
		return roundMethod.Outputs.Pack(
			big.NewInt(7),
			big.NewInt(round.answer),
			big.NewInt(started.Unix()),
			big.NewInt(updated.Unix()),
			big.NewInt(7),
		)
	default:
		return nil, errors.New("unknown selector")
	}
}

var (
	aggregatorX = common.HexToAddress("0x000000000000000000000000000000000000c001")
	sequencerL2 = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

func TestChainlinkAdaptorScalesAnswer(t *testing.T) {
	caller := &fakeCaller{decimals: 8, rounds: map[common.Address]fakeRound{
		aggregatorX: {answer: 184_327_000_000, updatedAt: testTime.Add(-time.Minute)},
	}}
	adaptor := NewChainlinkAdaptor(caller)
	adaptor.SetNowFunc(func() time.Time { return testTime })
	require.NoError(t, adaptor.SetFeed(assetX, ChainlinkFeed{Aggregator: aggregatorX, Heartbeat: time.Hour, InUSD: true}))
	require.True(t, adaptor.IsSupportedAsset(assetX))

	res, err := adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.False(t, res.HadError)
	require.True(t, res.InUSD)
	require.Equal(t, "1843.27", FormatWad(res.Price))

	// decimals is cached after the first read.
	before := caller.calls
	_, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.Equal(t, before+1, caller.calls)
}

func TestChainlinkAdaptorFlagsBadRounds(t *testing.T) {
	caller := &fakeCaller{decimals: 8, rounds: map[common.Address]fakeRound{
		aggregatorX: {answer: 100_000_000, updatedAt: testTime.Add(-2 * time.Hour)},
	}}
	adaptor := NewChainlinkAdaptor(caller)
	adaptor.SetNowFunc(func() time.Time { return testTime })
	require.NoError(t, adaptor.SetFeed(assetX, ChainlinkFeed{Aggregator: aggregatorX, Heartbeat: time.Hour, InUSD: true}))

	res, err := adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.True(t, res.HadError, "stale round must be flagged")

	caller.rounds[aggregatorX] = fakeRound{answer: -5, updatedAt: testTime}
	res, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.True(t, res.HadError, "negative answer must be flagged")

	caller.fail = errors.New("connection refused")
	_, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.Error(t, err)
}

func TestChainlinkAdaptorSequencerCheck(t *testing.T) {
	caller := &fakeCaller{decimals: 8, rounds: map[common.Address]fakeRound{
		aggregatorX: {answer: 100_000_000, updatedAt: testTime},
		sequencerL2: {answer: 1, startedAt: testTime.Add(-time.Hour)},
	}}
	adaptor := NewChainlinkAdaptor(caller)
	adaptor.SetNowFunc(func() time.Time { return testTime })
	adaptor.SetSequencer(sequencerL2, 30*time.Minute)
	require.NoError(t, adaptor.SetFeed(assetX, ChainlinkFeed{Aggregator: aggregatorX, InUSD: true}))

	res, err := adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.True(t, res.HadError, "sequencer down")

	caller.rounds[sequencerL2] = fakeRound{answer: 0, startedAt: testTime.Add(-10 * time.Minute)}
	res, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.True(t, res.HadError, "sequencer inside grace period")

	caller.rounds[sequencerL2] = fakeRound{answer: 0, startedAt: testTime.Add(-time.Hour)}
	res, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.NoError(t, err)
	require.False(t, res.HadError)
	require.True(t, res.Price.Eq(wad(1)))
}

func TestCoinGeckoAdaptor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Errorf("expected ids=ethereum, got %s", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("expected vs_currencies=usd, got %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ethereum": map[string]interface{}{"usd": 2456.5},
		})
	}))
	defer server.Close()

	adaptor := NewCoinGeckoAdaptor(server.Client(), server.URL, "", map[common.Address]string{assetETH: " Ethereum "})
	require.True(t, adaptor.IsSupportedAsset(assetETH))
	require.False(t, adaptor.IsSupportedAsset(assetX))

	res, err := adaptor.GetPrice(context.Background(), assetETH, false, false)
	require.NoError(t, err)
	require.True(t, res.InUSD)
	require.False(t, res.HadError)
	require.Equal(t, "2456.5", FormatWad(res.Price))

	_, err = adaptor.GetPrice(context.Background(), assetX, true, false)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestCoinGeckoAdaptorStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()
	adaptor := NewCoinGeckoAdaptor(server.Client(), server.URL, "", map[common.Address]string{assetX: "x"})
	_, err := adaptor.GetPrice(context.Background(), assetX, true, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}
