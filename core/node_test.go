package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"curvance/config"
	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/native/locker"
	"curvance/native/messaging"
	"curvance/native/oracle"
	"curvance/native/registry"
	"curvance/native/vecve"
	"curvance/observability/logging"
	"curvance/storage"
)

const testManifest = `adaptors:
  - id: "0x00000000000000000000000000000000000000a1"
    kind: manual
assets:
  - asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    symbol: WETH
    decimals: 18
    feeds:
      - adaptor: "0x00000000000000000000000000000000000000a1"
        inUSD: true
        price: "2000"
  - asset: "0x00000000000000000000000000000000000000c1"
    symbol: cWETH
    decimals: 18
markets:
  - token: "0x00000000000000000000000000000000000000c1"
    underlying: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    collateral: true
    params:
      collateralFactorBps: 8000
      liquidationThresholdBps: 9000
`

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	cWETH    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	manualID = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type captureSink struct{ events []events.Event }

func (c *captureSink) Emit(evt events.Event) { c.events = append(c.events, evt) }

type harness struct {
	node  *Node
	sink  *captureSink
	db    *storage.MemDB
	cfg   *config.Config
	epoch uint64
}

func (h *harness) now() time.Time {
	return h.cfg.Epochs.GenesisTime().Add(time.Duration(h.epoch)*vecve.EpochDuration + time.Minute)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{sink: &captureSink{}, db: storage.NewMemDB(), cfg: config.Default()}
	h.open(t)
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	manifest, err := config.ParseFeedManifest([]byte(testManifest))
	require.NoError(t, err)
	node, err := NewNode(h.cfg, manifest, h.db, WithEventSink(h.sink), WithNowFunc(h.now))
	require.NoError(t, err)
	h.node = node
}

func wad(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), nativecommon.WAD())
}

func TestBootstrapGrantsModuleRoles(t *testing.T) {
	h := newHarness(t)
	reg := h.node.Registry()
	acc := h.node.Accounts()
	require.True(t, reg.HasDaoPermissions(acc.DAO))
	require.True(t, reg.HasLockingPermissions(acc.VeCVE))
	require.True(t, reg.HasHarvestPermissions(acc.Fees))
	require.True(t, reg.HasHarvestPermissions(acc.Hub))
	require.True(t, reg.HasMessagingPermissions(acc.Relayer))
	require.False(t, reg.HasLockingPermissions(alice))

	// Reopening over the committed state must not fail on existing grants.
	h.open(t)
	members, err := h.node.Registry().Members(registry.RoleHarvest)
	require.NoError(t, err)
	require.Len(t, members, 3)
}

func TestManifestInstallsFeedsAndMarkets(t *testing.T) {
	h := newHarness(t)
	weth := config.Address(h.cfg.Tokens.RewardToken)

	quote, err := h.node.Price(context.Background(), weth, true, false)
	require.NoError(t, err)
	require.Equal(t, oracle.NoError, quote.ErrorCode)
	require.Equal(t, wad(2000), quote.Price)

	_, ok := h.node.ManualAdaptor(manualID)
	require.True(t, ok)
	require.Equal(t, []common.Address{cWETH}, h.node.Market().Listed())

	require.NoError(t, h.node.Apply(func() error {
		return h.node.Tokens().Credit(cWETH, alice, wad(1))
	}))
	liq, err := h.node.MarketLiquidity(context.Background(), alice, oracle.Caution)
	require.NoError(t, err)
	require.Equal(t, wad(2000), liq.Collateral)
	require.Equal(t, wad(1600), liq.BorrowLimit)
	require.True(t, liq.Debt.IsZero())
}

func TestEpochRollAndClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.node.Accounts()
	weth := config.Address(h.cfg.Tokens.RewardToken)
	cve := config.Address(h.cfg.Tokens.LockAsset)

	require.NoError(t, h.node.Apply(func() error {
		if err := h.node.Tokens().Credit(cve, alice, uint256.NewInt(10)); err != nil {
			return err
		}
		return h.node.VeCVE().CreateLock(ctx, alice, uint256.NewInt(10), false)
	}))
	require.NoError(t, h.node.Apply(func() error {
		return h.node.Tokens().Credit(weth, acc.Harvester, uint256.NewInt(700))
	}))
	require.NoError(t, h.node.RecordFees(acc.Harvester, uint256.NewInt(700)))

	rolled, err := h.node.RollDueEpochs(ctx)
	require.NoError(t, err)
	require.Zero(t, rolled)

	h.epoch = 2
	rolled, err = h.node.RollDueEpochs(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rolled)

	summary, err := h.node.EpochSummary(0)
	require.NoError(t, err)
	require.True(t, summary.Rolled)
	require.Equal(t, new(uint256.Int).Mul(uint256.NewInt(70), nativecommon.WAD()), summary.RewardPerUnit)

	view, err := h.node.LockerUser(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(2), view.EpochsToClaim)
	require.Equal(t, uint64(10), view.Points.Uint64())
	require.Len(t, view.Locks, 1)

	var paid *uint256.Int
	require.NoError(t, h.node.Apply(func() error {
		var err error
		paid, err = h.node.Locker().ClaimRewards(ctx, alice, alice, locker.RewardsData{}, nil, 0)
		return err
	}))
	require.Equal(t, uint64(700), paid.Uint64())
	balance, err := h.node.Tokens().BalanceOf(weth, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(700), balance.Uint64())

	var sawPaid bool
	for _, evt := range h.sink.events {
		if evt.EventType() == events.TypeLockerRewardPaid {
			sawPaid = true
		}
	}
	require.True(t, sawPaid)
}

func TestFailedTransitionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	before := len(h.sink.events)
	boom := errors.New("boom")
	err := h.node.Apply(func() error {
		if err := h.node.Tokens().Credit(cWETH, alice, wad(5)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, h.sink.events, before)
	balance, err := h.node.Tokens().BalanceOf(cWETH, alice)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestReceiveMessageChecksSource(t *testing.T) {
	h := newHarness(t)
	msg := messaging.Message{Kind: messaging.KindLockPoints, SrcChainID: 77, DstChainID: h.cfg.ChainID, Nonce: 0}
	hash, err := msg.Hash()
	require.NoError(t, err)
	err = h.node.ReceiveMessage(context.Background(), messaging.Envelope{Message: msg, Hash: hash})
	require.ErrorIs(t, err, messaging.ErrUnsupportedChain)
	require.False(t, h.node.Hub().IsDelivered(hash))
}

func TestStartupLogsMaskSecrets(t *testing.T) {
	const secrets = `adaptors:
  - id: "0x00000000000000000000000000000000000000a2"
    kind: coingecko
    endpoint: "http://127.0.0.1:1/simple/price"
    apiKeyEnv: GECKO_KEY
`
	manifest, err := config.ParseFeedManifest([]byte(secrets))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	cfg := config.Default()
	cfg.Messaging.RemoteChains = []uint64{5}
	cfg.Messaging.Peers = map[string]string{"5": "http://127.0.0.1:1"}
	cfg.Messaging.BearerTokenEnv = "RELAY_TOKEN"
	env := map[string]string{"GECKO_KEY": "cg-live-key", "RELAY_TOKEN": "relay-live-token"}

	var out bytes.Buffer
	logger := slog.New(logging.NewHandler(&out, slog.LevelInfo))
	if _, err := NewNode(cfg, manifest, storage.NewMemDB(), WithLogger(logger), WithEnv(func(k string) string { return env[k] })); err != nil {
		t.Fatalf("new node: %v", err)
	}

	lines := out.String()
	for _, want := range []string{"price adaptor installed", "messaging transport configured"} {
		if !strings.Contains(lines, want) {
			t.Fatalf("missing %q in logs: %s", want, lines)
		}
	}
	for _, secret := range env {
		if strings.Contains(lines, secret) {
			t.Fatalf("secret %q leaked: %s", secret, lines)
		}
	}
	if strings.Count(lines, logging.RedactedValue) < 2 {
		t.Fatalf("expected masked api key and token: %s", lines)
	}
}
