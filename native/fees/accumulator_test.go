package fees

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"curvance/core/events"
	"curvance/core/state"
	nativecommon "curvance/native/common"
	"curvance/native/locker"
	"curvance/native/messaging"
	"curvance/native/registry"
	"curvance/native/token"
	"curvance/native/vecve"
)

var (
	dao       = common.HexToAddress("0x00000000000000000000000000000000000000da")
	harvester = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	relayer   = common.HexToAddress("0x0000000000000000000000000000000000000e1a")
	feesAcc   = common.HexToAddress("0x000000000000000000000000000000000000fee0")
	hubAcc    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	lockerAcc = common.HexToAddress("0x000000000000000000000000000000000000100c")
	vecveAcc  = common.HexToAddress("0x000000000000000000000000000000000000ecf0")
	weth      = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	cve       = common.HexToAddress("0x0000000000000000000000000000000000000c0e")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	genesis   = time.Unix(1_700_000_000, 0).UTC()
)

const remoteChain = 5

type fixture struct {
	acc    *Accumulator
	locker *locker.Locker
	vecve  *vecve.Engine
	hub    *messaging.Hub
	tokens *token.Ledger
	events *events.Buffer
	epoch  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(nil)
	reg, err := registry.New(st, dao)
	require.NoError(t, err)
	for role, accounts := range map[registry.Role][]common.Address{
		registry.RoleHarvest:   {harvester, feesAcc, hubAcc},
		registry.RoleMessaging: {relayer, feesAcc, hubAcc},
		registry.RoleLocking:   {vecveAcc},
	} {
		for _, account := range accounts {
			require.NoError(t, reg.Grant(dao, role, account))
		}
	}
	require.NoError(t, reg.AddChain(dao, remoteChain))

	tokens := token.NewLedger(st)
	require.NoError(t, tokens.Register(weth, "WETH", 18))
	require.NoError(t, tokens.Register(cve, "CVE", 18))

	f := &fixture{tokens: tokens, events: events.NewBuffer()}
	engine, err := vecve.NewEngine(st, tokens, vecve.Config{Address: vecveAcc, LockAsset: cve, Locker: lockerAcc, Genesis: genesis})
	require.NoError(t, err)
	engine.SetNowFunc(func() time.Time {
		return genesis.Add(time.Duration(f.epoch)*vecve.EpochDuration + time.Minute)
	})
	ledger, err := locker.New(st, reg, tokens, engine, nil, locker.Config{Address: lockerAcc, RewardToken: weth})
	require.NoError(t, err)
	engine.SetRewardLedger(ledger)

	hub, err := messaging.New(st, reg, messaging.Config{Address: hubAcc, ChainID: 1})
	require.NoError(t, err)
	acc, err := New(st, reg, tokens, ledger, engine, hub, Config{Address: feesAcc, FeeToken: weth})
	require.NoError(t, err)
	hub.SetRewardSink(ledger)
	hub.SetPointsSink(acc)
	acc.SetEmitter(f.events)

	f.acc, f.locker, f.vecve, f.hub = acc, ledger, engine, hub
	return f
}

func (f *fixture) lock(t *testing.T, user common.Address, amount uint64, continuous bool) {
	t.Helper()
	require.NoError(t, f.tokens.Credit(cve, user, uint256.NewInt(amount)))
	require.NoError(t, f.vecve.CreateLock(context.Background(), user, uint256.NewInt(amount), continuous))
}

func wad(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), nativecommon.WAD())
}

func TestRecordFeesPoolsCurrentEpoch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tokens.Credit(weth, harvester, uint256.NewInt(500)))

	require.ErrorIs(t, f.acc.RecordFees(alice, uint256.NewInt(1)), ErrUnauthorized)
	require.ErrorIs(t, f.acc.RecordFees(harvester, new(uint256.Int)), ErrInvalidAmount)
	require.ErrorIs(t, f.acc.RecordFees(harvester, uint256.NewInt(501)), token.ErrInsufficientBalance)

	require.NoError(t, f.acc.RecordFees(harvester, uint256.NewInt(200)))
	require.NoError(t, f.acc.RecordFees(harvester, uint256.NewInt(300)))
	pool, err := f.acc.Pool(0)
	require.NoError(t, err)
	require.Equal(t, uint64(500), pool.Uint64())
	held, err := f.tokens.BalanceOf(weth, lockerAcc)
	require.NoError(t, err)
	require.Equal(t, uint64(500), held.Uint64())
	require.Equal(t, 2, f.events.Len())
}

func TestRollEpochSplitsAcrossChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, alice, 10, false)
	f.lock(t, bob, 30, true)
	require.NoError(t, f.tokens.Credit(weth, harvester, uint256.NewInt(700)))
	require.NoError(t, f.acc.RecordFees(harvester, uint256.NewInt(700)))

	_, err := f.acc.RollEpoch(ctx, harvester, 0)
	require.ErrorIs(t, err, ErrEpochNotEnded)

	f.epoch = 1
	require.ErrorIs(t, f.acc.RecordRemotePoints(alice, remoteChain, 0, uint256.NewInt(1)), ErrUnauthorized)
	require.ErrorIs(t, f.acc.RecordRemotePoints(relayer, 9, 0, uint256.NewInt(1)), ErrUnsupportedChain)
	require.NoError(t, f.acc.RecordRemotePoints(relayer, remoteChain, 0, uint256.NewInt(50)))
	require.NoError(t, f.acc.RecordRemotePoints(relayer, remoteChain, 0, uint256.NewInt(30)))
	remote, err := f.acc.RemotePoints(0)
	require.NoError(t, err)
	require.Equal(t, uint64(30), remote.Uint64())

	_, err = f.acc.RollEpoch(ctx, alice, 0)
	require.ErrorIs(t, err, ErrUnauthorized)
	rpu, err := f.acc.RollEpoch(ctx, harvester, 0)
	require.NoError(t, err)
	require.True(t, rpu.Eq(wad(7)))
	require.Equal(t, uint64(1), f.locker.NextEpochToDeliver())

	env, ok, err := f.hub.Outbox(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, messaging.KindEpochRewards, env.Message.Kind)
	require.Equal(t, uint64(remoteChain), env.Message.DstChainID)
	var sent messaging.EpochRewards
	require.NoError(t, messaging.Decode(env.Message.Payload, &sent))
	require.Equal(t, uint64(0), sent.Epoch)
	require.True(t, sent.RewardPerUnit.Eq(wad(7)))

	summary, err := f.acc.Summary(0)
	require.NoError(t, err)
	require.True(t, summary.Rolled)
	require.Equal(t, uint64(100), summary.TotalPoints.Uint64())

	require.ErrorIs(t, f.acc.RecordRemotePoints(relayer, remoteChain, 0, uint256.NewInt(1)), ErrEpochRolled)
	_, err = f.acc.RollEpoch(ctx, harvester, 0)
	require.ErrorIs(t, err, ErrEpochOutOfOrder)
	_, err = f.acc.RollEpoch(ctx, harvester, 1)
	require.ErrorIs(t, err, ErrEpochNotEnded)

	paid, err := f.locker.ClaimRewards(ctx, alice, alice, locker.RewardsData{}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(70), paid.Uint64())
	paid, err = f.locker.ClaimRewards(ctx, bob, bob, locker.RewardsData{}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(420), paid.Uint64())
}

func TestRollEpochWithoutPoints(t *testing.T) {
	f := newFixture(t)
	f.epoch = 2
	rpu, err := f.acc.RollEpoch(context.Background(), harvester, 0)
	require.NoError(t, err)
	require.True(t, rpu.IsZero())
	rpu, err = f.acc.RollEpoch(context.Background(), harvester, 1)
	require.NoError(t, err)
	require.True(t, rpu.IsZero())
	require.Equal(t, uint64(2), f.locker.NextEpochToDeliver())
}

func TestRollEpochCarriesUnclaimablePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.tokens.Credit(weth, harvester, uint256.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := f.acc.RecordFees(harvester, uint256.NewInt(100)); err != nil {
		t.Fatalf("record fees: %v", err)
	}

	f.epoch = 1
	rpu, err := f.acc.RollEpoch(ctx, harvester, 0)
	if err != nil {
		t.Fatalf("roll epoch 0: %v", err)
	}
	if !rpu.IsZero() {
		t.Fatalf("expected zero reward per unit without points, got %s", rpu)
	}
	next, err := f.acc.Pool(1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if next.Uint64() != 100 {
		t.Fatalf("expected pool carried into epoch 1, got %s", next)
	}
	var rolled *events.FeesEpochRolled
	for _, evt := range f.events.Events() {
		if e, ok := evt.(events.FeesEpochRolled); ok {
			rolled = &e
		}
	}
	if rolled == nil || rolled.Carried == nil || rolled.Carried.Uint64() != 100 {
		t.Fatalf("roll event does not report the carried pool: %+v", rolled)
	}

	f.lock(t, alice, 10, false)
	f.epoch = 2
	if rpu, err = f.acc.RollEpoch(ctx, harvester, 1); err != nil {
		t.Fatalf("roll epoch 1: %v", err)
	}
	if !rpu.Eq(wad(10)) {
		t.Fatalf("expected 10e18 per point, got %s", rpu)
	}
	paid, err := f.locker.ClaimRewards(ctx, alice, alice, locker.RewardsData{}, nil, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Uint64() != 100 {
		t.Fatalf("expected the carried pool paid out, got %s", paid)
	}
}

func TestRemotePointsArriveThroughHub(t *testing.T) {
	f := newFixture(t)
	payload, err := messaging.Encode(messaging.LockPoints{Epoch: 0, Points: uint256.NewInt(12)})
	require.NoError(t, err)
	msg := messaging.Message{Kind: messaging.KindLockPoints, SrcChainID: remoteChain, DstChainID: 1, Payload: payload}
	hash, err := msg.Hash()
	require.NoError(t, err)
	require.NoError(t, f.hub.Receive(context.Background(), relayer, messaging.Envelope{Message: msg, Hash: hash}))

	remote, err := f.acc.RemotePoints(0)
	require.NoError(t, err)
	require.Equal(t, uint64(12), remote.Uint64())
}

func TestReportPointsSendsLocalTotal(t *testing.T) {
	f := newFixture(t)
	f.lock(t, alice, 10, true)
	ctx := context.Background()
	_, err := f.acc.ReportPoints(ctx, harvester, remoteChain, 0)
	require.ErrorIs(t, err, ErrEpochNotEnded)

	f.epoch = 1
	hash, err := f.acc.ReportPoints(ctx, harvester, remoteChain, 0)
	require.NoError(t, err)
	env, ok, err := f.hub.Outbox(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hash, env.Hash)
	var report messaging.LockPoints
	require.NoError(t, messaging.Decode(env.Message.Payload, &report))
	require.Equal(t, uint64(20), report.Points.Uint64())
}
