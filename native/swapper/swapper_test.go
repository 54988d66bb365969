package swapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"curvance/core/state"
	"curvance/native/oracle"
	"curvance/native/registry"
	"curvance/native/token"
)

var (
	dao      = common.HexToAddress("0x00000000000000000000000000000000000000da")
	holder   = common.HexToAddress("0x000000000000000000000000000000000000c0c0")
	weth     = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	cve      = common.HexToAddress("0x0000000000000000000000000000000000000c0e")
	dex      = common.HexToAddress("0x000000000000000000000000000000000000de01")
	checkID  = common.HexToAddress("0x000000000000000000000000000000000000cc01")
	manualID = common.HexToAddress("0x000000000000000000000000000000000000a001")
	swapSel  = [4]byte{0x12, 0x34, 0x56, 0x78}
)

type fixedExecutor struct {
	out *uint256.Int
	err error
}

func (f fixedExecutor) Swap(context.Context, common.Address, Swap) (*uint256.Int, error) {
	return f.out, f.err
}

type fixture struct {
	state   *state.Manager
	reg     *registry.Registry
	router  *oracle.Router
	manual  *oracle.ManualAdaptor
	tokens  *token.Ledger
	swapper *Swapper
}

func wad(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), uint256.NewInt(1_000_000_000_000_000_000))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(nil)
	reg, err := registry.New(st, dao)
	require.NoError(t, err)
	router, err := oracle.NewRouter(reg, oracle.DefaultConfig())
	require.NoError(t, err)
	manual := oracle.NewManualAdaptor(0)
	manual.Set(weth, wad(2000), true, time.Now())
	manual.Set(cve, wad(1), true, time.Now())
	require.NoError(t, router.AddApprovedAdaptor(dao, manualID, manual))
	require.NoError(t, router.AddAssetPriceFeed(dao, weth, manualID))
	require.NoError(t, router.AddAssetPriceFeed(dao, cve, manualID))

	tokens := token.NewLedger(st)
	require.NoError(t, tokens.Register(weth, "WETH", 18))
	require.NoError(t, tokens.Register(cve, "CVE", 18))
	require.NoError(t, tokens.Credit(weth, holder, wad(1)))

	require.NoError(t, reg.AddSwapper(dao, dex))
	require.NoError(t, reg.SetCalldataChecker(dao, dex, checkID))

	s := New(reg, router, tokens, st)
	s.RegisterChecker(checkID, NewSelectorChecker(0, swapSel))
	return &fixture{state: st, reg: reg, router: router, manual: manual, tokens: tokens, swapper: s}
}

func (f *fixture) swap() Swap {
	return Swap{Target: dex, InputToken: weth, InputAmount: wad(1), OutputToken: cve, Call: append(swapSel[:], 0x00)}
}

func TestExecuteCreditsOutput(t *testing.T) {
	f := newFixture(t)
	f.swapper.RegisterExecutor(dex, NewOracleExecutor(f.router, f.tokens, 30))

	out, err := f.swapper.Execute(context.Background(), holder, f.swap())
	require.NoError(t, err)
	// 2000 CVE less the 0.3% fee.
	require.True(t, out.Eq(wad(1994)), "got %s", out)

	balance, err := f.tokens.BalanceOf(cve, holder)
	require.NoError(t, err)
	require.True(t, balance.Eq(out))
	balance, err = f.tokens.BalanceOf(weth, holder)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestExecuteRejectsSlippageAndReverts(t *testing.T) {
	f := newFixture(t)
	// 1899 CVE for 2000 USD of WETH loses more than 5%.
	f.swapper.RegisterExecutor(dex, fixedExecutor{out: wad(1899)})

	_, err := f.swapper.Execute(context.Background(), holder, f.swap())
	require.ErrorIs(t, err, ErrSlippage)
	balance, err := f.tokens.BalanceOf(weth, holder)
	require.NoError(t, err)
	require.True(t, balance.Eq(wad(1)), "input must be restored")

	f.swapper.RegisterExecutor(dex, fixedExecutor{out: wad(1900)})
	_, err = f.swapper.Execute(context.Background(), holder, f.swap())
	require.NoError(t, err)
}

func TestExecuteValidatesTargetAndCalldata(t *testing.T) {
	f := newFixture(t)
	f.swapper.RegisterExecutor(dex, fixedExecutor{out: wad(2000)})

	bad := f.swap()
	bad.Target = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_, err := f.swapper.Execute(context.Background(), holder, bad)
	require.ErrorIs(t, err, ErrInvalidTarget)

	bad = f.swap()
	bad.Call = []byte{0xde, 0xad, 0xbe, 0xef}
	_, err = f.swapper.Execute(context.Background(), holder, bad)
	require.ErrorIs(t, err, ErrInvalidCalldata)

	require.NoError(t, f.reg.SetCalldataChecker(dao, dex, common.Address{}))
	_, err = f.swapper.Execute(context.Background(), holder, f.swap())
	require.ErrorIs(t, err, ErrInvalidCalldata)
}

func TestExecuteRejectsUnusablePrice(t *testing.T) {
	f := newFixture(t)
	f.swapper.RegisterExecutor(dex, fixedExecutor{out: wad(2000)})
	f.manual.Set(cve, nil, true, time.Now())
	_, err := f.swapper.Execute(context.Background(), holder, f.swap())
	require.True(t, errors.Is(err, ErrPriceError), "got %v", err)
}

func TestSelectorCheckerRecipientWord(t *testing.T) {
	checker := NewSelectorChecker(4, swapSel)
	call := append([]byte{}, swapSel[:]...)
	call = append(call, common.LeftPadBytes(holder.Bytes(), 32)...)
	require.NoError(t, checker.CheckCalldata(Swap{Call: call}, holder))
	require.Error(t, checker.CheckCalldata(Swap{Call: call}, dex))
	require.Error(t, checker.CheckCalldata(Swap{Call: swapSel[:]}, holder))
}
