package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "curvance/native/common"
	"curvance/native/oracle"
)

var (
	ErrUnauthorized          = errors.New("market: unauthorized")
	ErrInvalidParameter      = errors.New("market: invalid parameter")
	ErrNotListed             = errors.New("market: token not listed")
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
)

// Params are the risk settings of one listed token, in basis points of the
// collateral value.
type Params struct {
	// CollateralFactorBps is the share of collateral value that can back new debt.
	CollateralFactorBps uint64 `yaml:"collateralFactorBps" toml:"CollateralFactorBps"`
	// LiquidationThresholdBps is the share at which a position becomes liquidatable.
	LiquidationThresholdBps uint64 `yaml:"liquidationThresholdBps" toml:"LiquidationThresholdBps"`
}

func (p Params) validate() error {
	if p.LiquidationThresholdBps > nativecommon.BasisPoints || p.CollateralFactorBps > p.LiquidationThresholdBps {
		return fmt.Errorf("%w: collateral factor %d must not exceed liquidation threshold %d (max %d)",
			ErrInvalidParameter, p.CollateralFactorBps, p.LiquidationThresholdBps, nativecommon.BasisPoints)
	}
	return nil
}

// Liquidity is an account's position valued in USD with 18 decimals.
type Liquidity struct {
	Collateral       *uint256.Int
	BorrowLimit      *uint256.Int
	LiquidationLimit *uint256.Int
	Debt             *uint256.Int
}

type priceSource interface {
	GetPrice(ctx context.Context, asset common.Address, inUSD, getLower bool) (oracle.Quote, error)
	GetPricesForMarket(ctx context.Context, account common.Address, tokens []oracle.MarketToken, breakpoint oracle.ErrorCode) ([]oracle.AccountSnapshot, []*uint256.Int, error)
}

type permissions interface {
	HasDaoPermissions(addr common.Address) bool
}

type listing struct {
	token  oracle.MarketToken
	params Params
}

// Manager values accounts across the listed market tokens using the price
// router.
type Manager struct {
	prices priceSource
	perms  permissions

	mu       sync.RWMutex
	listings map[common.Address]listing
}

// NewManager constructs an empty market.
func NewManager(prices priceSource, perms permissions) (*Manager, error) {
	if prices == nil || perms == nil {
		return nil, fmt.Errorf("market: price source and permissions required")
	}
	return &Manager{prices: prices, perms: perms, listings: make(map[common.Address]listing)}, nil
}

// ListToken adds a market token under asset. DAO only.
func (m *Manager) ListToken(caller, asset common.Address, token oracle.MarketToken, params Params) error {
	if !m.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if asset == (common.Address{}) || token == nil {
		return ErrInvalidParameter
	}
	if err := params.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[asset]; ok {
		return fmt.Errorf("%w: %s already listed", ErrInvalidParameter, asset.Hex())
	}
	m.listings[asset] = listing{token: token, params: params}
	return nil
}

// UpdateParams replaces the risk settings of a listed token. DAO only.
func (m *Manager) UpdateParams(caller, asset common.Address, params Params) error {
	if !m.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if err := params.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.listings[asset]
	if !ok {
		return ErrNotListed
	}
	entry.params = params
	m.listings[asset] = entry
	return nil
}

// DelistToken removes asset. DAO only.
func (m *Manager) DelistToken(caller, asset common.Address) error {
	if !m.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[asset]; !ok {
		return ErrNotListed
	}
	delete(m.listings, asset)
	return nil
}

// Listed returns the listed assets in ascending order.
func (m *Manager) Listed() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.listings))
	for asset := range m.listings {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Params returns the risk settings of asset.
func (m *Manager) Params(asset common.Address) (Params, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.listings[asset]
	return entry.params, ok
}

func (m *Manager) snapshot() ([]common.Address, []oracle.MarketToken, []Params) {
	assets := m.Listed()
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]oracle.MarketToken, len(assets))
	params := make([]Params, len(assets))
	for i, asset := range assets {
		tokens[i] = m.listings[asset].token
		params[i] = m.listings[asset].params
	}
	return assets, tokens, params
}

// Liquidity values account's collateral and debt. Prices flagged at or above
// breakpoint fail the call.
func (m *Manager) Liquidity(ctx context.Context, account common.Address, breakpoint oracle.ErrorCode) (Liquidity, error) {
	liq, _, err := m.liquidity(ctx, account, breakpoint)
	return liq, err
}

func (m *Manager) liquidity(ctx context.Context, account common.Address, breakpoint oracle.ErrorCode) (Liquidity, []oracle.AccountSnapshot, error) {
	out := Liquidity{
		Collateral:       new(uint256.Int),
		BorrowLimit:      new(uint256.Int),
		LiquidationLimit: new(uint256.Int),
		Debt:             new(uint256.Int),
	}
	_, tokens, params := m.snapshot()
	if len(tokens) == 0 {
		return out, nil, nil
	}
	snaps, prices, err := m.prices.GetPricesForMarket(ctx, account, tokens, breakpoint)
	if err != nil {
		return Liquidity{}, nil, err
	}
	for i, snap := range snaps {
		if snap.IsCollateral && !nativecommon.IsZero(snap.Balance) {
			underlying := nativecommon.Clone(snap.Balance)
			if !nativecommon.IsZero(snap.ExchangeRate) {
				if underlying, err = nativecommon.MulDiv(snap.Balance, snap.ExchangeRate, nativecommon.WAD()); err != nil {
					return Liquidity{}, nil, err
				}
			}
			value, err := valueOf(underlying, prices[i], snap.Decimals)
			if err != nil {
				return Liquidity{}, nil, err
			}
			if err := accumulate(out.Collateral, value, nativecommon.BasisPoints); err != nil {
				return Liquidity{}, nil, err
			}
			if err := accumulate(out.BorrowLimit, value, params[i].CollateralFactorBps); err != nil {
				return Liquidity{}, nil, err
			}
			if err := accumulate(out.LiquidationLimit, value, params[i].LiquidationThresholdBps); err != nil {
				return Liquidity{}, nil, err
			}
		}
		if !nativecommon.IsZero(snap.Debt) {
			value, err := valueOf(snap.Debt, prices[i], snap.Decimals)
			if err != nil {
				return Liquidity{}, nil, err
			}
			if err := accumulate(out.Debt, value, nativecommon.BasisPoints); err != nil {
				return Liquidity{}, nil, err
			}
		}
	}
	return out, snaps, nil
}

func valueOf(amount, price *uint256.Int, decimals uint8) (*uint256.Int, error) {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return nativecommon.MulDiv(amount, price, scale)
}

func accumulate(total, value *uint256.Int, bps uint64) error {
	share, err := nativecommon.ApplyBps(value, bps)
	if err != nil {
		return err
	}
	next, err := nativecommon.Add(total, share)
	if err != nil {
		return err
	}
	total.Set(next)
	return nil
}

// CanBorrow checks that account can take amount of asset's underlying as new
// debt. Caution prices block borrowing.
func (m *Manager) CanBorrow(ctx context.Context, account, asset common.Address, amount *uint256.Int) error {
	if nativecommon.IsZero(amount) {
		return ErrInvalidParameter
	}
	assets, _, _ := m.snapshot()
	index := -1
	for i, listed := range assets {
		if listed == asset {
			index = i
			break
		}
	}
	if index < 0 {
		return ErrNotListed
	}
	liq, snaps, err := m.liquidity(ctx, account, oracle.Caution)
	if err != nil {
		return err
	}
	snap := snaps[index]
	quote, err := m.prices.GetPrice(ctx, snap.Underlying, true, false)
	if err != nil {
		return err
	}
	if quote.ErrorCode >= oracle.Caution {
		return fmt.Errorf("%w: %s returned %s", oracle.ErrErrorCodeFlagged, snap.Underlying.Hex(), quote.ErrorCode)
	}
	extra, err := valueOf(amount, quote.Price, snap.Decimals)
	if err != nil {
		return err
	}
	debt, err := nativecommon.Add(liq.Debt, extra)
	if err != nil {
		return err
	}
	if debt.Gt(liq.BorrowLimit) {
		return fmt.Errorf("%w: debt %s above limit %s", ErrInsufficientLiquidity, debt.Dec(), liq.BorrowLimit.Dec())
	}
	return nil
}

// CanLiquidate reports whether account's debt exceeds its liquidation limit.
// Caution prices still allow liquidation; bad sources do not.
func (m *Manager) CanLiquidate(ctx context.Context, account common.Address) (bool, error) {
	liq, err := m.Liquidity(ctx, account, oracle.BadSource)
	if err != nil {
		return false, err
	}
	return liq.Debt.Gt(liq.LiquidationLimit), nil
}

// HealthFactor returns the liquidation limit over debt in WAD. Accounts
// without debt report the maximum value.
func (m *Manager) HealthFactor(ctx context.Context, account common.Address) (*uint256.Int, error) {
	liq, err := m.Liquidity(ctx, account, oracle.BadSource)
	if err != nil {
		return nil, err
	}
	if liq.Debt.IsZero() {
		return new(uint256.Int).SetAllOne(), nil
	}
	return nativecommon.MulDiv(liq.LiquidationLimit, nativecommon.WAD(), liq.Debt)
}
