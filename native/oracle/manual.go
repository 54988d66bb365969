package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

type manualEntry struct {
	price     *uint256.Int
	inUSD     bool
	updatedAt time.Time
}

// ManualAdaptor serves prices set by an operator. It backs tests and manual
// overrides during incident response.
type ManualAdaptor struct {
	mu     sync.RWMutex
	prices map[common.Address]manualEntry
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewManualAdaptor constructs an empty adaptor. A positive maxAge marks
// prices older than the window as errored.
func NewManualAdaptor(maxAge time.Duration) *ManualAdaptor {
	return &ManualAdaptor{
		prices: make(map[common.Address]manualEntry),
		maxAge: maxAge,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the staleness clock.
func (m *ManualAdaptor) SetNowFunc(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.nowFn = now
	m.mu.Unlock()
}

// Set stores a 1e18 fixed-point price for asset.
func (m *ManualAdaptor) Set(asset common.Address, price *uint256.Int, inUSD bool, ts time.Time) {
	if m == nil {
		return
	}
	entry := manualEntry{inUSD: inUSD, updatedAt: ts}
	if price != nil {
		entry.price = new(uint256.Int).Set(price)
	}
	m.mu.Lock()
	m.prices[asset] = entry
	m.mu.Unlock()
}

// SetDecimal parses a human readable price such as "1843.27".
func (m *ManualAdaptor) SetDecimal(asset common.Address, price string, inUSD bool, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual adaptor not configured")
	}
	value, err := ParseWad(price)
	if err != nil {
		return fmt.Errorf("manual adaptor: %w", err)
	}
	m.Set(asset, value, inUSD, ts)
	return nil
}

// Remove forgets asset.
func (m *ManualAdaptor) Remove(asset common.Address) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.prices, asset)
	m.mu.Unlock()
}

// IsSupportedAsset implements Adaptor.
func (m *ManualAdaptor) IsSupportedAsset(asset common.Address) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.prices[asset]
	return ok
}

// GetPrice implements Adaptor. The stored denomination is returned as is.
func (m *ManualAdaptor) GetPrice(_ context.Context, asset common.Address, _ bool, _ bool) (PriceResult, error) {
	if m == nil {
		return PriceResult{}, fmt.Errorf("manual adaptor not configured")
	}
	m.mu.RLock()
	entry, ok := m.prices[asset]
	now := m.nowFn()
	maxAge := m.maxAge
	m.mu.RUnlock()
	if !ok {
		return PriceResult{}, fmt.Errorf("manual adaptor: %w: %s", ErrNotSupported, asset.Hex())
	}
	res := PriceResult{InUSD: entry.inUSD}
	if entry.price == nil || entry.price.IsZero() {
		res.HadError = true
		return res, nil
	}
	if maxAge > 0 && now.Sub(entry.updatedAt) > maxAge {
		res.HadError = true
		return res, nil
	}
	res.Price = new(uint256.Int).Set(entry.price)
	return res, nil
}

// ParseWad converts a positive decimal string into a 1e18 fixed-point value.
// Digits beyond 18 decimals are truncated.
func ParseWad(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("price required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", raw)
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}
	scaled := value.Shift(18).Truncate(0).BigInt()
	out, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, fmt.Errorf("price %q out of range", raw)
	}
	if out.IsZero() {
		return nil, fmt.Errorf("price %q below precision", raw)
	}
	return out, nil
}

// FormatWad renders a 1e18 fixed-point value as a decimal string.
func FormatWad(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}
