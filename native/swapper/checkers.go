package swapper

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "curvance/native/common"
	"curvance/native/oracle"
)

// SelectorChecker accepts calls whose 4-byte selector is allow-listed and,
// when RecipientOffset is set, whose ABI word at that offset encodes the
// expected recipient.
type SelectorChecker struct {
	Selectors       map[[4]byte]struct{}
	RecipientOffset int
}

// NewSelectorChecker builds a checker for the provided selectors.
func NewSelectorChecker(recipientOffset int, selectors ...[4]byte) *SelectorChecker {
	allowed := make(map[[4]byte]struct{}, len(selectors))
	for _, sel := range selectors {
		allowed[sel] = struct{}{}
	}
	return &SelectorChecker{Selectors: allowed, RecipientOffset: recipientOffset}
}

// CheckCalldata implements CalldataChecker.
func (c *SelectorChecker) CheckCalldata(swap Swap, recipient common.Address) error {
	if len(swap.Call) < 4 {
		return fmt.Errorf("call too short")
	}
	var sel [4]byte
	copy(sel[:], swap.Call[:4])
	if _, ok := c.Selectors[sel]; !ok {
		return fmt.Errorf("selector %x not allowed", sel)
	}
	if c.RecipientOffset > 0 {
		end := c.RecipientOffset + 32
		if len(swap.Call) < end {
			return fmt.Errorf("call missing recipient word")
		}
		encoded := common.BytesToAddress(swap.Call[c.RecipientOffset:end])
		if encoded != recipient {
			return fmt.Errorf("recipient %s does not match %s", encoded.Hex(), recipient.Hex())
		}
	}
	return nil
}

// OracleExecutor fills swaps at router prices less a fee. It stands in for a
// DEX on devnets and in integration tests.
type OracleExecutor struct {
	prices priceSource
	tokens tokenLedger
	feeBps uint64
}

// NewOracleExecutor constructs an executor charging feeBps per swap.
func NewOracleExecutor(prices priceSource, tokens tokenLedger, feeBps uint64) *OracleExecutor {
	if feeBps >= nativecommon.BasisPoints {
		feeBps = nativecommon.BasisPoints - 1
	}
	return &OracleExecutor{prices: prices, tokens: tokens, feeBps: feeBps}
}

// Swap implements Executor.
func (e *OracleExecutor) Swap(ctx context.Context, _ common.Address, swap Swap) (*uint256.Int, error) {
	inQuote, err := e.prices.GetPrice(ctx, swap.InputToken, true, true)
	if err != nil {
		return nil, err
	}
	outQuote, err := e.prices.GetPrice(ctx, swap.OutputToken, true, false)
	if err != nil {
		return nil, err
	}
	if inQuote.ErrorCode == oracle.BadSource || outQuote.ErrorCode == oracle.BadSource || nativecommon.IsZero(outQuote.Price) {
		return nil, ErrPriceError
	}
	inDecimals, err := e.tokens.Decimals(swap.InputToken)
	if err != nil {
		return nil, err
	}
	outDecimals, err := e.tokens.Decimals(swap.OutputToken)
	if err != nil {
		return nil, err
	}
	wadIn, err := nativecommon.ScaleDecimals(swap.InputAmount, inDecimals, nativecommon.WADDecimals)
	if err != nil {
		return nil, err
	}
	wadOut, err := nativecommon.MulDiv(wadIn, inQuote.Price, outQuote.Price)
	if err != nil {
		return nil, err
	}
	if e.feeBps > 0 {
		if wadOut, err = nativecommon.ApplyBps(wadOut, nativecommon.BasisPoints-e.feeBps); err != nil {
			return nil, err
		}
	}
	return nativecommon.ScaleDecimals(wadOut, nativecommon.WADDecimals, outDecimals)
}
