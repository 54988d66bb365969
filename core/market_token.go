package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "curvance/native/common"
	"curvance/native/oracle"
	"curvance/native/token"
)

// ledgerMarketToken reads positions straight from the token ledger: the
// account's balance of the listing token is collateral at a 1:1 exchange
// rate, its balance of the debt asset is outstanding debt.
type ledgerMarketToken struct {
	ledger     *token.Ledger
	asset      common.Address
	underlying common.Address
	debtAsset  common.Address
	decimals   uint8
	collateral bool
}

// AccountSnapshot implements oracle.MarketToken.
func (t *ledgerMarketToken) AccountSnapshot(_ context.Context, account common.Address) (oracle.AccountSnapshot, error) {
	snap := oracle.AccountSnapshot{
		Asset:        t.asset,
		Underlying:   t.underlying,
		Decimals:     t.decimals,
		IsCollateral: t.collateral,
		Balance:      new(uint256.Int),
		Debt:         new(uint256.Int),
		ExchangeRate: nativecommon.WAD(),
	}
	if t.collateral {
		balance, err := t.ledger.BalanceOf(t.asset, account)
		if err != nil {
			return oracle.AccountSnapshot{}, err
		}
		snap.Balance = balance
	}
	if t.debtAsset != (common.Address{}) {
		debt, err := t.ledger.BalanceOf(t.debtAsset, account)
		if err != nil {
			return oracle.AccountSnapshot{}, err
		}
		snap.Debt = debt
	}
	return snap, nil
}
