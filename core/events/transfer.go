package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/types"
)

const (
	// TypeTransfer is emitted for token balance movements between accounts.
	TypeTransfer = "token.transfer"
)

// Transfer captures a token balance movement. A zero From marks a credit from
// an external protocol and a zero To marks a debit to one.
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"token":  formatAddress(e.Token),
		"amount": formatAmount(e.Amount),
	}
	if e.From != (common.Address{}) {
		attrs["from"] = e.From.Hex()
	}
	if e.To != (common.Address{}) {
		attrs["to"] = e.To.Hex()
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
