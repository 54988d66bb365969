package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
)

var (
	ErrUnknownToken        = errors.New("token: unknown token")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInvalidAmount       = errors.New("token: invalid amount")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Metadata describes a registered token.
type Metadata struct {
	Symbol   string
	Decimals uint8
}

// Ledger tracks token balances held by protocol accounts. Tokens entering or
// leaving through external protocols are modelled as Credit and Debit.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger constructs a ledger over state.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter wires the event sink.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

func metadataKey(token common.Address) []byte {
	return append([]byte("token/meta/"), token.Bytes()...)
}

func balanceKey(token, holder common.Address) []byte {
	key := make([]byte, 0, len("token/balance/")+2*common.AddressLength)
	key = append(key, "token/balance/"...)
	key = append(key, token.Bytes()...)
	return append(key, holder.Bytes()...)
}

// Register records token metadata. Re-registering overwrites it.
func (l *Ledger) Register(token common.Address, symbol string, decimals uint8) error {
	if token == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrUnknownToken)
	}
	if decimals > 36 {
		return fmt.Errorf("token: decimals %d out of range", decimals)
	}
	return l.state.KVPut(metadataKey(token), Metadata{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Decimals: decimals})
}

// Metadata returns the registered metadata of token.
func (l *Ledger) Metadata(token common.Address) (Metadata, error) {
	var meta Metadata
	ok, err := l.state.KVGet(metadataKey(token), &meta)
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return meta, nil
}

// Decimals returns the precision of token.
func (l *Ledger) Decimals(token common.Address) (uint8, error) {
	meta, err := l.Metadata(token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// BalanceOf returns holder's balance of token.
func (l *Ledger) BalanceOf(token, holder common.Address) (*uint256.Int, error) {
	balance := new(uint256.Int)
	if _, err := l.state.KVGet(balanceKey(token, holder), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (l *Ledger) setBalance(token, holder common.Address, amount *uint256.Int) error {
	return l.state.KVPut(balanceKey(token, holder), amount)
}

// Transfer moves amount of token from one holder to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if nativecommon.IsZero(amount) {
		return nil
	}
	if to == (common.Address{}) || from == (common.Address{}) {
		return fmt.Errorf("%w: zero holder", ErrInvalidAmount)
	}
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.debit(token, from, amount); err != nil {
			return err
		}
		if err := l.credit(token, to, amount); err != nil {
			return err
		}
		l.emitter.Emit(events.Transfer{Token: token, From: from, To: to, Amount: nativecommon.Clone(amount)})
		return nil
	})
}

// Credit adds tokens arriving from outside the ledger.
func (l *Ledger) Credit(token, to common.Address, amount *uint256.Int) error {
	if nativecommon.IsZero(amount) {
		return nil
	}
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.credit(token, to, amount); err != nil {
			return err
		}
		l.emitter.Emit(events.Transfer{Token: token, To: to, Amount: nativecommon.Clone(amount)})
		return nil
	})
}

// Debit removes tokens leaving the ledger.
func (l *Ledger) Debit(token, from common.Address, amount *uint256.Int) error {
	if nativecommon.IsZero(amount) {
		return nil
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.debit(token, from, amount); err != nil {
			return err
		}
		l.emitter.Emit(events.Transfer{Token: token, From: from, Amount: nativecommon.Clone(amount)})
		return nil
	})
}

func (l *Ledger) credit(token, to common.Address, amount *uint256.Int) error {
	balance, err := l.BalanceOf(token, to)
	if err != nil {
		return err
	}
	next, err := nativecommon.Add(balance, amount)
	if err != nil {
		return err
	}
	return l.setBalance(token, to, next)
}

func (l *Ledger) debit(token, from common.Address, amount *uint256.Int) error {
	balance, err := l.BalanceOf(token, from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), balance.Dec(), amount.Dec())
	}
	return l.setBalance(token, from, new(uint256.Int).Sub(balance, amount))
}
