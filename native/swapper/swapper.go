package swapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "curvance/native/common"
	"curvance/native/oracle"
)

var (
	ErrInvalidTarget   = errors.New("swapper: invalid target")
	ErrInvalidCalldata = errors.New("swapper: invalid calldata")
	ErrSlippage        = errors.New("swapper: slippage exceeded")
	ErrPriceError      = errors.New("swapper: price error")
	ErrInvalidSwap     = errors.New("swapper: invalid swap")
)

// DefaultSlippageBps bounds the value lost in a swap at 5%.
const DefaultSlippageBps uint64 = 500

// Swap describes one call into an approved swapper or zapper.
type Swap struct {
	Target      common.Address
	InputToken  common.Address
	InputAmount *uint256.Int
	OutputToken common.Address
	Call        []byte
	SlippageBps uint64
}

// Executor performs the swap for one approved target and reports the output
// amount received by the holder.
type Executor interface {
	Swap(ctx context.Context, holder common.Address, swap Swap) (*uint256.Int, error)
}

// CalldataChecker validates the call a target is about to receive.
type CalldataChecker interface {
	CheckCalldata(swap Swap, recipient common.Address) error
}

type targetRegistry interface {
	IsSwapper(target common.Address) bool
	IsZapper(target common.Address) bool
	CalldataChecker(target common.Address) (common.Address, bool)
}

type priceSource interface {
	GetPrice(ctx context.Context, asset common.Address, inUSD, getLower bool) (oracle.Quote, error)
}

type tokenLedger interface {
	Decimals(token common.Address) (uint8, error)
	Credit(token, to common.Address, amount *uint256.Int) error
	Debit(token, from common.Address, amount *uint256.Int) error
}

// Swapper validates and executes token conversions through governance
// approved targets.
type Swapper struct {
	registry targetRegistry
	prices   priceSource
	tokens   tokenLedger
	journal  nativecommon.Journal

	mu        sync.RWMutex
	executors map[common.Address]Executor
	checkers  map[common.Address]CalldataChecker
}

// New constructs a swapper. journal scopes the balance changes of one swap.
func New(registry targetRegistry, prices priceSource, tokens tokenLedger, journal nativecommon.Journal) *Swapper {
	return &Swapper{
		registry:  registry,
		prices:    prices,
		tokens:    tokens,
		journal:   journal,
		executors: make(map[common.Address]Executor),
		checkers:  make(map[common.Address]CalldataChecker),
	}
}

// RegisterExecutor binds the implementation serving target.
func (s *Swapper) RegisterExecutor(target common.Address, executor Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executor == nil {
		delete(s.executors, target)
		return
	}
	s.executors[target] = executor
}

// RegisterChecker binds the implementation behind a checker id.
func (s *Swapper) RegisterChecker(id common.Address, checker CalldataChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if checker == nil {
		delete(s.checkers, id)
		return
	}
	s.checkers[id] = checker
}

// Execute swaps swap.InputAmount of the input token held by holder into the
// output token and returns the amount received. The input is debited from
// holder and the output credited back to it.
func (s *Swapper) Execute(ctx context.Context, holder common.Address, swap Swap) (*uint256.Int, error) {
	if err := s.validate(holder, swap); err != nil {
		return nil, err
	}
	s.mu.RLock()
	executor := s.executors[swap.Target]
	s.mu.RUnlock()
	if executor == nil {
		return nil, fmt.Errorf("%w: no executor for %s", ErrInvalidTarget, swap.Target.Hex())
	}

	var received *uint256.Int
	err := nativecommon.Atomic(s.journal, nil, func() error {
		if err := s.tokens.Debit(swap.InputToken, holder, swap.InputAmount); err != nil {
			return err
		}
		out, err := executor.Swap(ctx, holder, swap)
		if err != nil {
			return fmt.Errorf("swapper: execute: %w", err)
		}
		if nativecommon.IsZero(out) {
			return ErrSlippage
		}
		if err := s.checkSlippage(ctx, swap, out); err != nil {
			return err
		}
		received = nativecommon.Clone(out)
		return s.tokens.Credit(swap.OutputToken, holder, received)
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

func (s *Swapper) validate(holder common.Address, swap Swap) error {
	if swap.InputToken == (common.Address{}) || swap.OutputToken == (common.Address{}) || swap.InputToken == swap.OutputToken {
		return ErrInvalidSwap
	}
	if nativecommon.IsZero(swap.InputAmount) {
		return ErrInvalidSwap
	}
	if swap.SlippageBps >= nativecommon.BasisPoints {
		return fmt.Errorf("%w: slippage %d bps", ErrInvalidSwap, swap.SlippageBps)
	}
	if !s.registry.IsSwapper(swap.Target) && !s.registry.IsZapper(swap.Target) {
		return fmt.Errorf("%w: %s not approved", ErrInvalidTarget, swap.Target.Hex())
	}
	checkerID, ok := s.registry.CalldataChecker(swap.Target)
	if !ok {
		return fmt.Errorf("%w: no checker for %s", ErrInvalidCalldata, swap.Target.Hex())
	}
	s.mu.RLock()
	checker := s.checkers[checkerID]
	s.mu.RUnlock()
	if checker == nil {
		return fmt.Errorf("%w: checker %s not loaded", ErrInvalidCalldata, checkerID.Hex())
	}
	if err := checker.CheckCalldata(swap, holder); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCalldata, err)
	}
	return nil
}

// checkSlippage values both legs in USD and rejects swaps that lost more than
// the allowed share of the input value.
func (s *Swapper) checkSlippage(ctx context.Context, swap Swap, out *uint256.Int) error {
	slippage := swap.SlippageBps
	if slippage == 0 {
		slippage = DefaultSlippageBps
	}
	inValue, err := s.value(ctx, swap.InputToken, swap.InputAmount)
	if err != nil {
		return err
	}
	outValue, err := s.value(ctx, swap.OutputToken, out)
	if err != nil {
		return err
	}
	minOut, err := nativecommon.ApplyBps(inValue, nativecommon.BasisPoints-slippage)
	if err != nil {
		return err
	}
	if outValue.Lt(minOut) {
		return fmt.Errorf("%w: received %s USD, minimum %s USD", ErrSlippage, oracle.FormatWad(outValue), oracle.FormatWad(minOut))
	}
	return nil
}

func (s *Swapper) value(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	decimals, err := s.tokens.Decimals(token)
	if err != nil {
		return nil, err
	}
	quote, err := s.prices.GetPrice(ctx, token, true, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceError, err)
	}
	if quote.ErrorCode == oracle.BadSource || nativecommon.IsZero(quote.Price) {
		return nil, fmt.Errorf("%w: %s unusable", ErrPriceError, token.Hex())
	}
	wadAmount, err := nativecommon.ScaleDecimals(amount, decimals, nativecommon.WADDecimals)
	if err != nil {
		return nil, err
	}
	return nativecommon.MulDiv(wadAmount, quote.Price, nativecommon.WAD())
}
