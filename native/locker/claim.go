package locker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/native/swapper"
)

// ClaimRewards claims every pending epoch for user and pays recipient.
func (l *Locker) ClaimRewards(ctx context.Context, user, recipient common.Address, data RewardsData, swap *swapper.Swap, aux uint64) (*uint256.Int, error) {
	return l.claimGuarded(ctx, user, recipient, l.EpochsToClaim(user), data, swap, aux)
}

// ClaimRewardsFor claims epochs for user on behalf of caller, which must be
// the user, an approved delegate or the lock token.
func (l *Locker) ClaimRewardsFor(ctx context.Context, caller, user, recipient common.Address, epochs uint64, data RewardsData, swap *swapper.Swap, aux uint64) (*uint256.Int, error) {
	if caller != user && !l.IsDelegate(user, caller) && !l.perms.HasLockingPermissions(caller) {
		return nil, ErrUnauthorized
	}
	return l.claimGuarded(ctx, user, recipient, epochs, data, swap, aux)
}

// ClaimPendingFor pays out every pending epoch to user in the base reward
// token. The lock token calls it before changing a user's point structure;
// nothing pending is not an error.
func (l *Locker) ClaimPendingFor(ctx context.Context, caller, user common.Address) error {
	if !l.perms.HasLockingPermissions(caller) {
		return ErrUnauthorized
	}
	epochs := l.EpochsToClaim(user)
	if epochs == 0 {
		return nil
	}
	_, err := l.claimGuarded(ctx, user, user, epochs, RewardsData{}, nil, 0)
	return err
}

func (l *Locker) claimGuarded(ctx context.Context, user, recipient common.Address, epochs uint64, data RewardsData, swap *swapper.Swap, aux uint64) (*uint256.Int, error) {
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return nil, err
	}
	if user == (common.Address{}) || recipient == (common.Address{}) {
		return nil, ErrInvalidParameter
	}
	release, err := l.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	var paid *uint256.Int
	err = nativecommon.Atomic(l.state, l.emitter, func() error {
		amount, err := l.accrue(user, epochs)
		if err != nil {
			return err
		}
		paid, err = l.payout(ctx, user, recipient, amount, epochs, data, swap, aux)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// accrue walks the user's unclaimed epochs, decaying points where an unlock
// lands before counting the epoch, and advances the claim pointer.
func (l *Locker) accrue(user common.Address, epochs uint64) (*uint256.Int, error) {
	pending := l.EpochsToClaim(user)
	if epochs == 0 || epochs > pending {
		return nil, fmt.Errorf("%w: requested %d of %d", ErrNoEpochRewards, epochs, pending)
	}
	start := l.NextClaimIndex(user)
	total := new(uint256.Int)
	for epoch := start; epoch < start+epochs; epoch++ {
		unlocks, err := l.lock.UserUnlocksByEpoch(user, epoch)
		if err != nil {
			return nil, err
		}
		if !unlocks.IsZero() {
			if err := l.lock.UpdateUserPoints(l.cfg.Address, user, epoch); err != nil {
				return nil, err
			}
		}
		points, err := l.lock.UserPoints(user)
		if err != nil {
			return nil, err
		}
		rpu, err := l.EpochRewardsPerUnit(epoch)
		if err != nil {
			return nil, err
		}
		earned, err := nativecommon.Mul(points, rpu)
		if err != nil {
			return nil, err
		}
		if total, err = nativecommon.Add(total, earned); err != nil {
			return nil, err
		}
	}
	if err := l.state.KVPut(indexKey(user), start+epochs); err != nil {
		return nil, err
	}
	return total.Div(total, nativecommon.WAD()), nil
}

// payout takes the claim fee, converts into the desired token and either
// relocks or transfers the rest.
func (l *Locker) payout(ctx context.Context, user, recipient common.Address, amount *uint256.Int, epochs uint64, data RewardsData, swap *swapper.Swap, aux uint64) (*uint256.Int, error) {
	if amount.IsZero() {
		l.metrics.RecordClaim("zero")
		return amount, nil
	}
	token := l.cfg.RewardToken
	if fee := l.ClaimFeeBps(); fee > 0 && l.cfg.Treasury != (common.Address{}) {
		cut, err := nativecommon.ApplyBps(amount, fee)
		if err != nil {
			return nil, err
		}
		if err := l.tokens.Transfer(token, l.cfg.Address, l.cfg.Treasury, cut); err != nil {
			return nil, err
		}
		amount = new(uint256.Int).Sub(amount, cut)
	}

	desired := data.DesiredToken
	if desired == (common.Address{}) {
		desired = token
	}
	if desired != token && !amount.IsZero() {
		out, err := l.swap(ctx, amount, desired, swap)
		if err != nil {
			return nil, err
		}
		amount, token = out, desired
	}

	if data.ShouldLock {
		if token != l.lock.LockAsset() {
			return nil, ErrInvalidLockToken
		}
		if !amount.IsZero() {
			index := aux
			if data.IsFreshLock {
				index = FreshLockIndex
			}
			if err := l.lock.LockFor(ctx, l.cfg.Address, recipient, amount, index, data.Continuous); err != nil {
				return nil, err
			}
		}
	} else if err := l.tokens.Transfer(token, l.cfg.Address, recipient, amount); err != nil {
		return nil, err
	}

	if amount.IsZero() {
		l.metrics.RecordClaim("zero")
		return amount, nil
	}
	outcome := "paid"
	if data.ShouldLock {
		outcome = "locked"
	}
	l.metrics.RecordClaim(outcome)
	l.emitter.Emit(events.RewardPaid{
		User:      user,
		Recipient: recipient,
		Token:     token,
		Amount:    nativecommon.Clone(amount),
		Epochs:    epochs,
		Locked:    data.ShouldLock,
	})
	return amount, nil
}

func (l *Locker) swap(ctx context.Context, amount *uint256.Int, desired common.Address, params *swapper.Swap) (*uint256.Int, error) {
	if l.swapper == nil || params == nil {
		return nil, fmt.Errorf("%w: swap parameters required for %s", ErrInvalidSwap, desired.Hex())
	}
	if params.InputToken != l.cfg.RewardToken || params.OutputToken != desired {
		return nil, fmt.Errorf("%w: swap must convert %s into %s", ErrInvalidSwap, l.cfg.RewardToken.Hex(), desired.Hex())
	}
	swap := *params
	swap.InputAmount = new(uint256.Int).Set(amount)
	return l.swapper.Execute(ctx, l.cfg.Address, swap)
}
