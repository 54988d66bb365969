package locker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/native/swapper"
	"curvance/observability"
)

const moduleName = "locker"

type lockerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type permissions interface {
	HasDaoPermissions(addr common.Address) bool
	HasHarvestPermissions(addr common.Address) bool
	HasLockingPermissions(addr common.Address) bool
}

// lockToken is the vote-escrow engine holding user points.
type lockToken interface {
	LockAsset() common.Address
	UserPoints(user common.Address) (*uint256.Int, error)
	UserUnlocksByEpoch(user common.Address, epoch uint64) (*uint256.Int, error)
	UpdateUserPoints(caller, user common.Address, epoch uint64) error
	LockFor(ctx context.Context, caller, recipient common.Address, amount *uint256.Int, index uint64, continuous bool) error
}

type swapExecutor interface {
	Execute(ctx context.Context, holder common.Address, swap swapper.Swap) (*uint256.Int, error)
}

type tokenLedger interface {
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// Config binds the ledger to its accounts.
type Config struct {
	// Address is the account holding undistributed rewards.
	Address     common.Address
	RewardToken common.Address
	Treasury    common.Address
	ClaimFeeBps uint64
}

// Locker records per-epoch reward rates and pays users for the epochs they
// held points in.
type Locker struct {
	state   lockerState
	perms   permissions
	tokens  tokenLedger
	lock    lockToken
	swapper swapExecutor
	cfg     Config
	emitter events.Emitter
	pauses  nativecommon.PauseView
	guard   nativecommon.ReentrancyGuard
	metrics *observability.LockerMetrics
}

// New constructs the reward ledger.
func New(state lockerState, perms permissions, tokens tokenLedger, lock lockToken, swaps swapExecutor, cfg Config) (*Locker, error) {
	if state == nil || perms == nil || tokens == nil || lock == nil {
		return nil, fmt.Errorf("locker: state, permissions, tokens and lock token required")
	}
	if cfg.Address == (common.Address{}) || cfg.RewardToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: module address and reward token required", ErrInvalidParameter)
	}
	if cfg.ClaimFeeBps > MaxClaimFeeBps {
		return nil, fmt.Errorf("%w: claim fee %d bps above %d", ErrInvalidParameter, cfg.ClaimFeeBps, MaxClaimFeeBps)
	}
	return &Locker{
		state:   state,
		perms:   perms,
		tokens:  tokens,
		lock:    lock,
		swapper: swaps,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		metrics: observability.Locker(),
	}, nil
}

// SetEmitter wires the event sink.
func (l *Locker) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// SetPauses wires the pause view consulted before claims.
func (l *Locker) SetPauses(p nativecommon.PauseView) { l.pauses = p }

// Address returns the ledger's module account.
func (l *Locker) Address() common.Address { return l.cfg.Address }

// RewardToken returns the base reward token.
func (l *Locker) RewardToken() common.Address { return l.cfg.RewardToken }

// NextEpochToDeliver returns the next epoch awaiting its reward rate.
func (l *Locker) NextEpochToDeliver() uint64 {
	var next uint64
	if _, err := l.state.KVGet(nextEpochKey, &next); err != nil {
		return 0
	}
	return next
}

// EpochRewardsPerUnit returns the reward per point of a delivered epoch, or
// zero for undelivered ones.
func (l *Locker) EpochRewardsPerUnit(epoch uint64) (*uint256.Int, error) {
	value := new(uint256.Int)
	if _, err := l.state.KVGet(epochKey(epoch), value); err != nil {
		return nil, err
	}
	return value, nil
}

// NextClaimIndex returns the first epoch the user has not claimed.
func (l *Locker) NextClaimIndex(user common.Address) uint64 {
	var index uint64
	if _, err := l.state.KVGet(indexKey(user), &index); err != nil {
		return 0
	}
	return index
}

// EpochsToClaim returns how many delivered epochs the user can claim.
func (l *Locker) EpochsToClaim(user common.Address) uint64 {
	next := l.NextEpochToDeliver()
	index := l.NextClaimIndex(user)
	if next <= index {
		return 0
	}
	return next - index
}

// UserInfo returns the user's claim pointers.
func (l *Locker) UserInfo(user common.Address) UserInfo {
	return UserInfo{
		NextClaimIndex:     l.NextClaimIndex(user),
		EpochsToClaim:      l.EpochsToClaim(user),
		NextEpochToDeliver: l.NextEpochToDeliver(),
	}
}

// ClaimFeeBps returns the fee taken from claims.
func (l *Locker) ClaimFeeBps() uint64 {
	fee := l.cfg.ClaimFeeBps
	if _, err := l.state.KVGet(claimFeeKey, &fee); err != nil {
		return l.cfg.ClaimFeeBps
	}
	return fee
}

// SetClaimFee updates the claim fee. DAO only.
func (l *Locker) SetClaimFee(caller common.Address, bps uint64) error {
	if !l.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if bps > MaxClaimFeeBps {
		return fmt.Errorf("%w: claim fee %d bps above %d", ErrInvalidParameter, bps, MaxClaimFeeBps)
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		return l.state.KVPut(claimFeeKey, bps)
	})
}

// RecordEpochRewards stores the reward per point for epoch. Epochs must
// arrive strictly in order.
func (l *Locker) RecordEpochRewards(caller common.Address, epoch uint64, rewardPerUnit *uint256.Int) error {
	if !l.perms.HasHarvestPermissions(caller) {
		return ErrUnauthorized
	}
	next := l.NextEpochToDeliver()
	if epoch != next {
		return fmt.Errorf("%w: got %d, expected %d", ErrEpochOutOfOrder, epoch, next)
	}
	rpu := nativecommon.Clone(rewardPerUnit)
	err := nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.state.KVPut(epochKey(epoch), rpu); err != nil {
			return err
		}
		if err := l.state.KVPut(nextEpochKey, next+1); err != nil {
			return err
		}
		l.emitter.Emit(events.EpochRewardsRecorded{Epoch: epoch, RewardPerUnit: rpu})
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.RecordDelivery(next + 1)
	return nil
}

// UpdateUserClaimIndex moves the user's claim pointer. Lock token only.
func (l *Locker) UpdateUserClaimIndex(caller, user common.Address, index uint64) error {
	if !l.perms.HasLockingPermissions(caller) {
		return ErrUnauthorized
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.state.KVPut(indexKey(user), index); err != nil {
			return err
		}
		l.emitter.Emit(events.ClaimIndexUpdated{User: user, Index: index})
		return nil
	})
}

// ResetUserClaimIndex clears the user's claim pointer after a full unlock.
// Lock token only.
func (l *Locker) ResetUserClaimIndex(caller, user common.Address) error {
	if !l.perms.HasLockingPermissions(caller) {
		return ErrUnauthorized
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if err := l.state.KVDelete(indexKey(user)); err != nil {
			return err
		}
		l.emitter.Emit(events.ClaimIndexUpdated{User: user, Reset: true})
		return nil
	})
}

// SetDelegateApproval lets delegate claim on the user's behalf.
func (l *Locker) SetDelegateApproval(user, delegate common.Address, approved bool) error {
	if user == (common.Address{}) || delegate == (common.Address{}) || user == delegate {
		return ErrInvalidParameter
	}
	return nativecommon.Atomic(l.state, l.emitter, func() error {
		if !approved {
			return l.state.KVDelete(delegateKey(user, delegate))
		}
		return l.state.KVPut(delegateKey(user, delegate), true)
	})
}

// IsDelegate reports whether delegate may claim for user.
func (l *Locker) IsDelegate(user, delegate common.Address) bool {
	var approved bool
	ok, err := l.state.KVGet(delegateKey(user, delegate), &approved)
	return err == nil && ok && approved
}
