package vecve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
)

const moduleName = "vecve"

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type tokenLedger interface {
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// rewardLedger is the epoch reward ledger the lock engine keeps in sync with
// the point structure.
type rewardLedger interface {
	NextEpochToDeliver() uint64
	EpochsToClaim(user common.Address) uint64
	ClaimPendingFor(ctx context.Context, caller, user common.Address) error
	UpdateUserClaimIndex(caller, user common.Address, index uint64) error
	ResetUserClaimIndex(caller, user common.Address) error
}

// Config binds the engine to its accounts and epoch schedule.
type Config struct {
	// Address is the account holding locked tokens and acting as the lock
	// token towards the reward ledger.
	Address common.Address
	// LockAsset is the token being locked.
	LockAsset common.Address
	// Locker is the reward ledger account allowed to drive point decay.
	Locker  common.Address
	Genesis time.Time
}

// Engine tracks vote-escrowed locks and the points they carry.
type Engine struct {
	state   engineState
	tokens  tokenLedger
	ledger  rewardLedger
	cfg     Config
	emitter events.Emitter
	pauses  nativecommon.PauseView
	guard   nativecommon.ReentrancyGuard

	mu    sync.RWMutex
	nowFn func() time.Time
}

// NewEngine constructs the lock engine. The reward ledger is attached later
// through SetRewardLedger because both sides reference each other.
func NewEngine(state engineState, tokens tokenLedger, cfg Config) (*Engine, error) {
	if state == nil || tokens == nil {
		return nil, fmt.Errorf("vecve: state and token ledger required")
	}
	if cfg.Address == (common.Address{}) || cfg.LockAsset == (common.Address{}) {
		return nil, fmt.Errorf("vecve: module address and lock asset required")
	}
	return &Engine{
		state:   state,
		tokens:  tokens,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}, nil
}

// SetRewardLedger attaches the epoch reward ledger.
func (e *Engine) SetRewardLedger(ledger rewardLedger) { e.ledger = ledger }

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses wires the pause view consulted before mutations.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	e.mu.Lock()
	e.nowFn = now
	e.mu.Unlock()
}

// Address returns the engine's module account.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// LockAsset returns the locked token.
func (e *Engine) LockAsset() common.Address { return e.cfg.LockAsset }

// Genesis returns the start of epoch 0.
func (e *Engine) Genesis() time.Time { return e.cfg.Genesis }

// CurrentEpoch returns the epoch containing now.
func (e *Engine) CurrentEpoch() uint64 {
	e.mu.RLock()
	now := e.nowFn()
	e.mu.RUnlock()
	return e.EpochAt(now)
}

// EpochAt returns the epoch containing ts. Times before genesis map to 0.
func (e *Engine) EpochAt(ts time.Time) uint64 {
	if !ts.After(e.cfg.Genesis) {
		return 0
	}
	return uint64(ts.Sub(e.cfg.Genesis) / EpochDuration)
}

// EpochStart returns the first instant of epoch.
func (e *Engine) EpochStart(epoch uint64) time.Time {
	return e.cfg.Genesis.Add(time.Duration(epoch) * EpochDuration)
}

// FreshUnlockEpoch is the unlock epoch a lock created now receives.
func (e *Engine) FreshUnlockEpoch() uint64 {
	return e.CurrentEpoch() + LockDurationEpochs
}

// Locks returns the user's locks in index order.
func (e *Engine) Locks(user common.Address) ([]Lock, error) {
	var locks []Lock
	if _, err := e.state.KVGet(locksKey(user), &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

func (e *Engine) saveLocks(user common.Address, locks []Lock) error {
	if len(locks) == 0 {
		return e.state.KVDelete(locksKey(user))
	}
	return e.state.KVPut(locksKey(user), locks)
}

func (e *Engine) getAmount(k []byte) (*uint256.Int, error) {
	value := new(uint256.Int)
	if _, err := e.state.KVGet(k, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (e *Engine) putAmount(k []byte, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return e.state.KVDelete(k)
	}
	return e.state.KVPut(k, value)
}

// UserPoints returns the user's point balance as of the last decay step.
func (e *Engine) UserPoints(user common.Address) (*uint256.Int, error) {
	return e.getAmount(userPointsKey(user))
}

// UserUnlocksByEpoch returns the points scheduled to leave the user's balance
// at epoch that have not been decayed yet.
func (e *Engine) UserUnlocksByEpoch(user common.Address, epoch uint64) (*uint256.Int, error) {
	return e.getAmount(userUnlocksKey(user, epoch))
}

// ChainUnlocksByEpoch returns the chain-wide points scheduled to unlock at epoch.
func (e *Engine) ChainUnlocksByEpoch(epoch uint64) (*uint256.Int, error) {
	return e.getAmount(chainUnlocksKey(epoch))
}

// ChainPoints returns the running chain-wide point total.
func (e *Engine) ChainPoints() (*uint256.Int, error) {
	return e.getAmount(chainPointsKey)
}

func (e *Engine) chainCursor() (uint64, error) {
	var cursor uint64
	if _, err := e.state.KVGet(chainCursorKey, &cursor); err != nil {
		return 0, err
	}
	return cursor, nil
}

// UpdateUserPoints applies the unlocks scheduled for user at epoch. Only the
// reward ledger may call it; repeated calls are no-ops.
func (e *Engine) UpdateUserPoints(caller, user common.Address, epoch uint64) error {
	if caller != e.cfg.Locker || caller == (common.Address{}) {
		return ErrUnauthorized
	}
	unlocks, err := e.UserUnlocksByEpoch(user, epoch)
	if err != nil {
		return err
	}
	if unlocks.IsZero() {
		return nil
	}
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		points, err := e.UserPoints(user)
		if err != nil {
			return err
		}
		if err := e.putAmount(userPointsKey(user), nativecommon.SubFloor(points, unlocks)); err != nil {
			return err
		}
		return e.state.KVDelete(userUnlocksKey(user, epoch))
	})
}

// UpdateChainPoints applies chain-wide unlocks for every epoch up to and
// including epoch, recording the resulting total per epoch.
func (e *Engine) UpdateChainPoints(epoch uint64) error {
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		return e.catchUpChain(epoch)
	})
}

func (e *Engine) catchUpChain(epoch uint64) error {
	cursor, err := e.chainCursor()
	if err != nil {
		return err
	}
	if cursor > epoch {
		return nil
	}
	points, err := e.ChainPoints()
	if err != nil {
		return err
	}
	for c := cursor; c <= epoch; c++ {
		unlocks, err := e.ChainUnlocksByEpoch(c)
		if err != nil {
			return err
		}
		points = nativecommon.SubFloor(points, unlocks)
		if err := e.state.KVPut(chainAtKey(c), points); err != nil {
			return err
		}
	}
	if err := e.putAmount(chainPointsKey, points); err != nil {
		return err
	}
	return e.state.KVPut(chainCursorKey, epoch+1)
}

// ChainPointsForEpoch returns the chain-wide points that earn rewards in
// epoch without mutating state.
func (e *Engine) ChainPointsForEpoch(epoch uint64) (*uint256.Int, error) {
	cursor, err := e.chainCursor()
	if err != nil {
		return nil, err
	}
	if epoch < cursor {
		return e.getAmount(chainAtKey(epoch))
	}
	points, err := e.ChainPoints()
	if err != nil {
		return nil, err
	}
	for c := cursor; c <= epoch; c++ {
		unlocks, err := e.ChainUnlocksByEpoch(c)
		if err != nil {
			return nil, err
		}
		points = nativecommon.SubFloor(points, unlocks)
	}
	return points, nil
}

// prepare checks the engine can change the point structure this epoch and
// freezes chain totals for past epochs.
func (e *Engine) prepare() (uint64, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if e.ledger == nil {
		return 0, fmt.Errorf("vecve: reward ledger not attached")
	}
	current := e.CurrentEpoch()
	if e.ledger.NextEpochToDeliver() < current {
		return 0, ErrEpochsUndelivered
	}
	if current > 0 {
		if err := e.catchUpChain(current - 1); err != nil {
			return 0, err
		}
	}
	return current, nil
}

func (e *Engine) addPoints(user common.Address, lock Lock) error {
	pts := lock.Points()
	if err := e.adjust(userPointsKey(user), pts, true); err != nil {
		return err
	}
	if err := e.adjust(chainPointsKey, pts, true); err != nil {
		return err
	}
	if lock.Continuous {
		return nil
	}
	if err := e.adjust(userUnlocksKey(user, lock.UnlockEpoch), lock.Amount, true); err != nil {
		return err
	}
	return e.adjust(chainUnlocksKey(lock.UnlockEpoch), lock.Amount, true)
}

// removePoints takes a lock's remaining points out of the user and chain
// totals. Unlocks already decayed are not subtracted twice.
func (e *Engine) removePoints(user common.Address, lock Lock) error {
	if lock.Continuous {
		pts := lock.Points()
		if err := e.adjust(userPointsKey(user), pts, false); err != nil {
			return err
		}
		return e.adjust(chainPointsKey, pts, false)
	}
	pending, err := e.UserUnlocksByEpoch(user, lock.UnlockEpoch)
	if err != nil {
		return err
	}
	if !pending.IsZero() {
		if err := e.adjust(userUnlocksKey(user, lock.UnlockEpoch), lock.Amount, false); err != nil {
			return err
		}
		if err := e.adjust(userPointsKey(user), lock.Amount, false); err != nil {
			return err
		}
	}
	cursor, err := e.chainCursor()
	if err != nil {
		return err
	}
	if lock.UnlockEpoch >= cursor {
		if err := e.adjust(chainUnlocksKey(lock.UnlockEpoch), lock.Amount, false); err != nil {
			return err
		}
		return e.adjust(chainPointsKey, lock.Amount, false)
	}
	return nil
}

func (e *Engine) adjust(k []byte, delta *uint256.Int, add bool) error {
	current, err := e.getAmount(k)
	if err != nil {
		return err
	}
	if add {
		next, err := nativecommon.Add(current, delta)
		if err != nil {
			return err
		}
		return e.putAmount(k, next)
	}
	return e.putAmount(k, nativecommon.SubFloor(current, delta))
}

func (e *Engine) claimPending(ctx context.Context, user common.Address, locks []Lock) error {
	if len(locks) == 0 {
		return nil
	}
	return e.ledger.ClaimPendingFor(ctx, e.cfg.Address, user)
}

// CreateLock locks amount of the lock asset for user. The first lock starts
// the user's reward claims at the current epoch.
func (e *Engine) CreateLock(ctx context.Context, user common.Address, amount *uint256.Int, continuous bool) error {
	if user == (common.Address{}) || nativecommon.IsZero(amount) {
		return ErrInvalidAmount
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		current, err := e.prepare()
		if err != nil {
			return err
		}
		locks, err := e.Locks(user)
		if err != nil {
			return err
		}
		if err := e.claimPending(ctx, user, locks); err != nil {
			return err
		}
		if err := e.tokens.Transfer(e.cfg.LockAsset, user, e.cfg.Address, amount); err != nil {
			return err
		}
		return e.openLock(user, locks, amount, continuous, current)
	})
}

func (e *Engine) openLock(user common.Address, locks []Lock, amount *uint256.Int, continuous bool, current uint64) error {
	lock := Lock{Amount: nativecommon.Clone(amount), UnlockEpoch: current + LockDurationEpochs, Continuous: continuous}
	if continuous {
		lock.UnlockEpoch = ContinuousUnlockEpoch
	}
	if err := e.addPoints(user, lock); err != nil {
		return err
	}
	first := len(locks) == 0
	locks = append(locks, lock)
	if err := e.saveLocks(user, locks); err != nil {
		return err
	}
	if first {
		if err := e.ledger.UpdateUserClaimIndex(e.cfg.Address, user, current); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.LockCreated{
		User:        user,
		Index:       len(locks) - 1,
		Amount:      nativecommon.Clone(amount),
		UnlockEpoch: lock.UnlockEpoch,
		Continuous:  continuous,
	})
	return nil
}

func lockAt(locks []Lock, index uint64) (Lock, error) {
	if index >= uint64(len(locks)) {
		return Lock{}, fmt.Errorf("%w: index %d out of range", ErrInvalidLock, index)
	}
	return locks[index].clone(), nil
}

// restructure claims pending rewards and swaps the lock at index for the
// result of mutate, keeping point totals consistent.
func (e *Engine) restructure(ctx context.Context, user common.Address, index uint64, operation string, claim bool, mutate func(lock *Lock, current uint64) error) error {
	current, err := e.prepare()
	if err != nil {
		return err
	}
	locks, err := e.Locks(user)
	if err != nil {
		return err
	}
	lock, err := lockAt(locks, index)
	if err != nil {
		return err
	}
	if lock.Expired(current) {
		return fmt.Errorf("%w: lock %d expired", ErrInvalidLock, index)
	}
	if claim {
		if err := e.claimPending(ctx, user, locks); err != nil {
			return err
		}
	}
	if err := e.removePoints(user, lock); err != nil {
		return err
	}
	if err := mutate(&lock, current); err != nil {
		return err
	}
	if err := e.addPoints(user, lock); err != nil {
		return err
	}
	locks[index] = lock
	if err := e.saveLocks(user, locks); err != nil {
		return err
	}
	e.emitter.Emit(events.LockUpdated{
		User:        user,
		Index:       int(index),
		Operation:   operation,
		Amount:      nativecommon.Clone(lock.Amount),
		UnlockEpoch: lock.UnlockEpoch,
		Continuous:  lock.Continuous,
	})
	return nil
}

// IncreaseAmountAndExtendLock adds amount to a lock and restarts its lock
// period. Continuous locks stay continuous.
func (e *Engine) IncreaseAmountAndExtendLock(ctx context.Context, user common.Address, index uint64, amount *uint256.Int, continuous bool) error {
	if nativecommon.IsZero(amount) {
		return ErrInvalidAmount
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		return e.restructure(ctx, user, index, events.LockOperationIncrease, true, func(lock *Lock, current uint64) error {
			if err := e.tokens.Transfer(e.cfg.LockAsset, user, e.cfg.Address, amount); err != nil {
				return err
			}
			return increase(lock, amount, continuous, current)
		})
	})
}

func increase(lock *Lock, amount *uint256.Int, continuous bool, current uint64) error {
	if lock.Continuous && !continuous {
		return fmt.Errorf("%w: continuous lock cannot be increased as fixed", ErrInvalidLock)
	}
	next, err := nativecommon.Add(lock.Amount, amount)
	if err != nil {
		return err
	}
	lock.Amount = next
	if continuous {
		lock.Continuous = true
		lock.UnlockEpoch = ContinuousUnlockEpoch
		return nil
	}
	lock.UnlockEpoch = current + LockDurationEpochs
	return nil
}

// ExtendLock restarts a fixed lock's period or converts it to continuous.
func (e *Engine) ExtendLock(ctx context.Context, user common.Address, index uint64, continuous bool) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		return e.restructure(ctx, user, index, events.LockOperationExtend, true, func(lock *Lock, current uint64) error {
			if lock.Continuous {
				return fmt.Errorf("%w: lock already continuous", ErrInvalidLock)
			}
			if continuous {
				lock.Continuous = true
				lock.UnlockEpoch = ContinuousUnlockEpoch
				return nil
			}
			lock.UnlockEpoch = current + LockDurationEpochs
			return nil
		})
	})
}

// DisableContinuousLock turns a continuous lock into a fixed one that unlocks
// after a full lock period.
func (e *Engine) DisableContinuousLock(ctx context.Context, user common.Address, index uint64) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		return e.restructure(ctx, user, index, events.LockOperationDisableContinuous, true, func(lock *Lock, current uint64) error {
			if !lock.Continuous {
				return fmt.Errorf("%w: lock not continuous", ErrInvalidLock)
			}
			lock.Continuous = false
			lock.UnlockEpoch = current + LockDurationEpochs
			return nil
		})
	})
}

// ProcessExpiredLock withdraws an expired lock to the user, or relocks it for
// a fresh period. Removing the last lock resets the user's claim index.
func (e *Engine) ProcessExpiredLock(ctx context.Context, user common.Address, index uint64, relock bool) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		current, err := e.prepare()
		if err != nil {
			return err
		}
		locks, err := e.Locks(user)
		if err != nil {
			return err
		}
		lock, err := lockAt(locks, index)
		if err != nil {
			return err
		}
		if !lock.Expired(current) {
			return ErrLockNotExpired
		}
		if err := e.claimPending(ctx, user, locks); err != nil {
			return err
		}
		if err := e.removePoints(user, lock); err != nil {
			return err
		}
		if relock {
			lock.UnlockEpoch = current + LockDurationEpochs
			if err := e.addPoints(user, lock); err != nil {
				return err
			}
			locks[index] = lock
			if err := e.saveLocks(user, locks); err != nil {
				return err
			}
			e.emitter.Emit(events.LockProcessed{User: user, Amount: nativecommon.Clone(lock.Amount), Relocked: true})
			return nil
		}

		last := len(locks) - 1
		locks[index] = locks[last]
		locks = locks[:last]
		if err := e.saveLocks(user, locks); err != nil {
			return err
		}
		if err := e.tokens.Transfer(e.cfg.LockAsset, e.cfg.Address, user, lock.Amount); err != nil {
			return err
		}
		if len(locks) == 0 {
			if err := e.ledger.ResetUserClaimIndex(e.cfg.Address, user); err != nil {
				return err
			}
		}
		e.emitter.Emit(events.LockProcessed{User: user, Amount: nativecommon.Clone(lock.Amount)})
		return nil
	})
}

// LockFor locks tokens held by the reward ledger on behalf of recipient.
// An index past the end of the recipient's locks opens a fresh lock. The
// caller is mid-claim and cannot settle the recipient, so a recipient holding
// points with delivered epochs still unclaimed is rejected.
func (e *Engine) LockFor(ctx context.Context, caller, recipient common.Address, amount *uint256.Int, index uint64, continuous bool) error {
	if caller != e.cfg.Locker || caller == (common.Address{}) {
		return ErrUnauthorized
	}
	if recipient == (common.Address{}) || nativecommon.IsZero(amount) {
		return ErrInvalidAmount
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return nativecommon.Atomic(e.state, e.emitter, func() error {
		current, err := e.prepare()
		if err != nil {
			return err
		}
		locks, err := e.Locks(recipient)
		if err != nil {
			return err
		}
		if len(locks) > 0 {
			if pending := e.ledger.EpochsToClaim(recipient); pending > 0 {
				return fmt.Errorf("%w: %s has %d epochs to claim", ErrUnclaimedRewards, recipient.Hex(), pending)
			}
		}
		if err := e.tokens.Transfer(e.cfg.LockAsset, caller, e.cfg.Address, amount); err != nil {
			return err
		}
		if index >= uint64(len(locks)) {
			return e.openLock(recipient, locks, amount, continuous, current)
		}
		return e.restructure(ctx, recipient, index, events.LockOperationIncrease, false, func(lock *Lock, current uint64) error {
			return increase(lock, amount, continuous, current)
		})
	})
}
