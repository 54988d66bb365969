package fees

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/native/messaging"
)

type accumulatorState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type permissions interface {
	HasHarvestPermissions(addr common.Address) bool
	HasMessagingPermissions(addr common.Address) bool
	IsSupportedChain(chainID uint64) bool
	Chains() []uint64
}

type tokenLedger interface {
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// rewardLedger is the epoch reward ledger fed by the accumulator.
type rewardLedger interface {
	Address() common.Address
	NextEpochToDeliver() uint64
	RecordEpochRewards(caller common.Address, epoch uint64, rewardPerUnit *uint256.Int) error
}

// pointSource exposes the local chain's lock points per epoch.
type pointSource interface {
	CurrentEpoch() uint64
	UpdateChainPoints(epoch uint64) error
	ChainPointsForEpoch(epoch uint64) (*uint256.Int, error)
}

type messenger interface {
	Send(ctx context.Context, caller common.Address, dstChain uint64, kind messaging.Kind, payload []byte) (common.Hash, error)
}

// Config binds the accumulator to its account and fee token.
type Config struct {
	Address  common.Address
	FeeToken common.Address
}

// Accumulator pools protocol fees per epoch and converts each closed epoch
// into a reward per lock point.
type Accumulator struct {
	state   accumulatorState
	perms   permissions
	tokens  tokenLedger
	ledger  rewardLedger
	points  pointSource
	hub     messenger
	cfg     Config
	emitter events.Emitter
}

// New constructs the accumulator. hub may be nil on a single-chain node.
func New(state accumulatorState, perms permissions, tokens tokenLedger, ledger rewardLedger, points pointSource, hub messenger, cfg Config) (*Accumulator, error) {
	if state == nil || perms == nil || tokens == nil || ledger == nil || points == nil {
		return nil, fmt.Errorf("fees: state, permissions, tokens, ledger and point source required")
	}
	if cfg.Address == (common.Address{}) || cfg.FeeToken == (common.Address{}) {
		return nil, fmt.Errorf("fees: module address and fee token required")
	}
	return &Accumulator{
		state:   state,
		perms:   perms,
		tokens:  tokens,
		ledger:  ledger,
		points:  points,
		hub:     hub,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
	}, nil
}

// SetEmitter wires the event sink.
func (a *Accumulator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a.emitter = emitter
}

// Address returns the accumulator account.
func (a *Accumulator) Address() common.Address { return a.cfg.Address }

func (a *Accumulator) amount(k []byte) (*uint256.Int, error) {
	value := new(uint256.Int)
	if _, err := a.state.KVGet(k, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Pool returns the fees collected during epoch.
func (a *Accumulator) Pool(epoch uint64) (*uint256.Int, error) {
	return a.amount(epochKey(poolPrefix, epoch))
}

// RemotePoints returns the lock points other chains reported for epoch.
func (a *Accumulator) RemotePoints(epoch uint64) (*uint256.Int, error) {
	return a.amount(epochKey(remoteTotalPrefix, epoch))
}

func (a *Accumulator) rolled(epoch uint64) (rolledEpoch, bool, error) {
	var record rolledEpoch
	ok, err := a.state.KVGet(epochKey(rolledPrefix, epoch), &record)
	return record, ok, err
}

// Summary reports the pool, reported points and outcome of epoch.
func (a *Accumulator) Summary(epoch uint64) (EpochSummary, error) {
	pool, err := a.Pool(epoch)
	if err != nil {
		return EpochSummary{}, err
	}
	remote, err := a.RemotePoints(epoch)
	if err != nil {
		return EpochSummary{}, err
	}
	record, ok, err := a.rolled(epoch)
	if err != nil {
		return EpochSummary{}, err
	}
	summary := EpochSummary{Epoch: epoch, Pool: pool, RemotePoints: remote, Rolled: ok}
	if ok {
		summary.TotalPoints = record.TotalPoints
		summary.RewardPerUnit = record.RewardPerUnit
	}
	return summary, nil
}

// RecordFees moves amount of the fee token from caller into the reward
// ledger's account and credits the current epoch's pool.
func (a *Accumulator) RecordFees(caller common.Address, amount *uint256.Int) error {
	if !a.perms.HasHarvestPermissions(caller) {
		return ErrUnauthorized
	}
	if nativecommon.IsZero(amount) {
		return ErrInvalidAmount
	}
	epoch := a.points.CurrentEpoch()
	return nativecommon.Atomic(a.state, a.emitter, func() error {
		if err := a.tokens.Transfer(a.cfg.FeeToken, caller, a.ledger.Address(), amount); err != nil {
			return err
		}
		pool, err := a.Pool(epoch)
		if err != nil {
			return err
		}
		if pool, err = nativecommon.Add(pool, amount); err != nil {
			return err
		}
		if err := a.state.KVPut(epochKey(poolPrefix, epoch), pool); err != nil {
			return err
		}
		a.emitter.Emit(events.FeesRecorded{Epoch: epoch, Amount: nativecommon.Clone(amount), Pool: nativecommon.Clone(pool)})
		return nil
	})
}

// RecordRemotePoints stores the lock points chainID reported for epoch. A
// later report from the same chain replaces the earlier one.
func (a *Accumulator) RecordRemotePoints(caller common.Address, chainID, epoch uint64, points *uint256.Int) error {
	if !a.perms.HasMessagingPermissions(caller) {
		return ErrUnauthorized
	}
	if !a.perms.IsSupportedChain(chainID) {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	if _, done, err := a.rolled(epoch); err != nil {
		return err
	} else if done {
		return fmt.Errorf("%w: %d", ErrEpochRolled, epoch)
	}
	reported := nativecommon.Clone(points)
	return nativecommon.Atomic(a.state, a.emitter, func() error {
		previous, err := a.amount(epochKey(remotePrefix, epoch, chainID))
		if err != nil {
			return err
		}
		total, err := a.RemotePoints(epoch)
		if err != nil {
			return err
		}
		if total, err = nativecommon.Add(nativecommon.SubFloor(total, previous), reported); err != nil {
			return err
		}
		if err := a.state.KVPut(epochKey(remotePrefix, epoch, chainID), reported); err != nil {
			return err
		}
		return a.state.KVPut(epochKey(remoteTotalPrefix, epoch), total)
	})
}

// RollEpoch closes epoch: the pool is divided by every chain's lock points,
// recorded with the reward ledger and broadcast to the supported chains. A
// pool nobody held points for moves into the next epoch's pool.
func (a *Accumulator) RollEpoch(ctx context.Context, caller common.Address, epoch uint64) (*uint256.Int, error) {
	if !a.perms.HasHarvestPermissions(caller) {
		return nil, ErrUnauthorized
	}
	if current := a.points.CurrentEpoch(); epoch >= current {
		return nil, fmt.Errorf("%w: %d (current %d)", ErrEpochNotEnded, epoch, current)
	}
	if next := a.ledger.NextEpochToDeliver(); epoch != next {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrEpochOutOfOrder, epoch, next)
	}
	var rpu *uint256.Int
	err := nativecommon.Atomic(a.state, a.emitter, func() error {
		if err := a.points.UpdateChainPoints(epoch); err != nil {
			return err
		}
		local, err := a.points.ChainPointsForEpoch(epoch)
		if err != nil {
			return err
		}
		remote, err := a.RemotePoints(epoch)
		if err != nil {
			return err
		}
		total, err := nativecommon.Add(local, remote)
		if err != nil {
			return err
		}
		pool, err := a.Pool(epoch)
		if err != nil {
			return err
		}
		if rpu, err = nativecommon.MulDiv(pool, nativecommon.WAD(), total); err != nil {
			return err
		}
		var carried *uint256.Int
		if total.IsZero() && !pool.IsZero() {
			if err := a.carry(epoch+1, pool); err != nil {
				return err
			}
			carried = nativecommon.Clone(pool)
		}
		if err := a.ledger.RecordEpochRewards(a.cfg.Address, epoch, rpu); err != nil {
			return err
		}
		if err := a.state.KVPut(epochKey(rolledPrefix, epoch), rolledEpoch{TotalPoints: total, RewardPerUnit: rpu}); err != nil {
			return err
		}
		chains, err := a.broadcast(ctx, epoch, rpu)
		if err != nil {
			return err
		}
		a.emitter.Emit(events.FeesEpochRolled{
			Epoch:         epoch,
			Pool:          pool,
			TotalPoints:   total,
			RewardPerUnit: nativecommon.Clone(rpu),
			Carried:       carried,
			Chains:        chains,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rpu, nil
}

func (a *Accumulator) carry(epoch uint64, amount *uint256.Int) error {
	pool, err := a.Pool(epoch)
	if err != nil {
		return err
	}
	if pool, err = nativecommon.Add(pool, amount); err != nil {
		return err
	}
	return a.state.KVPut(epochKey(poolPrefix, epoch), pool)
}

func (a *Accumulator) broadcast(ctx context.Context, epoch uint64, rpu *uint256.Int) (int, error) {
	chains := a.perms.Chains()
	if a.hub == nil || len(chains) == 0 {
		return 0, nil
	}
	payload, err := messaging.Encode(messaging.EpochRewards{Epoch: epoch, RewardPerUnit: rpu})
	if err != nil {
		return 0, err
	}
	for _, chainID := range chains {
		if _, err := a.hub.Send(ctx, a.cfg.Address, chainID, messaging.KindEpochRewards, payload); err != nil {
			return 0, err
		}
	}
	return len(chains), nil
}

// ReportPoints sends the local lock points of a closed epoch to the chain
// that rolls fees.
func (a *Accumulator) ReportPoints(ctx context.Context, caller common.Address, dstChain, epoch uint64) (common.Hash, error) {
	if !a.perms.HasHarvestPermissions(caller) {
		return common.Hash{}, ErrUnauthorized
	}
	if a.hub == nil {
		return common.Hash{}, fmt.Errorf("fees: no message hub configured")
	}
	if current := a.points.CurrentEpoch(); epoch >= current {
		return common.Hash{}, fmt.Errorf("%w: %d (current %d)", ErrEpochNotEnded, epoch, current)
	}
	var hash common.Hash
	err := nativecommon.Atomic(a.state, a.emitter, func() error {
		if err := a.points.UpdateChainPoints(epoch); err != nil {
			return err
		}
		local, err := a.points.ChainPointsForEpoch(epoch)
		if err != nil {
			return err
		}
		payload, err := messaging.Encode(messaging.LockPoints{Epoch: epoch, Points: local})
		if err != nil {
			return err
		}
		hash, err = a.hub.Send(ctx, a.cfg.Address, dstChain, messaging.KindLockPoints, payload)
		return err
	})
	return hash, err
}
