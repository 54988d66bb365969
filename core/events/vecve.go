package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/types"
)

const (
	// TypeLockCreated is emitted when a user opens a new lock.
	TypeLockCreated = "vecve.locked"
	// TypeLockUpdated is emitted when an existing lock changes amount or expiry.
	TypeLockUpdated = "vecve.lockUpdated"
	// TypeLockProcessed is emitted when an expired lock is withdrawn or relocked.
	TypeLockProcessed = "vecve.unlocked"

	// LockOperationIncrease identifies amount increases.
	LockOperationIncrease = "increase"
	// LockOperationExtend identifies expiry extensions.
	LockOperationExtend = "extend"
	// LockOperationDisableContinuous identifies continuous locks switching to a fixed expiry.
	LockOperationDisableContinuous = "disableContinuous"
)

// LockCreated captures a fresh lock.
type LockCreated struct {
	User        common.Address
	Index       int
	Amount      *uint256.Int
	UnlockEpoch uint64
	Continuous  bool
}

// EventType satisfies the Event interface.
func (LockCreated) EventType() string { return TypeLockCreated }

// Event converts the structured payload into a broadcastable event.
func (e LockCreated) Event() *types.Event {
	return &types.Event{Type: TypeLockCreated, Attributes: map[string]string{
		"user":        formatAddress(e.User),
		"index":       strconv.Itoa(e.Index),
		"amount":      formatAmount(e.Amount),
		"unlockEpoch": formatUint(e.UnlockEpoch),
		"continuous":  strconv.FormatBool(e.Continuous),
	}}
}

// LockUpdated captures amount/expiry changes on an existing lock.
type LockUpdated struct {
	User        common.Address
	Index       int
	Operation   string
	Amount      *uint256.Int
	UnlockEpoch uint64
	Continuous  bool
}

// EventType satisfies the Event interface.
func (LockUpdated) EventType() string { return TypeLockUpdated }

// Event converts the structured payload into a broadcastable event.
func (e LockUpdated) Event() *types.Event {
	return &types.Event{Type: TypeLockUpdated, Attributes: map[string]string{
		"user":        formatAddress(e.User),
		"index":       strconv.Itoa(e.Index),
		"operation":   e.Operation,
		"amount":      formatAmount(e.Amount),
		"unlockEpoch": formatUint(e.UnlockEpoch),
		"continuous":  strconv.FormatBool(e.Continuous),
	}}
}

// LockProcessed captures an expired lock leaving the system or being relocked.
type LockProcessed struct {
	User     common.Address
	Amount   *uint256.Int
	Relocked bool
}

// EventType satisfies the Event interface.
func (LockProcessed) EventType() string { return TypeLockProcessed }

// Event converts the structured payload into a broadcastable event.
func (e LockProcessed) Event() *types.Event {
	return &types.Event{Type: TypeLockProcessed, Attributes: map[string]string{
		"user":     formatAddress(e.User),
		"amount":   formatAmount(e.Amount),
		"relocked": strconv.FormatBool(e.Relocked),
	}}
}
