package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/types"
)

const (
	// TypeLockerEpochRewards is emitted when rewards for an epoch are delivered.
	TypeLockerEpochRewards = "locker.epochRewards"
	// TypeLockerRewardPaid is emitted when a claim realises a non-zero payout.
	TypeLockerRewardPaid = "locker.rewardPaid"
	// TypeLockerClaimIndex is emitted when the lock token moves a user's claim pointer.
	TypeLockerClaimIndex = "locker.claimIndex"
)

// EpochRewardsRecorded captures a delivered epoch.
type EpochRewardsRecorded struct {
	Epoch         uint64
	RewardPerUnit *uint256.Int
}

// EventType satisfies the Event interface.
func (EpochRewardsRecorded) EventType() string { return TypeLockerEpochRewards }

// Event converts the structured payload into a broadcastable event.
func (e EpochRewardsRecorded) Event() *types.Event {
	return &types.Event{Type: TypeLockerEpochRewards, Attributes: map[string]string{
		"epoch":         formatUint(e.Epoch),
		"rewardPerUnit": formatAmount(e.RewardPerUnit),
	}}
}

// RewardPaid captures a realised claim.
type RewardPaid struct {
	User      common.Address
	Recipient common.Address
	Token     common.Address
	Amount    *uint256.Int
	Epochs    uint64
	Locked    bool
}

// EventType satisfies the Event interface.
func (RewardPaid) EventType() string { return TypeLockerRewardPaid }

// Event converts the structured payload into a broadcastable event.
func (e RewardPaid) Event() *types.Event {
	attrs := map[string]string{
		"user":      formatAddress(e.User),
		"recipient": formatAddress(e.Recipient),
		"token":     formatAddress(e.Token),
		"amount":    formatAmount(e.Amount),
		"epochs":    formatUint(e.Epochs),
	}
	if e.Locked {
		attrs["locked"] = "true"
	}
	return &types.Event{Type: TypeLockerRewardPaid, Attributes: attrs}
}

// ClaimIndexUpdated captures lock-token driven pointer moves.
type ClaimIndexUpdated struct {
	User  common.Address
	Index uint64
	Reset bool
}

// EventType satisfies the Event interface.
func (ClaimIndexUpdated) EventType() string { return TypeLockerClaimIndex }

// Event converts the structured payload into a broadcastable event.
func (e ClaimIndexUpdated) Event() *types.Event {
	attrs := map[string]string{
		"user":  formatAddress(e.User),
		"index": formatUint(e.Index),
	}
	if e.Reset {
		attrs["reset"] = "true"
	}
	return &types.Event{Type: TypeLockerClaimIndex, Attributes: attrs}
}
