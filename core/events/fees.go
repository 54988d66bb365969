package events

import (
	"github.com/holiman/uint256"

	"curvance/core/types"
)

const (
	// TypeFeesRecorded is emitted when protocol fees enter the epoch pool.
	TypeFeesRecorded = "fees.recorded"
	// TypeFeesEpochRolled is emitted when an epoch pool is converted into rewards.
	TypeFeesEpochRolled = "fees.epochRolled"
)

// FeesRecorded captures fees accumulated for an epoch.
type FeesRecorded struct {
	Epoch  uint64
	Amount *uint256.Int
	Pool   *uint256.Int
}

// EventType satisfies the Event interface.
func (FeesRecorded) EventType() string { return TypeFeesRecorded }

// Event converts the structured payload into a broadcastable event.
func (e FeesRecorded) Event() *types.Event {
	return &types.Event{Type: TypeFeesRecorded, Attributes: map[string]string{
		"epoch":  formatUint(e.Epoch),
		"amount": formatAmount(e.Amount),
		"pool":   formatAmount(e.Pool),
	}}
}

// FeesEpochRolled captures the conversion of an epoch's pool into a
// reward-per-point value.
type FeesEpochRolled struct {
	Epoch         uint64
	Pool          *uint256.Int
	TotalPoints   *uint256.Int
	RewardPerUnit *uint256.Int
	// Carried is the pool moved into the next epoch when no points existed.
	Carried *uint256.Int
	Chains  int
}

// EventType satisfies the Event interface.
func (FeesEpochRolled) EventType() string { return TypeFeesEpochRolled }

// Event converts the structured payload into a broadcastable event.
func (e FeesEpochRolled) Event() *types.Event {
	attrs := map[string]string{
		"epoch":         formatUint(e.Epoch),
		"pool":          formatAmount(e.Pool),
		"totalPoints":   formatAmount(e.TotalPoints),
		"rewardPerUnit": formatAmount(e.RewardPerUnit),
		"chains":        formatUint(uint64(e.Chains)),
	}
	if e.Carried != nil {
		attrs["carried"] = formatAmount(e.Carried)
	}
	return &types.Event{Type: TypeFeesEpochRolled, Attributes: attrs}
}
