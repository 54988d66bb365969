package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"curvance/core/types"
)

const (
	// TypeOracleAdaptorApproved is emitted when governance approves a price adaptor.
	TypeOracleAdaptorApproved = "oracle.adaptorApproved"
	// TypeOracleAdaptorRemoved is emitted when an adaptor loses its approval.
	TypeOracleAdaptorRemoved = "oracle.adaptorRemoved"
	// TypeOracleFeedAdded is emitted when an adaptor is attached to an asset.
	TypeOracleFeedAdded = "oracle.feedAdded"
	// TypeOracleFeedRemoved is emitted when an adaptor is detached from an asset.
	TypeOracleFeedRemoved = "oracle.feedRemoved"
	// TypeOracleDivergenceFlags records updated divergence thresholds.
	TypeOracleDivergenceFlags = "oracle.divergenceFlags"
)

// OracleAdaptorApproved captures adaptor approval changes.
type OracleAdaptorApproved struct {
	Adaptor common.Address
	Removed bool
}

// EventType satisfies the Event interface.
func (e OracleAdaptorApproved) EventType() string {
	if e.Removed {
		return TypeOracleAdaptorRemoved
	}
	return TypeOracleAdaptorApproved
}

// Event converts the structured payload into a broadcastable event.
func (e OracleAdaptorApproved) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"adaptor": formatAddress(e.Adaptor),
	}}
}

// OracleFeedChanged captures an asset feed being attached or detached.
type OracleFeedChanged struct {
	Asset   common.Address
	Adaptor common.Address
	Feeds   int
	Removed bool
}

// EventType satisfies the Event interface.
func (e OracleFeedChanged) EventType() string {
	if e.Removed {
		return TypeOracleFeedRemoved
	}
	return TypeOracleFeedAdded
}

// Event converts the structured payload into a broadcastable event.
func (e OracleFeedChanged) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"asset":   formatAddress(e.Asset),
		"adaptor": formatAddress(e.Adaptor),
		"feeds":   strconv.Itoa(e.Feeds),
	}}
}

// OracleDivergenceFlags records the thresholds in basis points.
type OracleDivergenceFlags struct {
	CautionBps   uint64
	BadSourceBps uint64
}

// EventType satisfies the Event interface.
func (OracleDivergenceFlags) EventType() string { return TypeOracleDivergenceFlags }

// Event converts the structured payload into a broadcastable event.
func (e OracleDivergenceFlags) Event() *types.Event {
	return &types.Event{Type: TypeOracleDivergenceFlags, Attributes: map[string]string{
		"caution":   formatUint(e.CautionBps),
		"badSource": formatUint(e.BadSourceBps),
	}}
}
