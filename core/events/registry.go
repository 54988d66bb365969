package events

import (
	"github.com/ethereum/go-ethereum/common"

	"curvance/core/types"
)

const (
	// TypeRoleGranted is emitted when an address gains a registry role.
	TypeRoleGranted = "registry.roleGranted"
	// TypeRoleRevoked is emitted when an address loses a registry role.
	TypeRoleRevoked = "registry.roleRevoked"
	// TypeTargetApproved is emitted when an external call target is approved.
	TypeTargetApproved = "registry.targetApproved"
	// TypeTargetRemoved is emitted when an external call target loses approval.
	TypeTargetRemoved = "registry.targetRemoved"
)

// RoleChanged captures registry role membership changes.
type RoleChanged struct {
	Role    string
	Account common.Address
	Revoked bool
}

// EventType satisfies the Event interface.
func (e RoleChanged) EventType() string {
	if e.Revoked {
		return TypeRoleRevoked
	}
	return TypeRoleGranted
}

// Event converts the structured payload into a broadcastable event.
func (e RoleChanged) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"role":    e.Role,
		"account": formatAddress(e.Account),
	}}
}

// TargetChanged captures approval changes for zappers and swappers.
type TargetChanged struct {
	Kind    string
	Target  common.Address
	Removed bool
}

// EventType satisfies the Event interface.
func (e TargetChanged) EventType() string {
	if e.Removed {
		return TypeTargetRemoved
	}
	return TypeTargetApproved
}

// Event converts the structured payload into a broadcastable event.
func (e TargetChanged) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"kind":   e.Kind,
		"target": formatAddress(e.Target),
	}}
}
