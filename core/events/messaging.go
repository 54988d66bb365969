package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"curvance/core/types"
)

const (
	// TypeMessageSent is emitted when the hub queues an outbound message.
	TypeMessageSent = "messaging.sent"
	// TypeMessageDelivered is emitted when an inbound message is processed.
	TypeMessageDelivered = "messaging.delivered"
)

// MessageSent captures an outbound cross-chain message.
type MessageSent struct {
	Hash       common.Hash
	Kind       uint8
	DstChainID uint64
	Nonce      uint64
}

// EventType satisfies the Event interface.
func (MessageSent) EventType() string { return TypeMessageSent }

// Event converts the structured payload into a broadcastable event.
func (e MessageSent) Event() *types.Event {
	return &types.Event{Type: TypeMessageSent, Attributes: map[string]string{
		"hash":  e.Hash.Hex(),
		"kind":  strconv.Itoa(int(e.Kind)),
		"dst":   formatUint(e.DstChainID),
		"nonce": formatUint(e.Nonce),
	}}
}

// MessageDelivered captures a processed inbound message.
type MessageDelivered struct {
	Hash       common.Hash
	Kind       uint8
	SrcChainID uint64
}

// EventType satisfies the Event interface.
func (MessageDelivered) EventType() string { return TypeMessageDelivered }

// Event converts the structured payload into a broadcastable event.
func (e MessageDelivered) Event() *types.Event {
	return &types.Event{Type: TypeMessageDelivered, Attributes: map[string]string{
		"hash": e.Hash.Hex(),
		"kind": strconv.Itoa(int(e.Kind)),
		"src":  formatUint(e.SrcChainID),
	}}
}
