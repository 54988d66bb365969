package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/observability"
)

type hubState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type permissions interface {
	HasMessagingPermissions(addr common.Address) bool
	IsSupportedChain(chainID uint64) bool
}

// rewardSink receives epoch reward rates from the fee chain.
type rewardSink interface {
	RecordEpochRewards(caller common.Address, epoch uint64, rewardPerUnit *uint256.Int) error
}

// pointsSink receives lock point reports from other chains.
type pointsSink interface {
	RecordRemotePoints(caller common.Address, chainID, epoch uint64, points *uint256.Int) error
}

// Transport carries outbound envelopes to their destination chain.
type Transport interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Config identifies the hub on its chain.
type Config struct {
	// Address is the hub account used when dispatching to other modules.
	Address common.Address
	ChainID uint64
}

// Hub sends and receives cross-chain messages with replay protection.
type Hub struct {
	state     hubState
	perms     permissions
	cfg       Config
	rewards   rewardSink
	points    pointsSink
	transport Transport
	emitter   events.Emitter
	metrics   *observability.MessagingMetrics
}

// New constructs the hub. Sinks are attached afterwards because they depend
// on the hub themselves.
func New(state hubState, perms permissions, cfg Config) (*Hub, error) {
	if state == nil || perms == nil {
		return nil, fmt.Errorf("messaging: state and permissions required")
	}
	if cfg.Address == (common.Address{}) || cfg.ChainID == 0 {
		return nil, fmt.Errorf("messaging: hub address and chain id required")
	}
	return &Hub{
		state:   state,
		perms:   perms,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		metrics: observability.Messaging(),
	}, nil
}

// SetRewardSink wires the reward ledger that consumes EpochRewards.
func (h *Hub) SetRewardSink(sink rewardSink) { h.rewards = sink }

// SetPointsSink wires the fee accumulator that consumes LockPoints.
func (h *Hub) SetPointsSink(sink pointsSink) { h.points = sink }

// SetTransport wires the outbound transport. A nil transport leaves messages
// in the outbox for relayers to pick up.
func (h *Hub) SetTransport(t Transport) { h.transport = t }

// SetEmitter wires the event sink.
func (h *Hub) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	h.emitter = emitter
}

// Address returns the hub account.
func (h *Hub) Address() common.Address { return h.cfg.Address }

// ChainID returns the local chain identifier.
func (h *Hub) ChainID() uint64 { return h.cfg.ChainID }

// NextNonce returns the nonce the next outbound message receives.
func (h *Hub) NextNonce() uint64 {
	var nonce uint64
	if _, err := h.state.KVGet(noncePrefix, &nonce); err != nil {
		return 0
	}
	return nonce
}

// Send queues a message for dstChain and returns its hash.
func (h *Hub) Send(ctx context.Context, caller common.Address, dstChain uint64, kind Kind, payload []byte) (common.Hash, error) {
	if !h.perms.HasMessagingPermissions(caller) {
		return common.Hash{}, ErrUnauthorized
	}
	if dstChain == h.cfg.ChainID || !h.perms.IsSupportedChain(dstChain) {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, dstChain)
	}
	if kind < KindEpochRewards || kind > KindGaugeEmissions {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	nonce := h.NextNonce()
	msg := Message{Kind: kind, SrcChainID: h.cfg.ChainID, DstChainID: dstChain, Nonce: nonce, Payload: append([]byte(nil), payload...)}
	hash, err := msg.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	env := Envelope{Message: msg, Hash: hash}
	err = nativecommon.Atomic(h.state, h.emitter, func() error {
		if err := h.state.KVPut(uintKey(outboxPrefix, nonce), env); err != nil {
			return err
		}
		if err := h.state.KVPut(noncePrefix, nonce+1); err != nil {
			return err
		}
		if h.transport != nil {
			if err := h.transport.Deliver(ctx, env); err != nil {
				return fmt.Errorf("messaging: deliver to chain %d: %w", dstChain, err)
			}
		}
		h.emitter.Emit(events.MessageSent{Hash: hash, Kind: uint8(kind), DstChainID: dstChain, Nonce: nonce})
		return nil
	})
	if err != nil {
		h.metrics.Record("outbound", kind.String(), "error")
		return common.Hash{}, err
	}
	h.metrics.Record("outbound", kind.String(), "sent")
	return hash, nil
}

// Outbox returns the envelope sent with nonce.
func (h *Hub) Outbox(nonce uint64) (Envelope, bool, error) {
	var env Envelope
	ok, err := h.state.KVGet(uintKey(outboxPrefix, nonce), &env)
	if err != nil || !ok {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// IsDelivered reports whether a message hash has been processed.
func (h *Hub) IsDelivered(hash common.Hash) bool {
	var delivered bool
	ok, err := h.state.KVGet(deliveredKey(hash), &delivered)
	return err == nil && ok && delivered
}

// GaugeEmissions returns the allocations received for epoch.
func (h *Hub) GaugeEmissions(epoch uint64) ([]GaugeAllocation, error) {
	var allocations []GaugeAllocation
	if _, err := h.state.KVGet(uintKey(gaugePrefix, epoch), &allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

// Receive validates and dispatches an inbound envelope. Replays fail without
// touching state; dispatch failures revert the delivery mark.
func (h *Hub) Receive(ctx context.Context, caller common.Address, env Envelope) error {
	kind := env.Message.Kind.String()
	if err := h.receive(caller, env); err != nil {
		h.metrics.Record("inbound", kind, outcome(err))
		return err
	}
	h.metrics.Record("inbound", kind, "delivered")
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrMessageHashIsAlreadyDelivered):
		return "replay"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

func (h *Hub) receive(caller common.Address, env Envelope) error {
	if !h.perms.HasMessagingPermissions(caller) {
		return ErrUnauthorized
	}
	msg := env.Message
	if !h.perms.IsSupportedChain(msg.SrcChainID) {
		return fmt.Errorf("%w: source %d", ErrUnsupportedChain, msg.SrcChainID)
	}
	if msg.DstChainID != h.cfg.ChainID {
		return fmt.Errorf("%w: destination %d is not chain %d", ErrInvalidMessage, msg.DstChainID, h.cfg.ChainID)
	}
	hash, err := msg.Hash()
	if err != nil {
		return err
	}
	if hash != env.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidMessage)
	}
	if h.IsDelivered(hash) {
		return ErrMessageHashIsAlreadyDelivered
	}
	return nativecommon.Atomic(h.state, h.emitter, func() error {
		if err := h.state.KVPut(deliveredKey(hash), true); err != nil {
			return err
		}
		if err := h.dispatch(msg); err != nil {
			return err
		}
		h.emitter.Emit(events.MessageDelivered{Hash: hash, Kind: uint8(msg.Kind), SrcChainID: msg.SrcChainID})
		return nil
	})
}

func (h *Hub) dispatch(msg Message) error {
	switch msg.Kind {
	case KindEpochRewards:
		var payload EpochRewards
		if err := Decode(msg.Payload, &payload); err != nil {
			return err
		}
		if h.rewards == nil {
			return fmt.Errorf("messaging: no reward sink for %s", msg.Kind)
		}
		return h.rewards.RecordEpochRewards(h.cfg.Address, payload.Epoch, payload.RewardPerUnit)
	case KindLockPoints:
		var payload LockPoints
		if err := Decode(msg.Payload, &payload); err != nil {
			return err
		}
		if h.points == nil {
			return fmt.Errorf("messaging: no points sink for %s", msg.Kind)
		}
		return h.points.RecordRemotePoints(h.cfg.Address, msg.SrcChainID, payload.Epoch, payload.Points)
	case KindGaugeEmissions:
		var payload GaugeEmissions
		if err := Decode(msg.Payload, &payload); err != nil {
			return err
		}
		return h.state.KVPut(uintKey(gaugePrefix, payload.Epoch), payload.Allocations)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, msg.Kind)
	}
}
