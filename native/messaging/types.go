package messaging

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized                  = errors.New("messaging: unauthorized")
	ErrUnsupportedChain              = errors.New("messaging: unsupported chain")
	ErrInvalidMessage                = errors.New("messaging: invalid message")
	ErrUnknownKind                   = errors.New("messaging: unknown message kind")
	ErrMessageHashIsAlreadyDelivered = errors.New("messaging: message hash already delivered")
)

// Kind selects the payload carried by a message.
type Kind uint8

const (
	KindEpochRewards Kind = iota + 1
	KindLockPoints
	KindGaugeEmissions
)

func (k Kind) String() string {
	switch k {
	case KindEpochRewards:
		return "epoch_rewards"
	case KindLockPoints:
		return "lock_points"
	case KindGaugeEmissions:
		return "gauge_emissions"
	default:
		return fmt.Sprintf("kind_%d", uint8(k))
	}
}

// Message is the unit exchanged between chains. Its hash identifies it for
// replay protection.
type Message struct {
	Kind       Kind
	SrcChainID uint64
	DstChainID uint64
	Nonce      uint64
	Payload    []byte
}

// Hash returns keccak256 over the RLP encoding of the message.
func (m Message) Hash() (common.Hash, error) {
	encoded, err := rlp.EncodeToBytes(m)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Envelope pairs a message with the hash claimed by its sender.
type Envelope struct {
	Message Message     `json:"message"`
	Hash    common.Hash `json:"hash"`
}

// EpochRewards carries the reward per point of a delivered epoch.
type EpochRewards struct {
	Epoch         uint64
	RewardPerUnit *uint256.Int
}

// LockPoints reports the lock points a chain holds for an epoch.
type LockPoints struct {
	Epoch  uint64
	Points *uint256.Int
}

// GaugeAllocation is the emission share of one gauge.
type GaugeAllocation struct {
	Gauge  common.Address
	Amount *uint256.Int
}

// GaugeEmissions lists the gauge allocations of an epoch.
type GaugeEmissions struct {
	Epoch       uint64
	Allocations []GaugeAllocation
}

// Encode RLP-encodes a payload.
func Encode(payload interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(payload)
}

// Decode RLP-decodes a payload into out.
func Decode(data []byte, out interface{}) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

var (
	noncePrefix     = []byte("messaging/nonce")
	outboxPrefix    = []byte("messaging/outbox/")
	deliveredPrefix = []byte("messaging/delivered/")
	gaugePrefix     = []byte("messaging/gauge/")
)

func uintKey(prefix []byte, v uint64) []byte {
	out := append([]byte(nil), prefix...)
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return append(out, buf[:]...)
}

func deliveredKey(hash common.Hash) []byte {
	return append(append([]byte(nil), deliveredPrefix...), hash.Bytes()...)
}
