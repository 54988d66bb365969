package fees

import (
	"encoding/binary"
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized     = errors.New("fees: unauthorized")
	ErrInvalidAmount    = errors.New("fees: invalid amount")
	ErrEpochNotEnded    = errors.New("fees: epoch has not ended")
	ErrEpochOutOfOrder  = errors.New("fees: epoch rolled out of order")
	ErrEpochRolled      = errors.New("fees: epoch already rolled")
	ErrUnsupportedChain = errors.New("fees: unsupported chain")
)

// EpochSummary is the accounting of one epoch's fee pool.
type EpochSummary struct {
	Epoch        uint64
	Pool         *uint256.Int
	RemotePoints *uint256.Int
	// TotalPoints and RewardPerUnit are set once the epoch is rolled.
	TotalPoints   *uint256.Int
	RewardPerUnit *uint256.Int
	Rolled        bool
}

type rolledEpoch struct {
	TotalPoints   *uint256.Int
	RewardPerUnit *uint256.Int
}

var (
	poolPrefix        = []byte("fees/pool/")
	remotePrefix      = []byte("fees/remote/")
	remoteTotalPrefix = []byte("fees/remoteTotal/")
	rolledPrefix      = []byte("fees/rolled/")
)

func epochKey(prefix []byte, epoch uint64, extra ...uint64) []byte {
	out := append([]byte(nil), prefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	out = append(out, buf[:]...)
	for _, v := range extra {
		binary.BigEndian.PutUint64(buf[:], v)
		out = append(out, buf[:]...)
	}
	return out
}
