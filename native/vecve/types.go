package vecve

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidLock       = errors.New("vecve: invalid lock")
	ErrLockNotExpired    = errors.New("vecve: lock not expired")
	ErrInvalidAmount     = errors.New("vecve: invalid amount")
	ErrUnauthorized      = errors.New("vecve: unauthorized")
	ErrEpochsUndelivered = errors.New("vecve: rewards for past epochs not delivered")
	ErrUnclaimedRewards  = errors.New("vecve: recipient has unclaimed rewards")
)

const (
	// EpochDuration is the length of one reward epoch.
	EpochDuration = 14 * 24 * time.Hour
	// LockDurationEpochs is how long a fresh lock stays locked.
	LockDurationEpochs uint64 = 26
	// ContinuousMultiplier scales the points of continuous locks.
	ContinuousMultiplier uint64 = 2
	// ContinuousUnlockEpoch marks locks that never unlock.
	ContinuousUnlockEpoch uint64 = math.MaxUint64
)

// Lock is one position of a user.
type Lock struct {
	Amount      *uint256.Int
	UnlockEpoch uint64
	Continuous  bool
}

// Points returns the points the lock carries while active.
func (l Lock) Points() *uint256.Int {
	if l.Amount == nil {
		return new(uint256.Int)
	}
	if l.Continuous {
		return new(uint256.Int).Mul(l.Amount, uint256.NewInt(ContinuousMultiplier))
	}
	return new(uint256.Int).Set(l.Amount)
}

// Expired reports whether the lock can be processed at epoch.
func (l Lock) Expired(epoch uint64) bool {
	return !l.Continuous && l.UnlockEpoch <= epoch
}

func (l Lock) clone() Lock {
	out := l
	if l.Amount != nil {
		out.Amount = new(uint256.Int).Set(l.Amount)
	}
	return out
}

var (
	locksPrefix        = []byte("vecve/locks/")
	userPointsPrefix   = []byte("vecve/points/")
	userUnlocksPrefix  = []byte("vecve/unlocks/")
	chainPointsKey     = []byte("vecve/chain/points")
	chainCursorKey     = []byte("vecve/chain/cursor")
	chainUnlocksPrefix = []byte("vecve/chain/unlocks/")
	chainAtPrefix      = []byte("vecve/chain/at/")
)

func key(prefix []byte, parts ...[]byte) []byte {
	out := append([]byte(nil), prefix...)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

func epochBytes(epoch uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return buf[:]
}

func locksKey(user common.Address) []byte { return key(locksPrefix, user.Bytes()) }

func userPointsKey(user common.Address) []byte { return key(userPointsPrefix, user.Bytes()) }

func userUnlocksKey(user common.Address, epoch uint64) []byte {
	return key(userUnlocksPrefix, user.Bytes(), epochBytes(epoch))
}

func chainUnlocksKey(epoch uint64) []byte { return key(chainUnlocksPrefix, epochBytes(epoch)) }

func chainAtKey(epoch uint64) []byte { return key(chainAtPrefix, epochBytes(epoch)) }
