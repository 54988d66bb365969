package locker

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized     = errors.New("locker: unauthorized")
	ErrEpochOutOfOrder  = errors.New("locker: epoch delivered out of order")
	ErrNoEpochRewards   = errors.New("locker: no epoch rewards")
	ErrInvalidParameter = errors.New("locker: invalid parameter")
	ErrInvalidSwap      = errors.New("locker: invalid swap")
	ErrInvalidLockToken = errors.New("locker: rewards must be the lock asset to relock")
)

const (
	// MaxClaimFeeBps caps the fee taken from every claim.
	MaxClaimFeeBps uint64 = 500
	// FreshLockIndex requests a new lock when relocking claimed rewards.
	FreshLockIndex = ^uint64(0)
)

// RewardsData describes how a claim is paid out.
type RewardsData struct {
	// DesiredToken is the token the recipient receives; zero means the base
	// reward token.
	DesiredToken common.Address
	ShouldLock   bool
	IsFreshLock  bool
	Continuous   bool
}

// UserInfo summarises a user's claim state.
type UserInfo struct {
	NextClaimIndex     uint64
	EpochsToClaim      uint64
	NextEpochToDeliver uint64
}

var (
	nextEpochKey   = []byte("locker/nextEpoch")
	claimFeeKey    = []byte("locker/claimFeeBps")
	rpuPrefix      = []byte("locker/rpu/")
	indexPrefix    = []byte("locker/index/")
	delegatePrefix = []byte("locker/delegate/")
)

func epochKey(epoch uint64) []byte {
	out := append([]byte(nil), rpuPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return append(out, buf[:]...)
}

func indexKey(user common.Address) []byte {
	return append(append([]byte(nil), indexPrefix...), user.Bytes()...)
}

func delegateKey(user, delegate common.Address) []byte {
	out := append(append([]byte(nil), delegatePrefix...), user.Bytes()...)
	return append(out, delegate.Bytes()...)
}
