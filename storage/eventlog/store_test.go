package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"curvance/core/events"
)

type plainEvent struct{}

func (plainEvent) EventType() string { return "plain" }

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmitPersistsBroadcastableEvents(t *testing.T) {
	store := openStore(t)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	store.Emit(events.EpochRewardsRecorded{Epoch: 3, RewardPerUnit: uint256.NewInt(7)})
	store.Emit(plainEvent{})
	store.Emit(events.RewardPaid{User: user, Recipient: user, Amount: uint256.NewInt(10), Epochs: 1})

	records, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, events.TypeLockerEpochRewards, records[0].Type)

	evt, err := records[0].Event()
	require.NoError(t, err)
	require.Equal(t, "3", evt.Attr("epoch"))
	require.Equal(t, "7", evt.Attr("rewardPerUnit"))
	require.NotEqual(t, records[0].ID, records[1].ID)
}

func TestListFiltersByTypeAndCursor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for epoch := uint64(0); epoch < 3; epoch++ {
		require.NoError(t, store.Append(ctx, events.EpochRewardsRecorded{Epoch: epoch, RewardPerUnit: uint256.NewInt(1)}))
	}
	user := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, store.Append(ctx, events.RewardPaid{User: user, Recipient: user, Amount: uint256.NewInt(1), Epochs: 1}))

	exact, err := store.List(ctx, Query{Type: events.TypeLockerRewardPaid})
	require.NoError(t, err)
	require.Len(t, exact, 1)

	prefixed, err := store.List(ctx, Query{Type: "locker.", Limit: 2})
	require.NoError(t, err)
	require.Len(t, prefixed, 2)

	rest, err := store.List(ctx, Query{Type: "locker.", After: prefixed[1].Seq})
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
