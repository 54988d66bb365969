package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type captureEmitter struct {
	events []Event
}

func (c *captureEmitter) Emit(evt Event) { c.events = append(c.events, evt) }

func TestBufferTruncateAndFlush(t *testing.T) {
	buf := NewBuffer()
	buf.Emit(EpochRewardsRecorded{Epoch: 0, RewardPerUnit: uint256.NewInt(1)})
	mark := buf.Len()
	buf.Emit(EpochRewardsRecorded{Epoch: 1, RewardPerUnit: uint256.NewInt(2)})
	buf.Truncate(mark)
	if buf.Len() != 1 {
		t.Fatalf("expected one buffered event, got %d", buf.Len())
	}
	sink := &captureEmitter{}
	buf.Flush(sink)
	if len(sink.events) != 1 || buf.Len() != 0 {
		t.Fatalf("flush mismatch: sink=%d buffer=%d", len(sink.events), buf.Len())
	}
}

func TestRewardPaidAttributes(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	evt := RewardPaid{User: user, Recipient: user, Amount: uint256.NewInt(10), Epochs: 1}.Event()
	if evt.Type != TypeLockerRewardPaid {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attr("amount") != "10" || evt.Attr("epochs") != "1" {
		t.Fatalf("unexpected attributes: %v", evt.Attributes)
	}
	if evt.Attr("locked") != "" {
		t.Fatalf("locked attribute should be omitted")
	}
}
