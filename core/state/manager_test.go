package state

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"curvance/storage"
)

type record struct {
	Epoch uint64
	Value *uint256.Int
}

func TestKVRoundTripAndDelete(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	key := []byte("locker/epoch/1")
	if err := m.KVPut(key, record{Epoch: 1, Value: uint256.NewInt(42)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out record
	ok, err := m.KVGet(key, &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Epoch != 1 || out.Value.Uint64() != 42 {
		t.Fatalf("unexpected record: %+v", out)
	}

	if err := m.KVDelete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err = m.KVGet(key, &out); err != nil || ok {
		t.Fatalf("deleted key still present: ok=%v err=%v", ok, err)
	}
}

func TestRevertToSnapshotUndoesWrites(t *testing.T) {
	m := NewManager(nil)
	if err := m.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put a: %v", err)
	}
	snap := m.Snapshot()
	if err := m.KVPut([]byte("a"), uint64(2)); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}
	if err := m.KVPut([]byte("b"), uint64(3)); err != nil {
		t.Fatalf("put b: %v", err)
	}
	m.RevertToSnapshot(snap)

	var value uint64
	if ok, err := m.KVGet([]byte("a"), &value); err != nil || !ok || value != 1 {
		t.Fatalf("a after revert: value=%d ok=%v err=%v", value, ok, err)
	}
	if ok, err := m.KVGet([]byte("b"), &value); err != nil || ok {
		t.Fatalf("b survived revert: ok=%v err=%v", ok, err)
	}
}

func TestAtomicRevertsOnError(t *testing.T) {
	m := NewManager(nil)
	err := m.Atomic(func() error {
		if err := m.KVPut([]byte("x"), uint64(9)); err != nil {
			return err
		}
		return storage.ErrNotFound
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := m.KVGet([]byte("x"), nil); err != nil || ok {
		t.Fatalf("write survived failed Atomic: ok=%v err=%v", ok, err)
	}
}

func TestCommitPersistsToLevelDB(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m := NewManager(db)
	if err := m.KVPut([]byte("k"), uint64(7)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.SetRole("dao", []byte{0x01}); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if pending := m.Pending(); pending != 0 {
		t.Fatalf("expected no pending writes, got %d", pending)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	restored := NewManager(reopened)
	var value uint64
	if ok, err := restored.KVGet([]byte("k"), &value); err != nil || !ok || value != 7 {
		t.Fatalf("restored value=%d ok=%v err=%v", value, ok, err)
	}
	if !restored.HasRole("dao", []byte{0x01}) {
		t.Fatalf("role lost across reopen")
	}
}

func TestRolesStaySortedAndRemovable(t *testing.T) {
	m := NewManager(nil)
	for _, member := range [][]byte{{0x02}, {0x01}, {0x02}} {
		if err := m.SetRole("harvest", member); err != nil {
			t.Fatalf("set role: %v", err)
		}
	}

	members, err := m.RoleMembers("harvest")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || !bytes.Equal(members[0], []byte{0x01}) || !bytes.Equal(members[1], []byte{0x02}) {
		t.Fatalf("unexpected members: %x", members)
	}

	if err := m.RemoveRole("harvest", []byte{0x01}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.HasRole("harvest", []byte{0x01}) || !m.HasRole("harvest", []byte{0x02}) {
		t.Fatalf("unexpected membership after removal")
	}
}
