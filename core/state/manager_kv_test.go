package state

import (
	"testing"

	"cloneprotocol/storage"
)

type kvRecord struct {
	Name  string
	Count uint64
}

func TestKVStagedUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	if err := mgr.KVPut([]byte("clone/test"), kvRecord{Name: "a", Count: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got kvRecord
	ok, err := mgr.KVGet([]byte("clone/test"), &got)
	if err != nil || !ok {
		t.Fatalf("staged read: ok=%v err=%v", ok, err)
	}
	if got.Count != 1 {
		t.Fatalf("unexpected staged value: %+v", got)
	}
	if len(db.Keys()) != 0 {
		t.Fatalf("backend written before commit")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Keys()) != 1 {
		t.Fatalf("expected one key after commit, got %d", len(db.Keys()))
	}

	fresh := NewManager(db)
	ok, err = fresh.KVGet([]byte("clone/test"), &got)
	if err != nil || !ok || got.Name != "a" {
		t.Fatalf("committed read: ok=%v err=%v value=%+v", ok, err, got)
	}
}

func TestKVDiscardReverts(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("k"), kvRecord{Count: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mgr.KVPut([]byte("k"), kvRecord{Count: 8}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVDelete([]byte("other")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mgr.Dirty() != 2 {
		t.Fatalf("expected two staged writes, got %d", mgr.Dirty())
	}
	mgr.Discard()

	var got kvRecord
	if _, err := mgr.KVGet([]byte("k"), &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Count != 7 {
		t.Fatalf("discard did not revert: %+v", got)
	}
}

func TestKVDeleteHidesCommittedValue(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut([]byte("k"), kvRecord{Count: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.KVDelete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := mgr.KVGet([]byte("k"), nil)
	if err != nil || ok {
		t.Fatalf("expected staged delete to hide value: ok=%v err=%v", ok, err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ok, _ = mgr.KVGet([]byte("k"), nil)
	if ok {
		t.Fatalf("value survived committed delete")
	}
}

func TestKVRejectsEmptyKey(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut(nil, kvRecord{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
