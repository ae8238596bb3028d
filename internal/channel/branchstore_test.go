package channel

import (
	"bytes"
	"testing"

	"streams/internal/model"
	"streams/internal/protocol/spongos"
)

func TestForkForFirstMessageUsesInitState(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))

	pub := testIdentifier(1)
	state, preState, predecessor, seq := b.ForkFor(pub)
	if seq != 1 {
		t.Fatalf("first message should be seq 1, got %d", seq)
	}
	if predecessor != initAddr {
		t.Fatalf("first message's predecessor should be the branch's init address")
	}
	if state == nil || preState == nil {
		t.Fatalf("expected non-nil states")
	}
}

func TestForkForThreadsPublisherOwnChain(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))
	pub := testIdentifier(1)

	_, preState1, _, seq1 := b.ForkFor(pub)
	addr1 := model.Address{ChannelID: initAddr.ChannelID, MsgID: model.MsgID{3}}
	state1 := preState1.Fork()
	state1.Absorb([]byte("header-1"))
	if err := store.Record(pub, "root", seq1, addr1, preState1, state1); err != nil {
		t.Fatalf("record 1: %v", err)
	}

	_, _, predecessor2, seq2 := b.ForkFor(pub)
	if seq2 != 2 {
		t.Fatalf("second message should be seq 2, got %d", seq2)
	}
	if predecessor2 != addr1 {
		t.Fatalf("second message's predecessor should be the first message's address")
	}
}

func TestForkForMixesContentKeyWhenPresent(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))
	pub := testIdentifier(1)

	stateNoKey, _, _, _ := b.ForkFor(pub)

	if err := store.SetContentKey("root", [32]byte{9, 9, 9}); err != nil {
		t.Fatalf("set content key: %v", err)
	}
	stateWithKey, _, _, _ := b.ForkFor(pub)

	if bytes.Equal(stateNoKey.Bytes(), stateWithKey.Bytes()) {
		t.Fatalf("forking after a content key is installed should change the fork state")
	}
}

func TestRecordRejectsOutOfOrderSequence(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))
	pub := testIdentifier(1)

	_, preState, _, seq := b.ForkFor(pub)
	addr := model.Address{ChannelID: initAddr.ChannelID, MsgID: model.MsgID{3}}
	state := preState.Fork()
	if err := store.Record(pub, "root", seq, addr, preState, state); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := store.Record(pub, "root", seq+2, addr, preState, state); err == nil {
		t.Fatalf("expected an error recording a non-contiguous sequence number")
	}
}

func TestRecordUnknownBranchFails(t *testing.T) {
	store := NewBranchStore()
	pub := testIdentifier(1)
	state := spongos.New([]byte("x"))
	if err := store.Record(pub, "nope", 1, model.Address{}, state, state); err == nil {
		t.Fatalf("expected an error recording onto an unknown branch")
	}
}

func TestHistoryForAccumulatesEveryRecordedCursor(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))
	pub := testIdentifier(1)

	for i := uint64(1); i <= 3; i++ {
		_, preState, _, seq := b.ForkFor(pub)
		addr := model.Address{ChannelID: initAddr.ChannelID, MsgID: model.MsgID{byte(seq + 10)}}
		state := preState.Fork()
		if err := store.Record(pub, "root", seq, addr, preState, state); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	hist := b.HistoryFor(pub)
	if len(hist) != 3 {
		t.Fatalf("want 3 history entries, got %d", len(hist))
	}
	for i, c := range hist {
		if c.SeqNo != uint64(i+1) {
			t.Fatalf("history entry %d has seq %d, want %d", i, c.SeqNo, i+1)
		}
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	store := NewBranchStore()
	initAddr := model.Address{ChannelID: model.ChannelID{1}, MsgID: model.MsgID{2}}
	b := store.CreateBranch("root", "", initAddr, spongos.New([]byte("keyload")))
	pub := testIdentifier(1)

	_, preState, _, seq := b.ForkFor(pub)
	addr := model.Address{ChannelID: initAddr.ChannelID, MsgID: model.MsgID{3}}
	state := preState.Fork()
	if err := store.Record(pub, "root", seq, addr, preState, state); err != nil {
		t.Fatalf("record: %v", err)
	}

	clone := store.Clone()

	cloneBranch, ok := clone.Branch("root")
	if !ok {
		t.Fatalf("cloned branch missing")
	}
	nextAddr := model.Address{ChannelID: initAddr.ChannelID, MsgID: model.MsgID{4}}
	_, clonePreState, _, cloneSeq := cloneBranch.ForkFor(pub)
	cloneState := clonePreState.Fork()
	if err := clone.Record(pub, "root", cloneSeq, nextAddr, clonePreState, cloneState); err != nil {
		t.Fatalf("record on clone: %v", err)
	}

	if len(b.HistoryFor(pub)) != 1 {
		t.Fatalf("mutating the clone must not affect the original's history, got %d entries", len(b.HistoryFor(pub)))
	}
	if len(cloneBranch.HistoryFor(pub)) != 2 {
		t.Fatalf("clone should have 2 history entries after its own record, got %d", len(cloneBranch.HistoryFor(pub)))
	}
}
