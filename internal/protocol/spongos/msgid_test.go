package spongos

import (
	"testing"

	"streams/internal/model"
)

func TestDeriveMsgIDIsDeterministic(t *testing.T) {
	pub := model.NewEd25519Identifier([]byte("publisher-key-000000000000000000"))
	state := New([]byte("predecessor"))

	id1 := DeriveMsgID(state.Fork(), pub, 5)
	id2 := DeriveMsgID(state.Fork(), pub, 5)
	if id1 != id2 {
		t.Fatalf("deriving from the same predecessor state, publisher, and seq should be deterministic")
	}
}

func TestDeriveMsgIDDependsOnEveryInput(t *testing.T) {
	pubA := model.NewEd25519Identifier([]byte("publisher-key-aaaaaaaaaaaaaaaaaaa"))
	pubB := model.NewEd25519Identifier([]byte("publisher-key-bbbbbbbbbbbbbbbbbbb"))
	state := New([]byte("predecessor"))

	base := DeriveMsgID(state.Fork(), pubA, 1)

	if id := DeriveMsgID(state.Fork(), pubB, 1); id == base {
		t.Fatalf("changing the publisher should change the message id")
	}
	if id := DeriveMsgID(state.Fork(), pubA, 2); id == base {
		t.Fatalf("changing the sequence number should change the message id")
	}
	other := New([]byte("different-predecessor"))
	if id := DeriveMsgID(other.Fork(), pubA, 1); id == base {
		t.Fatalf("changing the predecessor state should change the message id")
	}
}

func TestDeriveMsgIDDoesNotMutatePredecessorState(t *testing.T) {
	pub := model.NewEd25519Identifier([]byte("publisher-key-000000000000000000"))
	state := New([]byte("predecessor"))
	before := state.Bytes()

	DeriveMsgID(state, pub, 1)

	if string(state.Bytes()) != string(before) {
		t.Fatalf("DeriveMsgID must not mutate the caller's state")
	}
}
