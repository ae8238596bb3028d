package spongos

import "streams/internal/model"

// DeriveMsgID computes the pseudo-random 12-byte message id from the
// predecessor's committed state, the publisher's identifier, and the
// branch-local sequence number (spec.md §3, "Message identifier").
//
// Deriving from the predecessor's spongos state rather than a plain hash
// of the triple matches original_source/spongos's approach: the msgid
// generator is itself a PRG seeded by a state squeeze, so a message id
// cannot be predicted without having already processed the predecessor.
func DeriveMsgID(predecessorState *State, publisher model.Identifier, seq uint64) model.MsgID {
	scratch := predecessorState.Fork()
	scratch.Absorb(publisher.Bytes, []byte(publisher.DID), seqBytes(seq))
	var id model.MsgID
	copy(id[:], scratch.Squeeze(model.MsgIDSize))
	return id
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(seq >> (8 * i))
	}
	return b
}
