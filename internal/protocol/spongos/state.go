// Package spongos implements the duplex-sponge construction of spec.md
// §4.C: a small piece of cryptographic state threaded through a message
// and from one message to the next. It exposes exactly the four
// operations spec.md names: absorb, squeeze, encrypt, and commit, plus a
// fork for branch-local divergence.
//
// There is no dedicated duplex-sponge library anywhere in the retrieved
// corpus, so this is built on the same BLAKE2b primitive the crypto
// adapter already uses for hashing (internal/cryptographic/hashing),
// exactly the way the teacher's doubleratchet package built its ratchet
// on top of the crypto adapter's HKDF rather than a ratchet library.
package spongos

import (
	"crypto/subtle"
	"fmt"

	"streams/internal/cryptographic/hashing"
)

// Size is the width, in bytes, of the sponge's threaded state.
const Size = 32

// State is the duplex sponge's cryptographic context. The zero value is
// not valid; use New or Fork.
type State struct {
	inner [Size]byte
}

// New starts a fresh sponge seeded from an initial secret (e.g. a
// channel's root key material, or a branch's content key).
func New(seed []byte) *State {
	s := &State{}
	digest := hashing.Sum256(seed)
	copy(s.inner[:], digest[:])
	return s
}

// Fork clones the current state so the caller can diverge from it (e.g.
// speculatively process a peeked message) without mutating the original.
func (s *State) Fork() *State {
	clone := &State{}
	copy(clone.inner[:], s.inner[:])
	return clone
}

// Bytes returns the raw threaded state, e.g. for storing a branch's
// state-at-latest-message in the branch store.
func (s *State) Bytes() []byte {
	return append([]byte(nil), s.inner[:]...)
}

// FromBytes restores a previously captured state.
func FromBytes(b []byte) (*State, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("spongos: want %d state bytes, got %d", Size, len(b))
	}
	s := &State{}
	copy(s.inner[:], b)
	return s, nil
}

// Absorb mixes plaintext bytes into the state, e.g. a message's header
// fields.
func (s *State) Absorb(data ...[]byte) {
	s.mix(append([][]byte{s.inner[:]}, data...)...)
}

// Squeeze extracts n pseudorandom bytes from the state and advances the
// state so the same output is never produced twice.
func (s *State) Squeeze(n int) []byte {
	out := make([]byte, 0, n)
	counter := byte(0)
	for len(out) < n {
		block, err := hashing.Keyed(s.inner[:], []byte("squeeze"), []byte{counter})
		if err != nil {
			panic(fmt.Sprintf("spongos: squeeze: %v", err))
		}
		out = append(out, block[:]...)
		counter++
	}
	out = out[:n]
	s.mix(s.inner[:], []byte("squeezed"), out)
	return out
}

// Encrypt XORs plaintext with a keystream derived from the state, then
// absorbs the resulting ciphertext (not the plaintext) so encrypt and
// decrypt leave the sender and receiver states in lockstep.
func (s *State) Encrypt(plaintext []byte) []byte {
	keystream := s.keystream(len(plaintext))
	ct := make([]byte, len(plaintext))
	subtle.XORBytes(ct, plaintext, keystream)
	s.mix(s.inner[:], []byte("ciphertext"), ct)
	return ct
}

// Decrypt is Encrypt's inverse: it derives the same keystream, recovers
// the plaintext, and absorbs the ciphertext it was given.
func (s *State) Decrypt(ciphertext []byte) []byte {
	keystream := s.keystream(len(ciphertext))
	pt := make([]byte, len(ciphertext))
	subtle.XORBytes(pt, ciphertext, keystream)
	s.mix(s.inner[:], []byte("ciphertext"), ciphertext)
	return pt
}

// keystream derives n bytes of keystream without absorbing them — the
// absorb step happens separately in Encrypt/Decrypt over the ciphertext.
func (s *State) keystream(n int) []byte {
	out := make([]byte, 0, n)
	counter := byte(0)
	for len(out) < n {
		block, err := hashing.Keyed(s.inner[:], []byte("keystream"), []byte{counter})
		if err != nil {
			panic(fmt.Sprintf("spongos: keystream: %v", err))
		}
		out = append(out, block[:]...)
		counter++
	}
	return out[:n]
}

// Commit cycles the permutation, finalizing the state at the end of a
// message so the next message starts from a settled value.
func (s *State) Commit() {
	s.mix(s.inner[:], []byte("commit"))
}

// Tag squeezes a 32-byte MAC from the state, used to authenticate
// TaggedPacket messages (spec.md §4.D).
func (s *State) Tag() [32]byte {
	var tag [32]byte
	copy(tag[:], s.Squeeze(32))
	return tag
}

func (s *State) mix(parts ...[]byte) {
	digest := hashing.Sum256(parts...)
	copy(s.inner[:], digest[:])
}
