// Package hashing wraps the BLAKE2b-256 primitive used for tangle indices
// and content addressing (spec.md §3, §4.B).
package hashing

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Sum256 returns the BLAKE2b-256 digest of data.
func Sum256(data ...[]byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we pass none.
		panic(fmt.Sprintf("hashing: blake2b.New256: %v", err))
	}
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Keyed returns the BLAKE2b-256 MAC of data under key (up to 64 bytes),
// used by the spongos duplex construction as its underlying permutation.
func Keyed(key []byte, data ...[]byte) ([32]byte, error) {
	h, err := blake2b.New256(key)
	var out [32]byte
	if err != nil {
		return out, fmt.Errorf("blake2b.New256 keyed: %w", err)
	}
	for _, d := range data {
		h.Write(d)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
