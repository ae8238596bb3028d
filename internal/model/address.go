package model

import (
	"encoding/hex"
	"fmt"

	"streams/internal/cryptographic/hashing"
)

const (
	ChannelIDSize = 40
	MsgIDSize     = 12
)

// ChannelID is the 40-byte value derived from the author's identifier and
// the channel number (spec.md §3), immutable from Announce onward.
type ChannelID [ChannelIDSize]byte

func (c ChannelID) String() string { return hex.EncodeToString(c[:]) }

// MarshalBinary/UnmarshalBinary make ChannelID encode as a CBOR byte
// string rather than an array of integers.
func (c ChannelID) MarshalBinary() ([]byte, error) { return append([]byte(nil), c[:]...), nil }

func (c *ChannelID) UnmarshalBinary(b []byte) error {
	if len(b) != ChannelIDSize {
		return fmt.Errorf("channel id: want %d bytes, got %d", ChannelIDSize, len(b))
	}
	copy(c[:], b)
	return nil
}

// MsgID is the 12-byte value derived pseudo-randomly from the predecessor
// message id, the publisher's identifier, and the branch sequence number.
type MsgID [MsgIDSize]byte

func (m MsgID) String() string { return hex.EncodeToString(m[:]) }

// IsZero reports whether m is the all-zero predecessor used by Announce.
func (m MsgID) IsZero() bool { return m == MsgID{} }

// MarshalBinary/UnmarshalBinary make MsgID encode as a CBOR byte string.
func (m MsgID) MarshalBinary() ([]byte, error) { return append([]byte(nil), m[:]...), nil }

func (m *MsgID) UnmarshalBinary(b []byte) error {
	if len(b) != MsgIDSize {
		return fmt.Errorf("msg id: want %d bytes, got %d", MsgIDSize, len(b))
	}
	copy(m[:], b)
	return nil
}

// Address is the pair (channel id, message id) that names a message
// uniquely within the transport (spec.md §3).
type Address struct {
	ChannelID ChannelID
	MsgID     MsgID
}

// String renders the canonical "<40-hex>:<24-hex>" form (spec.md §6).
func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.ChannelID.String(), a.MsgID.String())
}

// ErrBadAddress is returned by ParseAddress for any string not matching
// the canonical form.
var ErrBadAddress = fmt.Errorf("bad address")

// ParseAddress parses the canonical "<40-hex channel>:<24-hex msgid>" form.
// Any other form is rejected with ErrBadAddress (spec.md §6).
func ParseAddress(s string) (Address, error) {
	if len(s) != ChannelIDSize*2+1+MsgIDSize*2 || s[ChannelIDSize*2] != ':' {
		return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	chanHex := s[:ChannelIDSize*2]
	msgHex := s[ChannelIDSize*2+1:]
	for _, r := range chanHex + msgHex {
		if !isLowerHex(r) {
			return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
	}
	chanBytes, err := hex.DecodeString(chanHex)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	msgBytes, err := hex.DecodeString(msgHex)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	var addr Address
	copy(addr.ChannelID[:], chanBytes)
	copy(addr.MsgID[:], msgBytes)
	return addr, nil
}

func isLowerHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}

// TangleIndex is BLAKE2b-256 of the address's binary concatenation
// (spec.md §3) — the key under which the Transport stores the blob.
func (a Address) TangleIndex() [32]byte {
	return hashing.Sum256(a.ChannelID[:], a.MsgID[:])
}
