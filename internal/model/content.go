package model

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContentType tags the eight message payload shapes of spec.md §4.D. The
// numeric values match original_source/LETS's message type constants.
type ContentType uint8

const (
	ContentAnnounce ContentType = iota
	ContentSubscribe
	ContentUnsubscribe
	ContentKeyload
	ContentSignedPacket
	ContentTaggedPacket
	ContentBranchAnnouncement
	ContentSequence
)

func (c ContentType) String() string {
	switch c {
	case ContentAnnounce:
		return "Announce"
	case ContentSubscribe:
		return "Subscribe"
	case ContentUnsubscribe:
		return "Unsubscribe"
	case ContentKeyload:
		return "Keyload"
	case ContentSignedPacket:
		return "SignedPacket"
	case ContentTaggedPacket:
		return "TaggedPacket"
	case ContentBranchAnnouncement:
		return "BranchAnnouncement"
	case ContentSequence:
		return "Sequence"
	default:
		return "Unknown"
	}
}

// ChannelType selects the topology mode carried by Announce, per
// original_source/iota-streams-app-channels.
type ChannelType uint8

const (
	ChannelSingleBranch ChannelType = iota
	ChannelMultiBranch
	ChannelSingleDepth
)

// Announce is the channel's first message.
type Announce struct {
	AuthorIdentifier Identifier  `cbor:"1,keyasint"`
	ChannelType      ChannelType `cbor:"2,keyasint"`
	RootTopic        string      `cbor:"3,keyasint"`
}

// Subscribe is sent by a prospective subscriber to the author. It carries
// the subscriber's long-term X25519 public key so the author can wrap
// future Keyload content keys to it without a separate key-exchange round
// trip.
type Subscribe struct {
	SubscriberIdentifier Identifier `cbor:"1,keyasint"`
	SubscriberX25519Pub  [32]byte   `cbor:"2,keyasint"`
}

// Unsubscribe mirrors Subscribe (spec.md §4.D).
type Unsubscribe struct {
	SubscriberIdentifier Identifier `cbor:"1,keyasint"`
}

// WrappedKey is one recipient's encrypted copy of a branch's content key.
type WrappedKey struct {
	Recipient    Identifier `cbor:"1,keyasint"`
	EncryptedKey []byte     `cbor:"2,keyasint"` // AEAD(nonce||ciphertext) of the 32-byte content key
}

// Keyload rotates a branch's content key and republishes its ACL.
type Keyload struct {
	Topic       string       `cbor:"1,keyasint"`
	NewACL      ACL          `cbor:"2,keyasint"`
	WrappedKeys []WrappedKey `cbor:"3,keyasint"`
}

// SignedPacket is authenticated by the publisher's Ed25519 signature.
type SignedPacket struct {
	PublicPayload []byte `cbor:"1,keyasint"`
	MaskedPayload []byte `cbor:"2,keyasint"` // encrypted with the branch content key
}

// TaggedPacket is authenticated by a MAC squeezed from the spongos state.
type TaggedPacket struct {
	PublicPayload []byte `cbor:"1,keyasint"`
	MaskedPayload []byte `cbor:"2,keyasint"`
}

// BranchAnnouncement declares a new topic under a parent, carrying the new
// branch's initial Keyload.
type BranchAnnouncement struct {
	ParentTopic string  `cbor:"1,keyasint"`
	NewTopic    string  `cbor:"2,keyasint"`
	Initial     Keyload `cbor:"3,keyasint"`
}

// Sequence is a root-branch cursor-advance pointer used in multi-branch
// mode so readers don't have to poll every branch.
type Sequence struct {
	Publisher   Identifier `cbor:"1,keyasint"`
	TargetTopic string     `cbor:"2,keyasint"`
	TargetAddr  Address    `cbor:"3,keyasint"`
}

// EncodeBody serializes a content payload for the envelope's opaque body
// field, per spec.md §4.A.
func EncodeBody(content any) ([]byte, error) {
	b, err := cbor.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}

// DecodeBody deserializes an envelope body into out, which must be a
// pointer to the content struct matching the frame's content type.
func DecodeBody(body []byte, out any) error {
	if err := cbor.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
