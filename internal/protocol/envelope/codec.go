// Package envelope implements the binary self-describing frame codec of
// spec.md §4.A: the fixed+length-prefixed layout every message is
// serialized into before being sealed and handed to the Transport.
package envelope

import (
	"encoding/binary"
	"fmt"

	"streams/internal/model"
)

// Version is the only frame version this codec understands.
const Version = 1

// Frame is the wire-level message envelope:
//
//	version(1) | content_type(1) | channel_id(40) | predecessor_msg_id(12) |
//	publisher_identifier(variable, tagged) | seq_no(uint64, varint) |
//	topic_ref(hash-32) | body(opaque) | auth_tag(32 or 64)
type Frame struct {
	ContentType model.ContentType
	ChannelID   model.ChannelID
	Predecessor model.MsgID
	Publisher   model.Identifier
	SeqNo       uint64
	TopicRef    [32]byte
	Body        []byte
	AuthTag     []byte
}

// AuthTagSize returns the expected auth tag width for a content type:
// 64 bytes (Ed25519) for signed content, 32 bytes (sponge MAC) otherwise.
// Announce, SignedPacket, and Keyload are all admin/author-signed:
// Keyload cannot authenticate itself with the branch's own sponge MAC
// since it is what rotates that branch's content key.
func AuthTagSize(ct model.ContentType) int {
	switch ct {
	case model.ContentAnnounce, model.ContentSignedPacket, model.ContentKeyload:
		return 64
	default:
		return 32
	}
}

// Encode serializes f into its wire form.
func Encode(f *Frame) ([]byte, error) {
	if len(f.AuthTag) != AuthTagSize(f.ContentType) {
		return nil, fmt.Errorf("%w: auth tag size %d, want %d", model.ErrMalformedFrame, len(f.AuthTag), AuthTagSize(f.ContentType))
	}

	buf := make([]byte, 0, 128+len(f.Body))
	buf = append(buf, Version, byte(f.ContentType))
	buf = append(buf, f.ChannelID[:]...)
	buf = append(buf, f.Predecessor[:]...)
	buf = appendIdentifier(buf, f.Publisher)
	buf = appendVarint(buf, f.SeqNo)
	buf = append(buf, f.TopicRef[:]...)
	buf = appendBytes(buf, f.Body)
	buf = append(buf, f.AuthTag...)
	return buf, nil
}

// Decode parses the wire form back into a Frame. It fails with
// model.ErrMalformedFrame on any length mismatch or unrecognized version.
func Decode(data []byte) (*Frame, error) {
	r := &reader{buf: data}

	version, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: unknown version %d", model.ErrMalformedFrame, version)
	}

	ctByte, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	ct := model.ContentType(ctByte)

	f := &Frame{ContentType: ct}

	chanBytes, err := r.fixed(model.ChannelIDSize)
	if err != nil {
		return nil, fmt.Errorf("%w: channel id: %v", model.ErrMalformedFrame, err)
	}
	copy(f.ChannelID[:], chanBytes)

	predBytes, err := r.fixed(model.MsgIDSize)
	if err != nil {
		return nil, fmt.Errorf("%w: predecessor: %v", model.ErrMalformedFrame, err)
	}
	copy(f.Predecessor[:], predBytes)

	f.Publisher, err = r.identifier()
	if err != nil {
		return nil, fmt.Errorf("%w: publisher: %v", model.ErrMalformedFrame, err)
	}

	f.SeqNo, err = r.varint()
	if err != nil {
		return nil, fmt.Errorf("%w: seq no: %v", model.ErrMalformedFrame, err)
	}

	topicRef, err := r.fixed(32)
	if err != nil {
		return nil, fmt.Errorf("%w: topic ref: %v", model.ErrMalformedFrame, err)
	}
	copy(f.TopicRef[:], topicRef)

	f.Body, err = r.bytesField()
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", model.ErrMalformedFrame, err)
	}

	tagSize := AuthTagSize(ct)
	f.AuthTag, err = r.fixed(tagSize)
	if err != nil {
		return nil, fmt.Errorf("%w: auth tag: %v", model.ErrMalformedFrame, err)
	}

	if !r.exhausted() {
		return nil, fmt.Errorf("%w: trailing bytes", model.ErrMalformedFrame)
	}
	return f, nil
}

// --- identifier tagged encoding ---

func appendIdentifier(buf []byte, id model.Identifier) []byte {
	buf = append(buf, byte(id.Tag))
	if id.Tag == model.IdentifierDIDURL {
		return appendString(buf, id.DID)
	}
	return appendBytes(buf, id.Bytes)
}

func (r *reader) identifier() (model.Identifier, error) {
	tagByte, err := r.byte()
	if err != nil {
		return model.Identifier{}, err
	}
	tag := model.IdentifierTag(tagByte)
	if tag == model.IdentifierDIDURL {
		s, err := r.stringField()
		if err != nil {
			return model.Identifier{}, err
		}
		return model.NewDIDIdentifier(s), nil
	}
	b, err := r.bytesField()
	if err != nil {
		return model.Identifier{}, err
	}
	return model.Identifier{Tag: tag, Bytes: b}, nil
}

// --- length-prefixed primitives ---

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) exhausted() bool { return r.pos == len(r.buf) }

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of frame")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of frame, want %d bytes", n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) bytesField() ([]byte, error) {
	lenBytes, err := r.fixed(4)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBytes))
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("length prefix out of range: %d", n)
	}
	return r.fixed(n)
}

func (r *reader) stringField() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) varint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("invalid varint")
	}
	r.pos += n
	return v, nil
}
