package envelope

import (
	"bytes"
	"errors"
	"testing"

	"streams/internal/model"
)

func testFrame(ct model.ContentType, publisher model.Identifier) *Frame {
	f := &Frame{
		ContentType: ct,
		ChannelID:   model.ChannelID{1, 2, 3},
		Predecessor: model.MsgID{4, 5, 6},
		Publisher:   publisher,
		SeqNo:       42,
		TopicRef:    [32]byte{7, 8, 9},
		Body:        []byte("hello frame body"),
	}
	f.AuthTag = make([]byte, AuthTagSize(ct))
	for i := range f.AuthTag {
		f.AuthTag[i] = byte(i)
	}
	return f
}

func TestEncodeDecodeRoundTripEd25519Publisher(t *testing.T) {
	pub := model.NewEd25519Identifier(bytes.Repeat([]byte{0xAB}, 32))
	f := testFrame(model.ContentTaggedPacket, pub)

	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChannelID != f.ChannelID || got.Predecessor != f.Predecessor || got.SeqNo != f.SeqNo {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
	}
	if !got.Publisher.Equal(f.Publisher) {
		t.Fatalf("publisher mismatch: %+v vs %+v", got.Publisher, f.Publisher)
	}
	if !bytes.Equal(got.Body, f.Body) || !bytes.Equal(got.AuthTag, f.AuthTag) {
		t.Fatalf("body/auth tag mismatch")
	}
}

func TestEncodeDecodeRoundTripDIDPublisher(t *testing.T) {
	pub := model.NewDIDIdentifier("did:example:abc123")
	f := testFrame(model.ContentSignedPacket, pub)

	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Publisher.Tag != model.IdentifierDIDURL || got.Publisher.DID != "did:example:abc123" {
		t.Fatalf("did publisher didn't round trip: %+v", got.Publisher)
	}
}

func TestEncodeRejectsWrongAuthTagSize(t *testing.T) {
	pub := model.NewEd25519Identifier(bytes.Repeat([]byte{1}, 32))
	f := testFrame(model.ContentAnnounce, pub)
	f.AuthTag = f.AuthTag[:10]

	_, err := Encode(f)
	if !errors.Is(err, model.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	pub := model.NewEd25519Identifier(bytes.Repeat([]byte{1}, 32))
	f := testFrame(model.ContentTaggedPacket, pub)
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = Decode(wire[:len(wire)-40])
	if !errors.Is(err, model.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame on truncation, got %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	pub := model.NewEd25519Identifier(bytes.Repeat([]byte{1}, 32))
	f := testFrame(model.ContentTaggedPacket, pub)
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wire[0] = 99

	_, err = Decode(wire)
	if !errors.Is(err, model.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame on bad version, got %v", err)
	}
}

func TestAuthTagSizeByContentType(t *testing.T) {
	cases := map[model.ContentType]int{
		model.ContentAnnounce:     64,
		model.ContentSignedPacket: 64,
		model.ContentKeyload:      64,
		model.ContentTaggedPacket: 32,
	}
	for ct, want := range cases {
		if got := AuthTagSize(ct); got != want {
			t.Errorf("AuthTagSize(%v) = %d, want %d", ct, got, want)
		}
	}
}
