package identity

import (
	"errors"

	"streams/internal/cryptographic/kdf"
	"streams/internal/model"
	"streams/internal/ports"
)

// ErrNotSupported is returned by PSKIdentity's Sign and KeyExchange: a
// pre-shared-key participant authenticates via the branch's own sponge
// MAC (TaggedPacket) and is keyed for Keyload wrapping directly from the
// shared secret, never via a personal signature or DH exchange.
var ErrNotSupported = errors.New("identity: not supported for pre-shared-key identities")

// PSKIdentity represents a participant known to the channel only by a
// pre-shared key, per spec.md §3's PreSharedKeyID identifier tag.
type PSKIdentity struct {
	id  [16]byte
	key [32]byte
}

// NewPSKIdentity derives a PSKIdentity's id and key from seed, the same
// derivation channel/permissions.go's AddPresharedKey uses.
func NewPSKIdentity(seed [32]byte) (*PSKIdentity, error) {
	id, key, err := kdf.DerivePSK(seed[:])
	if err != nil {
		return nil, err
	}
	return &PSKIdentity{id: id, key: key}, nil
}

func (p *PSKIdentity) PublicIdentifier() ports.PublicIdentity {
	return ports.PublicIdentity{Identifier: model.NewPSKIdentifier(p.id)}
}

func (p *PSKIdentity) Sign(_ []byte) ([]byte, error) {
	return nil, ErrNotSupported
}

// Verify always fails: nothing signs on behalf of a PSK identifier, so a
// SignedPacket or Announce never carries one as its publisher.
func (p *PSKIdentity) Verify(_ ports.PublicIdentity, _, _ []byte) bool {
	return false
}

func (p *PSKIdentity) KeyExchange(_ []byte) ([32]byte, error) {
	var out [32]byte
	return out, ErrNotSupported
}

// Key returns the identity's derived symmetric key, for registering with
// channel.User.AddPresharedKey's counterpart on the reader side.
func (p *PSKIdentity) Key() [32]byte { return p.key }

// ID returns the identity's derived 16-byte id.
func (p *PSKIdentity) ID() [16]byte { return p.id }
