// Package identity holds the ports.Identity implementations: a local
// Ed25519 keypair (with an attached X25519 keypair for Keyload
// wrapping), and pre-shared-key identities. identity/diddoc is a
// separate, non-Identity concern: a registry peers publish their DID
// documents to, so they can be named by a DID URL instead of a raw key.
package identity

import (
	"crypto/ed25519"
	"fmt"

	"streams/internal/cryptographic/dh"
	"streams/internal/cryptographic/signature"
	"streams/internal/model"
	"streams/internal/ports"

	"golang.org/x/crypto/curve25519"
)

// Ed25519Identity is a locally held signing keypair plus an X25519
// keypair used only for Keyload key-wrapping, mirroring the split the
// teacher's X3DH design made between identity keys and exchange keys.
type Ed25519Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	x25519Priv [32]byte
	x25519Pub  [32]byte
}

// NewEd25519Identity generates a fresh identity.
func NewEd25519Identity() (*Ed25519Identity, error) {
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	xPriv, xPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate x25519 keypair: %w", err)
	}
	return &Ed25519Identity{pub: pub, priv: priv, x25519Priv: xPriv, x25519Pub: xPub}, nil
}

// FromKeys restores an identity from previously exported key material
// (spec.md §6, restore from snapshot).
func FromKeys(edPub, edPriv []byte, x25519Priv [32]byte) *Ed25519Identity {
	id := &Ed25519Identity{
		pub:        append(ed25519.PublicKey(nil), edPub...),
		priv:       append(ed25519.PrivateKey(nil), edPriv...),
		x25519Priv: x25519Priv,
	}
	curve25519.ScalarBaseMult(&id.x25519Pub, &id.x25519Priv)
	return id
}

func (i *Ed25519Identity) PublicIdentifier() ports.PublicIdentity {
	return ports.PublicIdentity{
		Identifier: model.NewEd25519Identifier(i.pub),
		X25519Pub:  i.x25519Pub,
		HasX25519:  true,
	}
}

func (i *Ed25519Identity) Sign(message []byte) ([]byte, error) {
	return signature.ED25519Sign(i.priv, message), nil
}

// Verify checks sig against pub's signing key. pub.Identifier.Bytes
// carries the ed25519 public key for the Ed25519PublicKey and Alias
// tags directly.
func (i *Ed25519Identity) Verify(pub ports.PublicIdentity, message, sig []byte) bool {
	if len(pub.Identifier.Bytes) != ed25519.PublicKeySize {
		return false
	}
	return signature.ED25519Verify(pub.Identifier.Bytes, message, sig)
}

func (i *Ed25519Identity) KeyExchange(theirPub []byte) ([32]byte, error) {
	var their, out [32]byte
	if len(theirPub) != 32 {
		return out, fmt.Errorf("identity: x25519 public key must be 32 bytes, got %d", len(theirPub))
	}
	copy(their[:], theirPub)
	shared, err := dh.X25519SharedSecret(i.x25519Priv, their)
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// ExportKeys returns the raw key material for snapshotting.
func (i *Ed25519Identity) ExportKeys() (edPub, edPriv []byte, x25519Priv [32]byte) {
	return i.pub, i.priv, i.x25519Priv
}
