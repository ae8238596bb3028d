// Package ports declares the external collaborator interfaces spec.md §1
// and §6 name: Transport, Identity, and Clock. The engine in
// internal/channel depends only on these, never on a concrete transport
// or identity backend, so any of internal/transport's or
// internal/identity's implementations can be swapped in.
package ports

import (
	"context"

	"streams/internal/model"
)

// Transport is the key -> blob store abstraction over the ledger
// (spec.md §6). Implementations: a tangle REST client, a Redis-backed
// key-value store, or an in-process map for tests.
type Transport interface {
	Put(ctx context.Context, index [32]byte, blob []byte) error
	Get(ctx context.Context, index [32]byte) ([]byte, error)
	GetMany(ctx context.Context, indices [][32]byte) ([]([]byte), error)
}

// Identity is the signing/verification/key-exchange abstraction
// (spec.md §6). Implementations: Ed25519Identity, PSKIdentity. A DID URL
// is a model.Identifier tag an Ed25519Identity's public key can be named
// by (see identity/diddoc), not a separate Identity backend.
type Identity interface {
	PublicIdentifier() PublicIdentity
	Sign(message []byte) ([]byte, error)
	Verify(pub PublicIdentity, message, sig []byte) bool
	KeyExchange(theirPub []byte) ([32]byte, error)
}

// PublicIdentity is the subset of an Identity's public material needed to
// name and verify it: an Identifier plus, for identities that support
// Diffie-Hellman, an X25519 public key.
type PublicIdentity struct {
	Identifier model.Identifier
	X25519Pub  [32]byte
	HasX25519  bool
}

// Clock supplies snapshot timestamps only; it is never consulted for
// message ordering or correctness (spec.md §6).
type Clock interface {
	Now() int64
}
