package model

import (
	"bytes"
	"fmt"
)

// IdentifierTag distinguishes the members of the Identifier tagged union
// (spec.md §3, "Identifier").
type IdentifierTag uint8

const (
	IdentifierEd25519PublicKey IdentifierTag = iota
	IdentifierDIDURL
	IdentifierPreSharedKeyID
	IdentifierAlias
)

func (t IdentifierTag) String() string {
	switch t {
	case IdentifierEd25519PublicKey:
		return "ed25519"
	case IdentifierDIDURL:
		return "did-url"
	case IdentifierPreSharedKeyID:
		return "psk"
	case IdentifierAlias:
		return "alias"
	default:
		return "unknown"
	}
}

// Identifier is the tagged union of ways a participant can be named:
// an Ed25519 public key, a DID URL, a pre-shared-key id, or an alias
// (a public key used as a pseudonym).
type Identifier struct {
	Tag   IdentifierTag
	Bytes []byte // raw public key / psk id bytes
	DID   string // populated only when Tag == IdentifierDIDURL
}

// NewEd25519Identifier wraps an Ed25519 public key as an Identifier.
func NewEd25519Identifier(pub []byte) Identifier {
	return Identifier{Tag: IdentifierEd25519PublicKey, Bytes: append([]byte(nil), pub...)}
}

// NewAliasIdentifier wraps a pseudonymous public key as an Identifier.
func NewAliasIdentifier(pub []byte) Identifier {
	return Identifier{Tag: IdentifierAlias, Bytes: append([]byte(nil), pub...)}
}

// NewDIDIdentifier wraps a DID URL as an Identifier. Bytes is left empty;
// a DID-tagged Identifier names a participant by its published document
// (internal/identity/diddoc.Store), not by a key carried inline.
func NewDIDIdentifier(didURL string) Identifier {
	return Identifier{Tag: IdentifierDIDURL, DID: didURL}
}

// NewPSKIdentifier wraps a 16-byte pre-shared-key id as an Identifier.
// PSK ids are always exactly 16 bytes (original_source/LETS PskId).
func NewPSKIdentifier(id [16]byte) Identifier {
	return Identifier{Tag: IdentifierPreSharedKeyID, Bytes: append([]byte(nil), id[:]...)}
}

// Equal compares identifiers by tag and content, per spec.md §3
// ("Identifiers are compared by tag+bytes").
func (id Identifier) Equal(other Identifier) bool {
	if id.Tag != other.Tag {
		return false
	}
	if id.Tag == IdentifierDIDURL {
		return id.DID == other.DID
	}
	return bytes.Equal(id.Bytes, other.Bytes)
}

// IsZero reports whether id is the unset Identifier value.
func (id Identifier) IsZero() bool {
	return id.Tag == IdentifierEd25519PublicKey && len(id.Bytes) == 0 && id.DID == ""
}

// String renders id for logging: its tag and a hex-encoded identity.
func (id Identifier) String() string {
	if id.Tag == IdentifierDIDURL {
		return fmt.Sprintf("%s:%s", id.Tag, id.DID)
	}
	return fmt.Sprintf("%s:%x", id.Tag, id.Bytes)
}

// SortKey returns a byte string suitable for the fork tie-break ordering
// of spec.md §8 S6 ("publisher identifier bytes ascending").
func (id Identifier) SortKey() []byte {
	if id.Tag == IdentifierDIDURL {
		return []byte(id.DID)
	}
	return id.Bytes
}
