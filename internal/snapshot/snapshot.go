// Package snapshot implements the password-protected backup framing of
// spec.md §6: magic | version | salt | nonce | AEAD(scrypt(password,
// salt), cbor(payload)). It knows nothing about the shape of the state
// it protects; channel.User.Backup/Restore supply that.
package snapshot

import (
	"crypto/rand"
	"fmt"
	"io"

	"streams/internal/cryptographic/encryption"
	"streams/internal/cryptographic/kdf"
	"streams/internal/model"

	"github.com/fxamacker/cbor/v2"
)

// Magic identifies a streams snapshot blob.
var Magic = [4]byte{'S', 'T', 'R', 'M'}

// Version is the only snapshot format version this package writes or
// reads.
const Version uint16 = 1

const saltSize = 16

// Seal encodes payload as CBOR and encrypts it under a key derived from
// password, returning the framed blob.
func Seal(password string, payload any) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode payload: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("snapshot: generate salt: %w", err)
	}
	key, err := kdf.DeriveSnapshotKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("snapshot: derive key: %w", err)
	}
	// AEADEncrypt prefixes its own random nonce onto sealed, so there is no
	// separate nonce field in this framing: magic | version | salt | sealed
	// (nonce || ciphertext || tag), rather than magic | version | salt |
	// nonce | ciphertext | tag as named in isolation.
	sealed, err := encryption.AEADEncrypt(key, body, salt)
	if err != nil {
		return nil, fmt.Errorf("snapshot: seal: %w", err)
	}

	buf := make([]byte, 0, 4+2+saltSize+len(sealed))
	buf = append(buf, Magic[:]...)
	buf = append(buf, byte(Version>>8), byte(Version))
	buf = append(buf, salt...)
	buf = append(buf, sealed...)
	return buf, nil
}

// Open reverses Seal, decoding the recovered CBOR payload into out (a
// pointer). It fails with model.ErrCorruptSnapshot on a malformed frame,
// model.ErrVersionMismatch on an unknown version, and
// model.ErrBadPassword when decryption fails (wrong password or
// tampered blob — AES-GCM can't distinguish the two).
func Open(password string, data []byte, out any) error {
	if len(data) < 4+2+saltSize {
		return fmt.Errorf("%w: too short", model.ErrCorruptSnapshot)
	}
	if [4]byte(data[:4]) != Magic {
		return fmt.Errorf("%w: bad magic", model.ErrCorruptSnapshot)
	}
	version := uint16(data[4])<<8 | uint16(data[5])
	if version != Version {
		return fmt.Errorf("%w: snapshot version %d", model.ErrVersionMismatch, version)
	}
	salt := data[6 : 6+saltSize]
	sealed := data[6+saltSize:]

	key, err := kdf.DeriveSnapshotKey(password, salt)
	if err != nil {
		return fmt.Errorf("snapshot: derive key: %w", err)
	}
	body, err := encryption.AEADDecrypt(key, sealed, salt)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBadPassword, err)
	}
	if err := cbor.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", model.ErrCorruptSnapshot, err)
	}
	return nil
}
