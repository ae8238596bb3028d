package channel

import (
	"context"
	"crypto/rand"
	"fmt"

	"streams/internal/cryptographic/dh"
	"streams/internal/cryptographic/encryption"
	"streams/internal/cryptographic/kdf"
	"streams/internal/log"
	"streams/internal/model"
	"streams/internal/protocol/envelope"
	"streams/internal/protocol/spongos"

	"go.uber.org/zap"
)

// PermissionsBuilder edits a branch's ACL before applying it via a
// Keyload (spec.md §4.F, §4.G).
type PermissionsBuilder struct {
	u     *User
	topic string
	acl   model.ACL
	base  bool
}

// Permissions starts editing topic's ACL, seeded from its currently
// applied ACL (or the author-only default if none has been set yet).
func (u *User) Permissions(topic string) *PermissionsBuilder {
	u.mu.Lock()
	defer u.mu.Unlock()
	topic = model.NormalizeTopic(topic)
	acl := u.perms.ACL(topic)
	if acl == nil {
		acl = model.ACL{}
	}
	return &PermissionsBuilder{u: u, topic: topic, acl: acl, base: true}
}

// Set replaces the builder's working ACL wholesale.
func (b *PermissionsBuilder) Set(acl model.ACL) *PermissionsBuilder {
	cp := make(model.ACL, len(acl))
	copy(cp, acl)
	b.acl = cp
	return b
}

// Add grants identifier level on the topic, replacing any existing grant
// for the same identifier.
func (b *PermissionsBuilder) Add(identifier model.Identifier, level model.Level) *PermissionsBuilder {
	for i, p := range b.acl {
		if p.Identifier.Equal(identifier) {
			b.acl[i].Level = level
			return b
		}
	}
	b.acl = append(b.acl, model.Permission{Identifier: identifier, Level: level})
	return b
}

// Remove revokes any grant identifier holds on the topic.
func (b *PermissionsBuilder) Remove(identifier model.Identifier) *PermissionsBuilder {
	out := b.acl[:0]
	for _, p := range b.acl {
		if !p.Identifier.Equal(identifier) {
			out = append(out, p)
		}
	}
	b.acl = out
	return b
}

// Change is an alias of Add, for callers revising an existing grant
// rather than adding a new one.
func (b *PermissionsBuilder) Change(identifier model.Identifier, level model.Level) *PermissionsBuilder {
	return b.Add(identifier, level)
}

// Apply installs the edited ACL and emits a Keyload rotating the
// branch's content key (spec.md §4.F, §4.G). Only an Admin on topic (or
// an ancestor) may apply.
func (b *PermissionsBuilder) Apply(ctx context.Context) (model.Address, error) {
	u := b.u
	u.mu.Lock()
	defer u.mu.Unlock()

	self := u.identity.PublicIdentifier()
	if !u.perms.MayAdmin(self.Identifier, u.heldPSKIDsLocked(), b.topic) {
		return model.Address{}, fmt.Errorf("%w: no admin access to %q", model.ErrPermissionDenied, b.topic)
	}
	if _, ok := u.branches.Branch(b.topic); !ok {
		return model.Address{}, fmt.Errorf("%w: unknown topic %q", model.ErrInvariantViolation, b.topic)
	}
	return u.emitKeyloadLocked(ctx, b.topic, b.acl)
}

// emitKeyloadLocked builds, wraps, seals, and publishes a Keyload for
// topic carrying acl, then applies its effects locally. Caller holds
// u.mu.
func (u *User) emitKeyloadLocked(ctx context.Context, topic string, acl model.ACL) (model.Address, error) {
	branch, ok := u.branches.Branch(topic)
	if !ok {
		return model.Address{}, fmt.Errorf("%w: unknown topic %q", model.ErrInvariantViolation, topic)
	}

	keyload, contentKey, err := u.buildKeyloadLocked(topic, acl)
	if err != nil {
		return model.Address{}, err
	}

	self := u.identity.PublicIdentifier()
	state, preState, predecessor, seq := branch.ForkFor(self.Identifier)

	body, err := model.EncodeBody(keyload)
	if err != nil {
		return model.Address{}, fmt.Errorf("encode keyload: %w", err)
	}

	msgID := spongos.DeriveMsgID(state, self.Identifier, seq)
	addr := model.Address{ChannelID: u.channelID, MsgID: msgID}

	frame := &envelope.Frame{
		ContentType: model.ContentKeyload,
		ChannelID:   u.channelID,
		Predecessor: predecessor.MsgID,
		Publisher:   self.Identifier,
		SeqNo:       seq,
		TopicRef:    model.TopicRef(topic),
	}
	state.Absorb(headerBytes(frame))
	frame.Body = body
	sig, err := u.identity.Sign(sigPayload(frame))
	if err != nil {
		return model.Address{}, fmt.Errorf("sign keyload: %w", err)
	}
	sealed := state.Encrypt(body)
	frame.Body = sealed
	frame.AuthTag = sig
	state.Commit()

	wire, err := envelope.Encode(frame)
	if err != nil {
		return model.Address{}, fmt.Errorf("encode frame: %w", err)
	}
	if err := u.transport.Put(ctx, addr.TangleIndex(), wire); err != nil {
		return model.Address{}, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	if err := u.branches.Record(self.Identifier, topic, seq, addr, preState, state); err != nil {
		return model.Address{}, err
	}
	if err := u.finishKeyloadLocked(topic, keyload, contentKey); err != nil {
		return model.Address{}, err
	}
	log.Info("keyload emitted", zap.String("topic", topic), zap.String("address", addr.String()))
	return addr, nil
}

// buildKeyloadLocked generates a fresh content key for topic and wraps
// it to every identifier named in acl: by ECIES to an accepted
// subscriber's X25519 public key, or by AEAD under a held pre-shared
// key. Caller holds u.mu.
func (u *User) buildKeyloadLocked(topic string, acl model.ACL) (model.Keyload, [32]byte, error) {
	var contentKey [32]byte
	if _, err := rand.Read(contentKey[:]); err != nil {
		return model.Keyload{}, contentKey, fmt.Errorf("generate content key: %w", err)
	}

	wrapped := make([]model.WrappedKey, 0, len(acl))
	for _, perm := range acl {
		wk, err := u.wrapContentKeyLocked(perm.Identifier, contentKey)
		if err != nil {
			return model.Keyload{}, contentKey, err
		}
		if wk != nil {
			wrapped = append(wrapped, *wk)
		}
	}

	return model.Keyload{Topic: topic, NewACL: acl, WrappedKeys: wrapped}, contentKey, nil
}

// wrapContentKeyLocked wraps contentKey for a single ACL recipient. It
// returns nil, logging a warning, if the recipient's key material isn't
// known locally, and nil without a log for the local user itself; callers
// skip a nil result rather than fail.
func (u *User) wrapContentKeyLocked(recipient model.Identifier, contentKey [32]byte) (*model.WrappedKey, error) {
	if recipient.Tag == model.IdentifierPreSharedKeyID {
		var pskID [16]byte
		copy(pskID[:], recipient.Bytes)
		pskKey, ok := u.perms.HeldPSKKey(pskID)
		if !ok {
			log.Warn("keyload: no local psk key to wrap with", zap.String("psk_id", recipient.String()))
			return nil, nil
		}
		enc, err := encryption.AEADEncrypt(pskKey[:], contentKey[:], recipient.Bytes)
		if err != nil {
			return nil, fmt.Errorf("wrap content key to psk: %w", err)
		}
		return &model.WrappedKey{Recipient: recipient, EncryptedKey: enc}, nil
	}

	if recipient.Equal(u.identity.PublicIdentifier().Identifier) {
		// The local user already holds the key directly; no wrapping
		// round trip needed with itself.
		return nil, nil
	}

	pub, ok := u.perms.AcceptedPublicIdentity(recipient)
	if !ok || !pub.HasX25519 {
		log.Warn("keyload: no x25519 key on file for recipient", zap.String("identifier", recipient.String()))
		return nil, nil
	}

	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral wrap key: %w", err)
	}
	shared, err := dh.X25519SharedSecret(ephPriv, pub.X25519Pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	var wrapKey [32]byte
	if _, err := kdf.HKDF(shared, nil, []byte("keyload-wrap"), wrapKey[:]); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	enc, err := encryption.AEADEncrypt(wrapKey[:], contentKey[:], recipient.SortKey())
	if err != nil {
		return nil, fmt.Errorf("wrap content key: %w", err)
	}
	// prefix the ephemeral public key so the recipient can redo the ECDH
	encryptedKey := append(append([]byte(nil), ephPub[:]...), enc...)
	return &model.WrappedKey{Recipient: recipient, EncryptedKey: encryptedKey}, nil
}

// unwrapContentKeyLocked recovers a Keyload's content key from wk, if wk
// is addressed to this user's identity or a PSK it holds. Caller holds
// u.mu.
func (u *User) unwrapContentKeyLocked(wk model.WrappedKey) ([32]byte, bool) {
	var key [32]byte
	if wk.Recipient.Tag == model.IdentifierPreSharedKeyID {
		var pskID [16]byte
		copy(pskID[:], wk.Recipient.Bytes)
		pskKey, ok := u.perms.HeldPSKKey(pskID)
		if !ok {
			return key, false
		}
		plain, err := encryption.AEADDecrypt(pskKey[:], wk.EncryptedKey, wk.Recipient.Bytes)
		if err != nil || len(plain) != 32 {
			return key, false
		}
		copy(key[:], plain)
		return key, true
	}

	self := u.identity.PublicIdentifier()
	if !wk.Recipient.Equal(self.Identifier) {
		return key, false
	}
	if len(wk.EncryptedKey) < 32 {
		return key, false
	}
	var ephPub [32]byte
	copy(ephPub[:], wk.EncryptedKey[:32])
	shared, err := u.identity.KeyExchange(ephPub[:])
	if err != nil {
		return key, false
	}
	var wrapKey [32]byte
	if _, err := kdf.HKDF(shared[:], nil, []byte("keyload-wrap"), wrapKey[:]); err != nil {
		return key, false
	}
	plain, err := encryption.AEADDecrypt(wrapKey[:], wk.EncryptedKey[32:], self.Identifier.SortKey())
	if err != nil || len(plain) != 32 {
		return key, false
	}
	copy(key[:], plain)
	return key, true
}

// finishKeyloadLocked applies a Keyload's local effects: installing the
// new content key and ACL. Caller holds u.mu.
func (u *User) finishKeyloadLocked(topic string, keyload model.Keyload, contentKey [32]byte) error {
	if err := u.branches.SetContentKey(topic, contentKey); err != nil {
		return err
	}
	return u.perms.Apply(topic, keyload.NewACL)
}

// appendReadOnly returns acl with identifier granted ReadOnly, replacing
// any existing grant it already held.
func appendReadOnly(acl model.ACL, identifier model.Identifier) model.ACL {
	out := make(model.ACL, 0, len(acl)+1)
	for _, p := range acl {
		if !p.Identifier.Equal(identifier) {
			out = append(out, p)
		}
	}
	out = append(out, model.Permission{Identifier: identifier, Level: model.ReadOnly})
	return out
}

// AddPresharedKey registers a pre-shared key this user holds locally, so
// Keyloads addressed to its derived id can be wrapped (author side) or
// unwrapped (subscriber side). It returns the key's derived Identifier.
func (u *User) AddPresharedKey(key [32]byte) (model.Identifier, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	id, derivedKey, err := kdf.DerivePSK(key[:])
	if err != nil {
		return model.Identifier{}, fmt.Errorf("derive psk: %w", err)
	}
	u.perms.AddPSK(id, derivedKey)
	identifier := model.NewPSKIdentifier(id)
	u.heldPSKs = append(u.heldPSKs, id)
	return identifier, nil
}
