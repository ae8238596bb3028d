package channel

import (
	"context"
	"fmt"

	"streams/internal/model"
	"streams/internal/protocol/envelope"
	"streams/internal/protocol/spongos"
)

// publishOnRootUnconditionally emits content on the root branch under
// publisherID without a permission check. It is used for Subscribe, which
// must reach the author before any permission has been granted, and for
// the Sequence and BranchAnnouncement messages Send and BranchFrom emit.
// Callers hold u.mu.
// It returns the message's address and the spongos state as committed
// after sealing it, so callers that need to seed a new branch off this
// exact message (BranchFrom) don't have to re-derive it.
func (u *User) publishOnRootUnconditionally(ctx context.Context, contentType model.ContentType, content any, publisherID model.Identifier) (model.Address, *spongos.State, error) {
	root, ok := u.branches.Branch(u.rootTopic)
	if !ok {
		return model.Address{}, nil, fmt.Errorf("%w: root branch not initialized", model.ErrInvariantViolation)
	}

	state, preState, predecessor, seq := root.ForkFor(publisherID)

	body, err := model.EncodeBody(content)
	if err != nil {
		return model.Address{}, nil, fmt.Errorf("encode body: %w", err)
	}

	msgID := spongos.DeriveMsgID(state, publisherID, seq)
	addr := model.Address{ChannelID: u.channelID, MsgID: msgID}

	frame := &envelope.Frame{
		ContentType: contentType,
		ChannelID:   u.channelID,
		Predecessor: predecessor.MsgID,
		Publisher:   publisherID,
		SeqNo:       seq,
		TopicRef:    model.TopicRef(u.rootTopic),
	}
	state.Absorb(headerBytes(frame))
	sealed := state.Encrypt(body)
	frame.Body = sealed
	tag := state.Tag()
	frame.AuthTag = tag[:]
	state.Commit()

	wire, err := envelope.Encode(frame)
	if err != nil {
		return model.Address{}, nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := u.transport.Put(ctx, addr.TangleIndex(), wire); err != nil {
		return model.Address{}, nil, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	if err := u.branches.Record(publisherID, u.rootTopic, seq, addr, preState, state); err != nil {
		return model.Address{}, nil, err
	}
	return addr, state, nil
}

// MessageBuilder composes a SignedPacket or TaggedPacket for publication
// (spec.md §4.G, the message/send operation).
type MessageBuilder struct {
	u             *User
	topic         string
	publicPayload []byte
	maskedPayload []byte
	signed        bool
	set           bool
}

// Message starts building a message to publish.
func (u *User) Message() *MessageBuilder {
	return &MessageBuilder{u: u}
}

// Topic sets the destination branch.
func (m *MessageBuilder) Topic(topic string) *MessageBuilder {
	m.topic = model.NormalizeTopic(topic)
	return m
}

// Public sets the payload delivered as FetchedMessage.PublicPayload. It is
// encoded into the same packet body as any masked payload, and Send
// encrypts that whole body under the branch's spongos state, so the public
// payload is not readable without the branch's content key either.
func (m *MessageBuilder) Public(payload []byte) *MessageBuilder {
	m.publicPayload = payload
	m.set = true
	return m
}

// Masked sets the payload encrypted under the branch's content key.
func (m *MessageBuilder) Masked(payload []byte) *MessageBuilder {
	m.maskedPayload = payload
	m.set = true
	return m
}

// Signed marks the message as a SignedPacket, authenticated by the
// publisher's Ed25519 signature rather than the branch's sponge MAC.
func (m *MessageBuilder) Signed() *MessageBuilder {
	m.signed = true
	return m
}

// Send seals and publishes the message, returning its address (spec.md
// §4.G, edge case: PermissionDenied if the caller lacks write access).
func (m *MessageBuilder) Send(ctx context.Context) (model.Address, error) {
	if m.topic == "" {
		return model.Address{}, fmt.Errorf("%w: message has no topic", model.ErrInvariantViolation)
	}
	if !m.set {
		return model.Address{}, fmt.Errorf("%w: message has no payload", model.ErrInvariantViolation)
	}

	u := m.u
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.connected {
		return model.Address{}, fmt.Errorf("%w: call Connect or CreateChannel first", model.ErrInvariantViolation)
	}

	self := u.identity.PublicIdentifier()
	if !u.perms.MayWrite(self.Identifier, u.heldPSKIDsLocked(), m.topic) {
		return model.Address{}, fmt.Errorf("%w: no write access to %q", model.ErrPermissionDenied, m.topic)
	}

	branch, ok := u.branches.Branch(m.topic)
	if !ok {
		var err error
		branch, err = u.implicitBranchLocked(ctx, m.topic)
		if err != nil {
			return model.Address{}, err
		}
	}
	if !branch.HasKey {
		return model.Address{}, fmt.Errorf("%w: no content key for %q yet", model.ErrInvariantViolation, m.topic)
	}

	contentType := model.ContentTaggedPacket
	var body []byte
	var err error
	if m.signed {
		contentType = model.ContentSignedPacket
		body, err = model.EncodeBody(model.SignedPacket{PublicPayload: m.publicPayload, MaskedPayload: m.maskedPayload})
	} else {
		body, err = model.EncodeBody(model.TaggedPacket{PublicPayload: m.publicPayload, MaskedPayload: m.maskedPayload})
	}
	if err != nil {
		return model.Address{}, fmt.Errorf("encode body: %w", err)
	}

	state, preState, predecessor, seq := branch.ForkFor(self.Identifier)
	msgID := spongos.DeriveMsgID(state, self.Identifier, seq)
	addr := model.Address{ChannelID: u.channelID, MsgID: msgID}

	frame := &envelope.Frame{
		ContentType: contentType,
		ChannelID:   u.channelID,
		Predecessor: predecessor.MsgID,
		Publisher:   self.Identifier,
		SeqNo:       seq,
		TopicRef:    model.TopicRef(m.topic),
	}
	state.Absorb(headerBytes(frame))

	var sig []byte
	if m.signed {
		frame.Body = body
		var err error
		sig, err = u.identity.Sign(sigPayload(frame))
		if err != nil {
			return model.Address{}, fmt.Errorf("sign message: %w", err)
		}
	}

	sealed := state.Encrypt(body)
	frame.Body = sealed

	if m.signed {
		frame.AuthTag = sig
	} else {
		tag := state.Tag()
		frame.AuthTag = tag[:]
	}
	state.Commit()

	wire, err := envelope.Encode(frame)
	if err != nil {
		return model.Address{}, fmt.Errorf("encode frame: %w", err)
	}
	if err := u.transport.Put(ctx, addr.TangleIndex(), wire); err != nil {
		return model.Address{}, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	if err := u.branches.Record(self.Identifier, m.topic, seq, addr, preState, state); err != nil {
		return model.Address{}, err
	}

	if m.topic != u.rootTopic {
		// Multi-branch readers would otherwise have to poll every topic to
		// notice new traffic; a Sequence on the root branch points them
		// straight at it (spec.md GLOSSARY, model.Sequence).
		sequence := model.Sequence{Publisher: self.Identifier, TargetTopic: m.topic, TargetAddr: addr}
		if _, _, err := u.publishOnRootUnconditionally(ctx, model.ContentSequence, sequence, self.Identifier); err != nil {
			return model.Address{}, fmt.Errorf("emit sequence: %w", err)
		}
	}
	return addr, nil
}

// implicitBranchLocked creates topic as a fresh branch rooted under the
// channel's root topic, inheriting the root ACL, when a writer first
// publishes to a topic no BranchAnnouncement has declared yet (spec.md
// §3, branch lifecycle: "or implicit first SignedPacket/TaggedPacket with
// a new topic by a writer of the parent"). Caller holds u.mu.
func (u *User) implicitBranchLocked(ctx context.Context, topic string) (*Branch, error) {
	root, ok := u.branches.Branch(u.rootTopic)
	if !ok {
		return nil, fmt.Errorf("%w: root branch not initialized", model.ErrInvariantViolation)
	}
	// The implicit branch has no announcing message of its own, so its
	// fork point has to be derived rather than pointed at an address:
	// fork the root's initiating state and bind the topic name into it,
	// so two implicit branches never share a msgid trajectory even
	// though neither has a distinct InitAddr.
	state := root.KeyloadState.Fork()
	state.Absorb([]byte(topic))
	state.Commit()
	branch := u.branches.CreateBranch(topic, u.rootTopic, root.InitAddr, state)
	branch.ContentKey = root.ContentKey
	branch.HasKey = root.HasKey
	return branch, nil
}

// BranchFrom declares a new branch under parentTopic and emits its
// initial Keyload, inheriting parentTopic's ACL unless overridden by a
// subsequent Permissions(newTopic).Apply call (spec.md §4.G,
// branch_from). The caller must hold write access on parentTopic.
func (u *User) BranchFrom(ctx context.Context, parentTopic, newTopic string) (model.Address, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.connected {
		return model.Address{}, fmt.Errorf("%w: call Connect or CreateChannel first", model.ErrInvariantViolation)
	}
	parentTopic = model.NormalizeTopic(parentTopic)
	newTopic = model.NormalizeTopic(newTopic)

	self := u.identity.PublicIdentifier()
	if !u.perms.MayWrite(self.Identifier, u.heldPSKIDsLocked(), parentTopic) {
		return model.Address{}, fmt.Errorf("%w: no write access to %q", model.ErrPermissionDenied, parentTopic)
	}
	if _, exists := u.branches.Branch(newTopic); exists {
		return model.Address{}, fmt.Errorf("%w: topic %q already exists", model.ErrInvariantViolation, newTopic)
	}

	if _, ok := u.branches.Branch(parentTopic); !ok {
		return model.Address{}, fmt.Errorf("%w: unknown parent topic %q", model.ErrInvariantViolation, parentTopic)
	}

	inheritedACL := u.perms.ACL(parentTopic)
	keyload, contentKey, err := u.buildKeyloadLocked(newTopic, inheritedACL)
	if err != nil {
		return model.Address{}, err
	}

	announcement := model.BranchAnnouncement{
		ParentTopic: parentTopic,
		NewTopic:    newTopic,
		Initial:     keyload,
	}
	// The new branch forks off the BranchAnnouncement itself, so its
	// state can only be created once the announcement has been sealed.
	annAddr, annState, err := u.publishOnRootUnconditionally(ctx, model.ContentBranchAnnouncement, announcement, self.Identifier)
	if err != nil {
		return model.Address{}, err
	}
	u.branches.CreateBranch(newTopic, parentTopic, annAddr, annState)

	if err := u.finishKeyloadLocked(newTopic, keyload, contentKey); err != nil {
		return model.Address{}, err
	}
	return annAddr, nil
}

// heldPSKIDsLocked returns this user's locally held PSK ids, for ACL
// resolution. Caller holds u.mu.
func (u *User) heldPSKIDsLocked() [][16]byte {
	return u.heldPSKs
}
