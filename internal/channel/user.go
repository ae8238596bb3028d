// Package channel implements the user state machine (spec.md §4.G), the
// engine's core: it composes the branch/cursor store, permission state,
// spongos protocol state, and envelope codec to process inbound messages,
// emit outbound messages, enforce permissions, and recover via
// sync/peek/skip.
package channel

import (
	"context"
	"fmt"
	"sync"

	"streams/internal/cryptographic/hashing"
	"streams/internal/log"
	"streams/internal/model"
	"streams/internal/ports"
	"streams/internal/protocol/envelope"
	"streams/internal/protocol/spongos"

	"go.uber.org/zap"
)

// User is the engine's state machine. It is owned by exactly one logical
// actor; its mutating methods are not reentrant (spec.md §5). A User is
// built once per identity per channel — subscribing to several channels
// means holding several Users.
type User struct {
	mu sync.Mutex

	identity  ports.Identity
	transport ports.Transport

	channelID   model.ChannelID
	rootTopic   string
	channelType model.ChannelType
	isAuthor    bool
	authorPub   ports.PublicIdentity
	connected   bool
	subscribed  bool

	branches *BranchStore
	perms    *PermissionState
	heldPSKs [][16]byte

	pending []*FetchedMessage
	peek    *peekState
}

// NewUser constructs a User that has not yet joined any channel. Call
// CreateChannel to author a new channel, or Connect to join an existing
// one.
func NewUser(identity ports.Identity, transport ports.Transport) *User {
	return &User{
		identity:  identity,
		transport: transport,
	}
}

// ChannelAddress names a channel: its id plus the Announce's address.
type ChannelAddress struct {
	ChannelID model.ChannelID
	Announce  model.Address
}

// CreateChannel authors a new channel (spec.md §4.G, create_channel).
// number is the caller's chosen channel number; rootTopic names the
// channel's root branch.
func (u *User) CreateChannel(ctx context.Context, number uint32, rootTopic string) (ChannelAddress, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.connected {
		return ChannelAddress{}, fmt.Errorf("%w: user already bound to a channel", model.ErrInvariantViolation)
	}

	authorPub := u.identity.PublicIdentifier()
	channelID := deriveChannelID(authorPub.Identifier, number)

	announce := model.Announce{
		AuthorIdentifier: authorPub.Identifier,
		ChannelType:      model.ChannelMultiBranch,
		RootTopic:        model.NormalizeTopic(rootTopic),
	}
	body, err := model.EncodeBody(announce)
	if err != nil {
		return ChannelAddress{}, fmt.Errorf("encode announce: %w", err)
	}

	rootState := spongos.New(channelID[:])
	preState := rootState.Fork()
	msgID := spongos.DeriveMsgID(rootState, authorPub.Identifier, 1)
	addr := model.Address{ChannelID: channelID, MsgID: msgID}

	frame := &envelope.Frame{
		ContentType: model.ContentAnnounce,
		ChannelID:   channelID,
		Predecessor: model.MsgID{},
		Publisher:   authorPub.Identifier,
		SeqNo:       1,
		TopicRef:    model.TopicRef(announce.RootTopic),
		Body:        body,
	}
	rootState.Absorb(headerBytes(frame))
	sig, err := u.identity.Sign(sigPayload(frame))
	if err != nil {
		return ChannelAddress{}, fmt.Errorf("sign announce: %w", err)
	}
	sealed := rootState.Encrypt(body)
	frame.Body = sealed
	frame.AuthTag = sig
	rootState.Commit()

	wire, err := envelope.Encode(frame)
	if err != nil {
		return ChannelAddress{}, fmt.Errorf("encode frame: %w", err)
	}
	if err := u.transport.Put(ctx, addr.TangleIndex(), wire); err != nil {
		return ChannelAddress{}, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}

	u.channelID = channelID
	u.rootTopic = announce.RootTopic
	u.channelType = announce.ChannelType
	u.isAuthor = true
	u.authorPub = authorPub
	u.connected = true
	u.subscribed = true
	u.branches = NewBranchStore()
	u.perms = NewPermissionState(authorPub.Identifier)
	u.perms.AddAccepted(authorPub)

	u.branches.CreateBranch(announce.RootTopic, "", addr, rootState)
	if err := u.branches.Record(authorPub.Identifier, announce.RootTopic, 1, addr, preState, rootState); err != nil {
		return ChannelAddress{}, err
	}
	if err := u.perms.Apply(announce.RootTopic, model.ACL{{Identifier: authorPub.Identifier, Level: model.Admin}}); err != nil {
		return ChannelAddress{}, err
	}

	log.Info("channel created", zap.String("channel", channelID.String()), zap.String("root_topic", announce.RootTopic))
	return ChannelAddress{ChannelID: channelID, Announce: addr}, nil
}

// Connect fetches and validates an existing channel's Announce (spec.md
// §4.G, connect). It initializes the root branch but does not grant a
// subscription: the caller must still Subscribe and be accepted.
func (u *User) Connect(ctx context.Context, channelAddr ChannelAddress) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.connected {
		return fmt.Errorf("%w: user already bound to a channel", model.ErrInvariantViolation)
	}

	wire, err := u.transport.Get(ctx, channelAddr.Announce.TangleIndex())
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	frame, err := envelope.Decode(wire)
	if err != nil {
		return err
	}
	if frame.ContentType != model.ContentAnnounce {
		return fmt.Errorf("%w: expected Announce", model.ErrMalformedFrame)
	}

	rootState := spongos.New(channelAddr.ChannelID[:])
	preState := rootState.Fork()
	rootState.Absorb(headerBytes(frame))
	body := rootState.Decrypt(frame.Body)
	var announce model.Announce
	if err := model.DecodeBody(body, &announce); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}

	checkFrame := &envelope.Frame{
		ContentType: frame.ContentType,
		ChannelID:   frame.ChannelID,
		Predecessor: frame.Predecessor,
		Publisher:   frame.Publisher,
		SeqNo:       frame.SeqNo,
		TopicRef:    frame.TopicRef,
		Body:        body,
	}
	if !u.identity.Verify(ports.PublicIdentity{Identifier: announce.AuthorIdentifier}, sigPayload(checkFrame), frame.AuthTag) {
		return fmt.Errorf("%w: announce signature", model.ErrAuthenticationFailed)
	}
	rootState.Commit()

	u.channelID = channelAddr.ChannelID
	u.rootTopic = announce.RootTopic
	u.channelType = announce.ChannelType
	u.isAuthor = false
	u.authorPub = ports.PublicIdentity{Identifier: announce.AuthorIdentifier}
	u.connected = true
	u.branches = NewBranchStore()
	u.perms = NewPermissionState(announce.AuthorIdentifier)
	u.perms.AddAccepted(u.authorPub)

	u.branches.CreateBranch(announce.RootTopic, "", channelAddr.Announce, rootState)
	if err := u.branches.Record(announce.AuthorIdentifier, announce.RootTopic, 1, channelAddr.Announce, preState, rootState); err != nil {
		return err
	}
	if err := u.perms.Apply(announce.RootTopic, model.ACL{{Identifier: announce.AuthorIdentifier, Level: model.Admin}}); err != nil {
		return err
	}
	log.Info("connected to channel", zap.String("channel", u.channelID.String()))
	return nil
}

// Subscribe emits a Subscribe message carrying this user's long-term
// X25519 public key (spec.md §4.G, subscribe). The returned address
// must be carried out-of-band to the author, who accepts it with
// AcceptSubscription.
func (u *User) Subscribe(ctx context.Context) (model.Address, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.connected {
		return model.Address{}, fmt.Errorf("%w: call Connect first", model.ErrInvariantViolation)
	}

	selfPub := u.identity.PublicIdentifier()
	sub := model.Subscribe{
		SubscriberIdentifier: selfPub.Identifier,
		SubscriberX25519Pub:  selfPub.X25519Pub,
	}
	addr, _, err := u.publishOnRootUnconditionally(ctx, model.ContentSubscribe, sub, selfPub.Identifier)
	if err != nil {
		return model.Address{}, err
	}
	u.subscribed = false
	log.Info("subscribe sent", zap.String("address", addr.String()))
	return addr, nil
}

// AcceptSubscription is author-only (spec.md §4.G). It verifies the
// Subscribe at addr, adds the subscriber to the accepted set, and emits
// an implicit Keyload on the root branch granting them ReadOnly — the
// Open Question in spec.md §9 is resolved in favor of always emitting
// that Keyload.
func (u *User) AcceptSubscription(ctx context.Context, addr model.Address) (model.Identifier, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.isAuthor {
		return model.Identifier{}, fmt.Errorf("%w: only the author may accept subscriptions", model.ErrPermissionDenied)
	}

	wire, err := u.transport.Get(ctx, addr.TangleIndex())
	if err != nil {
		return model.Identifier{}, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	frame, err := envelope.Decode(wire)
	if err != nil {
		return model.Identifier{}, err
	}
	if frame.ContentType != model.ContentSubscribe {
		return model.Identifier{}, fmt.Errorf("%w: expected Subscribe", model.ErrMalformedFrame)
	}

	// A Subscribe is always its sender's first message on the root branch,
	// so it always forks from the branch's initiating state regardless of
	// whose identifier ForkFor is asked about.
	root, _ := u.branches.Branch(u.rootTopic)
	scratch, preState, _, _ := root.ForkFor(model.Identifier{})
	scratch.Absorb(headerBytes(frame))
	body := scratch.Decrypt(frame.Body)
	var sub model.Subscribe
	if err := model.DecodeBody(body, &sub); err != nil {
		return model.Identifier{}, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	tag := scratch.Tag()
	if !ctEqual(tag[:], frame.AuthTag) {
		return model.Identifier{}, fmt.Errorf("%w: subscribe tag", model.ErrAuthenticationFailed)
	}
	scratch.Commit()
	if err := u.branches.Record(sub.SubscriberIdentifier, u.rootTopic, frame.SeqNo, addr, preState, scratch); err != nil {
		return model.Identifier{}, err
	}

	u.perms.AddAccepted(ports.PublicIdentity{
		Identifier: sub.SubscriberIdentifier,
		X25519Pub:  sub.SubscriberX25519Pub,
		HasX25519:  true,
	})
	log.Info("subscription accepted", zap.String("address", addr.String()))

	if _, err := u.emitKeyloadLocked(ctx, u.rootTopic, appendReadOnly(u.perms.ACL(u.rootTopic), sub.SubscriberIdentifier)); err != nil {
		return model.Identifier{}, err
	}
	return sub.SubscriberIdentifier, nil
}

// AddSubscriber is author-only (spec.md §4.G). It adds identifier to the
// accepted set without requiring a Subscribe message, for identifiers
// shared out-of-band.
func (u *User) AddSubscriber(identifier model.Identifier) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.isAuthor {
		return false, fmt.Errorf("%w: only the author may add subscribers", model.ErrPermissionDenied)
	}
	already := u.perms.IsAccepted(identifier)
	u.perms.AddAccepted(ports.PublicIdentity{Identifier: identifier})
	return !already, nil
}

// AcceptedSubscribers returns the channel's accepted-subscriber set, for
// cross-user agreement checks (spec.md §8 property 3).
func (u *User) AcceptedSubscribers() []model.Identifier {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.perms.Accepted()
}

// ACL returns topic's own directly-set ACL.
func (u *User) ACL(topic string) model.ACL {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.perms.ACL(topic)
}

// IsSubscribed reports whether this user has been accepted into the
// channel (author included).
func (u *User) IsSubscribed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isAuthor || u.perms.IsAccepted(u.identity.PublicIdentifier().Identifier)
}

func deriveChannelID(author model.Identifier, number uint32) model.ChannelID {
	var numBytes [4]byte
	numBytes[0] = byte(number >> 24)
	numBytes[1] = byte(number >> 16)
	numBytes[2] = byte(number >> 8)
	numBytes[3] = byte(number)
	digest := hashing.Sum256(author.SortKey(), numBytes[:])
	var id model.ChannelID
	// the digest is 32 bytes; stretch to the 40-byte channel id by
	// appending a second, domain-separated digest's leading 8 bytes.
	tail := hashing.Sum256(digest[:], []byte("channel-id-tail"))
	copy(id[:32], digest[:])
	copy(id[32:], tail[:8])
	return id
}

func headerBytes(f *envelope.Frame) []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(f.ContentType))
	b = append(b, f.ChannelID[:]...)
	b = append(b, f.Predecessor[:]...)
	b = append(b, f.Publisher.SortKey()...)
	b = append(b, byte(f.SeqNo), byte(f.SeqNo>>8), byte(f.SeqNo>>16), byte(f.SeqNo>>24))
	b = append(b, f.TopicRef[:]...)
	return b
}

// sigPayload is what Announce, SignedPacket and Keyload sign: the header
// fields plus the plaintext body. The signature is taken before the body
// is sealed, so a verifier checks it against the body it has decrypted.
func sigPayload(f *envelope.Frame) []byte {
	return append(headerBytes(f), f.Body...)
}

func ctEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

