package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"streams/internal/log"
	"streams/internal/model"
	"streams/internal/ports"
	"streams/internal/protocol/envelope"
	"streams/internal/protocol/spongos"

	"go.uber.org/zap"
)

// maxSyncPasses is a runaway safety valve, not an operational limit: each
// pass advances every publisher's frontier by at most one message, so a
// long-lived publisher naturally needs one pass per pending message.
const maxSyncPasses = 4096

// FetchedMessage is one message sync has decoded and authenticated,
// handed back to the caller in topological order (spec.md §4.G,
// fetch_next_msg / messages). Administrative content (Keyload,
// BranchAnnouncement, Unsubscribe, Sequence) is applied to local state
// directly and never surfaced here.
type FetchedMessage struct {
	Address       model.Address
	ContentType   model.ContentType
	Topic         string
	Publisher     model.Identifier
	SeqNo         uint64
	PublicPayload []byte
	MaskedPayload []byte
}

// candidate is a not-yet-fetched message this user's local state predicts
// could exist next on some branch: the address it would land at if a
// given publisher wrote there, and the spongos state to decrypt/verify it
// under if it does.
type candidate struct {
	Topic       string
	Publisher   model.Identifier
	Addr        model.Address
	Predecessor model.Address
	SeqNo       uint64
	State       *spongos.State
}

// GenNextMsgAddresses returns every address this user's local state
// predicts could hold a not-yet-seen message: one candidate per
// (topic, publisher) pair with a plausible reason to write next (spec.md
// §4.E, GLOSSARY "tips"). Callers driving their own fetch loop over an
// external Transport can use this instead of Sync.
func (u *User) GenNextMsgAddresses() []model.Address {
	u.mu.Lock()
	defer u.mu.Unlock()
	cands := u.candidatesLocked(nil)
	out := make([]model.Address, len(cands))
	for i, c := range cands {
		out[i] = c.Addr
	}
	return out
}

// candidatesLocked computes the current candidate frontier. Root-topic
// candidates are always included regardless of selectors: BranchAnnouncement
// and Sequence, the only way a selected descendant branch is ever
// discovered, are published on the root branch, so filtering them out
// would strand SelectiveSync on any topic but root. Non-root candidates
// are restricted to (topic, publisher) pairs any of selectors matches
// (everything, if selectors is empty); delivery of ordinary content is
// filtered separately in syncLocked. Caller holds u.mu.
func (u *User) candidatesLocked(selectors []Selector) []candidate {
	var out []candidate
	for _, topic := range u.branches.Topics() {
		branch, ok := u.branches.Branch(topic)
		if !ok {
			continue
		}
		for _, publisher := range u.candidatePublishersLocked(topic) {
			if topic != u.rootTopic && !anySelectorMatches(selectors, topic, publisher) {
				continue
			}
			_, preState, predecessor, seq := branch.ForkFor(publisher)
			msgID := spongos.DeriveMsgID(preState, publisher, seq)
			out = append(out, candidate{
				Topic:       topic,
				Publisher:   publisher,
				Addr:        model.Address{ChannelID: u.channelID, MsgID: msgID},
				Predecessor: predecessor,
				SeqNo:       seq,
				State:       preState,
			})
		}
	}
	return out
}

// candidatePublishersLocked lists every identifier plausible as topic's
// next publisher. On the root branch this is every accepted subscriber
// unconditionally: Subscribe, Unsubscribe, Sequence, and
// BranchAnnouncement are all published there without regard to root's
// own ACL (spec.md §4.D). On any other branch it's whoever currently
// holds write access there, plus anyone who already has a cursor (an ACL
// change may have downgraded them after they started publishing, and
// their older messages are still worth fetching).
func (u *User) candidatePublishersLocked(topic string) []model.Identifier {
	seen := make(map[string]model.Identifier)
	add := func(id model.Identifier) {
		if id.IsZero() {
			return
		}
		seen[identifierKey(id)] = id
	}
	add(u.authorPub.Identifier)
	if topic == u.rootTopic {
		for _, id := range u.perms.Accepted() {
			add(id)
		}
	} else {
		for _, id := range u.perms.Accepted() {
			if u.perms.MayWrite(id, nil, topic) {
				add(id)
			}
		}
	}
	if branch, ok := u.branches.Branch(topic); ok {
		for _, c := range branch.cursorList() {
			add(c.Publisher)
		}
	}
	out := make([]model.Identifier, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].SortKey()) < string(out[j].SortKey()) })
	return out
}

// Sync fetches and processes every reachable pending message across the
// whole channel, in topological order (spec.md §4.G, sync).
func (u *User) Sync(ctx context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.syncLocked(ctx, nil)
}

// SelectiveSync is Sync restricted to branches/publishers matching any of
// selectors (spec.md §4.G, selective_sync). The root branch's
// administrative traffic (Keyload, BranchAnnouncement, Sequence) is
// always processed regardless of selectors, since it's the only way a
// selected descendant branch is ever discovered; only the delivery of
// ordinary content is restricted to what matches.
func (u *User) SelectiveSync(ctx context.Context, selectors []Selector) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.syncLocked(ctx, selectors)
}

// syncLocked drives the frontier forward one pass at a time: each pass
// fetches every current candidate address and processes whatever landed.
// A pass that fetches candidates but processes none of them means the
// frontier is stuck — not because a predecessor is still missing (this
// engine's addressing makes that impossible: a candidate address is only
// guessable once its predecessor has already been processed) but because
// something about those messages could never be authenticated or applied.
// Those are reported as OrphanedMessages rather than dropped silently.
// Caller holds u.mu.
func (u *User) syncLocked(ctx context.Context, selectors []Selector) (int, error) {
	total := 0
	for pass := 0; pass < maxSyncPasses; pass++ {
		cands := u.candidatesLocked(selectors)
		if len(cands) == 0 {
			return total, nil
		}
		addrs := make([][32]byte, len(cands))
		for i, c := range cands {
			addrs[i] = c.Addr.TangleIndex()
		}
		blobs, err := u.transport.GetMany(ctx, addrs)
		if err != nil {
			return total, fmt.Errorf("%w: %v", model.ErrTransport, err)
		}

		progressed := false
		stuck := 0
		for i, blob := range blobs {
			if blob == nil {
				continue
			}
			msg, err := u.processCandidateLocked(ctx, cands[i], blob)
			if err != nil {
				log.Warn("sync: candidate not processable", zap.String("address", cands[i].Addr.String()), zap.Error(err))
				stuck++
				continue
			}
			// Root-branch candidates are always fetched and applied (branch
			// discovery depends on it), but their ordinary content is only
			// handed to the caller if it matches the requested selectors.
			if msg != nil && anySelectorMatches(selectors, cands[i].Topic, cands[i].Publisher) {
				u.pending = append(u.pending, msg)
			}
			total++
			progressed = true
		}
		if !progressed {
			if stuck > 0 {
				return total, fmt.Errorf("%w: %d message(s)", model.ErrOrphanedMessages, stuck)
			}
			return total, nil
		}
	}
	return total, fmt.Errorf("%w: sync did not converge after %d passes", model.ErrOrphanedMessages, maxSyncPasses)
}

// processCandidateLocked decodes, authenticates, and applies the message
// at cand.Addr. It returns the decoded message for ordinary content, or
// nil for administrative content that was applied directly to local
// state. Caller holds u.mu.
func (u *User) processCandidateLocked(ctx context.Context, cand candidate, blob []byte) (*FetchedMessage, error) {
	frame, err := envelope.Decode(blob)
	if err != nil {
		return nil, err
	}
	if frame.Predecessor != cand.Predecessor.MsgID || !frame.Publisher.Equal(cand.Publisher) || frame.SeqNo != cand.SeqNo {
		return nil, fmt.Errorf("%w: frame at %s doesn't match its predicted chain", model.ErrUnknownPredecessor, cand.Addr.String())
	}

	preState := cand.State
	state := preState.Fork()
	state.Absorb(headerBytes(frame))
	body := state.Decrypt(frame.Body)

	var authenticated bool
	switch frame.ContentType {
	case model.ContentSignedPacket, model.ContentKeyload:
		signer, ok := u.resolveSignerLocked(frame.Publisher)
		if !ok {
			return nil, fmt.Errorf("%w: unknown signer %s", model.ErrAuthenticationFailed, frame.Publisher.String())
		}
		checkFrame := &envelope.Frame{
			ContentType: frame.ContentType, ChannelID: frame.ChannelID, Predecessor: frame.Predecessor,
			Publisher: frame.Publisher, SeqNo: frame.SeqNo, TopicRef: frame.TopicRef, Body: body,
		}
		authenticated = u.identity.Verify(signer, sigPayload(checkFrame), frame.AuthTag)
	default:
		tag := state.Tag()
		authenticated = ctEqual(tag[:], frame.AuthTag)
	}
	if !authenticated {
		return nil, fmt.Errorf("%w: %s at %s", model.ErrAuthenticationFailed, frame.ContentType, cand.Addr.String())
	}
	state.Commit()

	if err := u.branches.Record(cand.Publisher, cand.Topic, cand.SeqNo, cand.Addr, preState, state); err != nil {
		return nil, err
	}

	switch frame.ContentType {
	case model.ContentKeyload:
		return nil, u.processKeyloadLocked(cand.Topic, body)
	case model.ContentBranchAnnouncement:
		return nil, u.processBranchAnnouncementLocked(cand, state, body)
	case model.ContentSubscribe:
		return nil, u.processSubscribeLocked(body)
	case model.ContentUnsubscribe:
		return nil, u.processUnsubscribeLocked(body)
	case model.ContentSequence:
		return nil, u.processSequenceLocked(ctx, body)
	case model.ContentSignedPacket, model.ContentTaggedPacket:
		return u.processPacketLocked(cand, frame.ContentType, body)
	default:
		return nil, fmt.Errorf("%w: unexpected content type %s in sync", model.ErrMalformedFrame, frame.ContentType)
	}
}

// processSubscribeLocked re-records a subscriber's X25519 key once their
// own Subscribe message becomes reachable (it may have been processed by
// the author out of band before this user ever learned the subscriber's
// identity from a Keyload). Caller holds u.mu.
func (u *User) processSubscribeLocked(body []byte) error {
	var sub model.Subscribe
	if err := model.DecodeBody(body, &sub); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	u.perms.AddAccepted(ports.PublicIdentity{
		Identifier: sub.SubscriberIdentifier,
		X25519Pub:  sub.SubscriberX25519Pub,
		HasX25519:  true,
	})
	return nil
}

// processKeyloadLocked applies a synced Keyload: any identifier newly
// named in its ACL becomes an accepted subscriber (the Keyload is the
// only broadcast evidence non-author users get of who the author has
// accepted), the content key is unwrapped if this user is a recipient,
// and the ACL is installed. Caller holds u.mu.
func (u *User) processKeyloadLocked(topic string, body []byte) error {
	var kl model.Keyload
	if err := model.DecodeBody(body, &kl); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	for _, perm := range kl.NewACL {
		if perm.Identifier.Tag == model.IdentifierPreSharedKeyID || perm.Identifier.Equal(u.authorPub.Identifier) {
			continue
		}
		if !u.perms.IsAccepted(perm.Identifier) {
			u.perms.AddAccepted(ports.PublicIdentity{Identifier: perm.Identifier})
		}
	}
	if key, ok := u.findContentKeyLocked(kl.WrappedKeys); ok {
		if err := u.branches.SetContentKey(topic, key); err != nil {
			return err
		}
	}
	if err := u.perms.Apply(topic, kl.NewACL); err != nil {
		return err
	}
	log.Info("keyload synced", zap.String("topic", topic))
	return nil
}

// processBranchAnnouncementLocked registers a new branch and applies its
// initial Keyload, mirroring BranchFrom's own bookkeeping on the
// announcing side. state is the root branch's spongos state right after
// this exact message, already committed and recorded by the caller — the
// same fork point BranchFrom seeds the new branch with. Caller holds u.mu.
func (u *User) processBranchAnnouncementLocked(cand candidate, state *spongos.State, body []byte) error {
	var ann model.BranchAnnouncement
	if err := model.DecodeBody(body, &ann); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	if _, exists := u.branches.Branch(ann.NewTopic); exists {
		return nil
	}
	branch := u.branches.CreateBranch(ann.NewTopic, ann.ParentTopic, cand.Addr, state)
	for _, perm := range ann.Initial.NewACL {
		if perm.Identifier.Tag == model.IdentifierPreSharedKeyID || perm.Identifier.Equal(u.authorPub.Identifier) {
			continue
		}
		if !u.perms.IsAccepted(perm.Identifier) {
			u.perms.AddAccepted(ports.PublicIdentity{Identifier: perm.Identifier})
		}
	}
	if key, ok := u.findContentKeyLocked(ann.Initial.WrappedKeys); ok {
		branch.ContentKey = key
		branch.HasKey = true
	}
	if err := u.perms.Apply(ann.NewTopic, ann.Initial.NewACL); err != nil {
		return err
	}
	log.Info("branch announcement synced", zap.String("topic", ann.NewTopic), zap.String("parent", ann.ParentTopic))
	return nil
}

// processUnsubscribeLocked drops a departing subscriber from the accepted
// set (spec.md §4.D). Caller holds u.mu.
func (u *User) processUnsubscribeLocked(body []byte) error {
	var unsub model.Unsubscribe
	if err := model.DecodeBody(body, &unsub); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	u.perms.RemoveAccepted(unsub.SubscriberIdentifier)
	log.Info("unsubscribe synced", zap.String("subscriber", unsub.SubscriberIdentifier.String()))
	return nil
}

// processSequenceLocked registers the implicit branch a Sequence points
// at, if not already known, so the next candidatesLocked pass starts
// considering it (spec.md GLOSSARY, model.Sequence). Caller holds u.mu.
func (u *User) processSequenceLocked(ctx context.Context, body []byte) error {
	var seq model.Sequence
	if err := model.DecodeBody(body, &seq); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	if _, exists := u.branches.Branch(seq.TargetTopic); exists {
		return nil
	}
	_, err := u.implicitBranchLocked(ctx, seq.TargetTopic)
	return err
}

// processPacketLocked decodes a SignedPacket/TaggedPacket body into the
// message handed back to the caller. Caller holds u.mu.
func (u *User) processPacketLocked(cand candidate, contentType model.ContentType, body []byte) (*FetchedMessage, error) {
	msg := &FetchedMessage{Address: cand.Addr, ContentType: contentType, Topic: cand.Topic, Publisher: cand.Publisher, SeqNo: cand.SeqNo}
	if contentType == model.ContentSignedPacket {
		var sp model.SignedPacket
		if err := model.DecodeBody(body, &sp); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
		}
		msg.PublicPayload, msg.MaskedPayload = sp.PublicPayload, sp.MaskedPayload
		return msg, nil
	}
	var tp model.TaggedPacket
	if err := model.DecodeBody(body, &tp); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}
	msg.PublicPayload, msg.MaskedPayload = tp.PublicPayload, tp.MaskedPayload
	return msg, nil
}

// resolveSignerLocked returns the public material to verify a signed
// message from id, if known. Caller holds u.mu.
func (u *User) resolveSignerLocked(id model.Identifier) (ports.PublicIdentity, bool) {
	if id.Equal(u.authorPub.Identifier) {
		return u.authorPub, true
	}
	return u.perms.AcceptedPublicIdentity(id)
}

// findContentKeyLocked returns the first content key in wrapped this user
// can unwrap, if any. Caller holds u.mu.
func (u *User) findContentKeyLocked(wrapped []model.WrappedKey) ([32]byte, bool) {
	for _, wk := range wrapped {
		if key, ok := u.unwrapContentKeyLocked(wk); ok {
			return key, true
		}
	}
	return [32]byte{}, false
}

// NextMessage pops the earliest decoded message not yet delivered to the
// caller, if any (spec.md §4.G, "messages"). It does not touch the
// transport; call Sync/FetchNextMsg first to populate it.
func (u *User) NextMessage() (*FetchedMessage, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return nil, false
	}
	msg := u.pending[0]
	u.pending = u.pending[1:]
	return msg, true
}

// FetchNextMsg returns the next message, syncing first if none is
// already buffered (spec.md §4.G, fetch_next_msg).
func (u *User) FetchNextMsg(ctx context.Context) (*FetchedMessage, error) {
	if msg, ok := u.NextMessage(); ok {
		return msg, nil
	}
	u.mu.Lock()
	_, err := u.syncLocked(ctx, nil)
	u.mu.Unlock()
	if err != nil && !errors.Is(err, model.ErrOrphanedMessages) {
		return nil, err
	}
	msg, _ := u.NextMessage()
	return msg, nil
}

// FetchNextMsgs calls FetchNextMsg up to n times, stopping early once no
// more messages are available.
func (u *User) FetchNextMsgs(ctx context.Context, n int) ([]*FetchedMessage, error) {
	out := make([]*FetchedMessage, 0, n)
	for i := 0; i < n; i++ {
		msg, err := u.FetchNextMsg(ctx)
		if err != nil {
			return out, err
		}
		if msg == nil {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}
