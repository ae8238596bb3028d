package channel

import (
	"context"
	"fmt"

	"streams/internal/model"
	"streams/internal/protocol/envelope"
)

// FetchPrevMsg walks one step back from msg along its publisher's own
// chain on the same branch, decoding and authenticating whatever it
// finds there (spec.md §4.G, fetch_prev_msg). Unlike forward sync, this
// never advances any recorded cursor: it re-forks from the exact
// PreState this user already captured when msg's predecessor was first
// processed, so it stays correct even if the branch's content key has
// rotated since then. Returns (nil, nil) if msg is a publisher's first
// message on the branch.
func (u *User) FetchPrevMsg(ctx context.Context, msg *FetchedMessage) (*FetchedMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if msg.SeqNo <= 1 {
		return nil, nil
	}

	branch, ok := u.branches.Branch(msg.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %q", model.ErrInvariantViolation, msg.Topic)
	}
	hist := branch.HistoryFor(msg.Publisher)
	// hist is contiguous by SeqNo but starts wherever this process began
	// recording (seq 1, or the first message after a RestoreUser), so the
	// predecessor of msg (SeqNo-1) is looked up by SeqNo, not by index.
	idx := -1
	for i, c := range hist {
		if c.SeqNo == msg.SeqNo-1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: no history for %s on %q back to seq %d", model.ErrInvariantViolation, msg.Publisher.String(), msg.Topic, msg.SeqNo-1)
	}
	prev := hist[idx]
	if prev.PreState == nil {
		return nil, fmt.Errorf("%w: seq %d on %q predates prev-state tracking", model.ErrInvariantViolation, prev.SeqNo, msg.Topic)
	}
	// A publisher's first message follows the branch's initiating message,
	// except the Announce itself, whose predecessor is all-zero.
	var predecessor model.Address
	switch {
	case idx > 0:
		predecessor = hist[idx-1].Addr
	case prev.SeqNo > 1:
		return nil, fmt.Errorf("%w: no history for %s on %q back to seq %d", model.ErrInvariantViolation, msg.Publisher.String(), msg.Topic, prev.SeqNo-1)
	case prev.Addr != branch.InitAddr:
		predecessor = branch.InitAddr
	}

	cand := candidate{
		Topic:       msg.Topic,
		Publisher:   msg.Publisher,
		Addr:        prev.Addr,
		Predecessor: predecessor,
		SeqNo:       prev.SeqNo,
		State:       prev.PreState.Fork(),
	}
	blobs, err := u.transport.GetMany(ctx, [][32]byte{cand.Addr.TangleIndex()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	if len(blobs) == 0 || blobs[0] == nil {
		return nil, fmt.Errorf("%w: message at %s not found", model.ErrTransport, cand.Addr.String())
	}
	return u.decodeArchivedLocked(cand, blobs[0])
}

// FetchPrevMsgs walks up to n steps back from msg, stopping early once a
// publisher's first message on the branch is reached (spec.md §4.G,
// fetch_prev_msgs). Results are oldest-fetched-last, mirroring the walk
// direction: out[0] is msg's immediate predecessor, out[len-1] the
// furthest back reached.
func (u *User) FetchPrevMsgs(ctx context.Context, msg *FetchedMessage, n int) ([]*FetchedMessage, error) {
	out := make([]*FetchedMessage, 0, n)
	cur := msg
	for i := 0; i < n; i++ {
		prev, err := u.FetchPrevMsg(ctx, cur)
		if err != nil {
			return out, err
		}
		if prev == nil {
			break
		}
		out = append(out, prev)
		cur = prev
	}
	return out, nil
}

// decodeArchivedLocked decodes and authenticates a message found via
// reverse traversal, without touching any recorded cursor or applying
// administrative content to local state — the forward sync path already
// did that the first time this message was processed. Every content
// type is surfaced here, unlike forward sync's FetchedMessage stream,
// since the caller already knows this exact address exists and is
// asking about it by name. Caller holds u.mu.
func (u *User) decodeArchivedLocked(cand candidate, blob []byte) (*FetchedMessage, error) {
	frame, err := envelope.Decode(blob)
	if err != nil {
		return nil, err
	}
	if frame.Predecessor != cand.Predecessor.MsgID || !frame.Publisher.Equal(cand.Publisher) || frame.SeqNo != cand.SeqNo {
		return nil, fmt.Errorf("%w: frame at %s doesn't match its recorded chain", model.ErrUnknownPredecessor, cand.Addr.String())
	}

	state := cand.State
	state.Absorb(headerBytes(frame))
	body := state.Decrypt(frame.Body)

	var authenticated bool
	switch frame.ContentType {
	case model.ContentAnnounce, model.ContentSignedPacket, model.ContentKeyload:
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

	msg := &FetchedMessage{Address: cand.Addr, ContentType: frame.ContentType, Topic: cand.Topic, Publisher: cand.Publisher, SeqNo: cand.SeqNo}
	switch frame.ContentType {
	case model.ContentSignedPacket:
		var sp model.SignedPacket
		if err := model.DecodeBody(body, &sp); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
		}
		msg.PublicPayload, msg.MaskedPayload = sp.PublicPayload, sp.MaskedPayload
	case model.ContentTaggedPacket:
		var tp model.TaggedPacket
		if err := model.DecodeBody(body, &tp); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
		}
		msg.PublicPayload, msg.MaskedPayload = tp.PublicPayload, tp.MaskedPayload
	}
	return msg, nil
}
