package channel

import (
	"context"
	"testing"

	"streams/internal/identity"
	"streams/internal/model"
	"streams/internal/transport"
)

// newTestUsers wires an author and one subscriber onto a shared in-memory
// transport, fully subscribed and accepted on the root branch.
func newTestUsers(t *testing.T) (author, sub *User) {
	t.Helper()
	tr := transport.NewMemory()

	authorID, err := identity.NewEd25519Identity()
	if err != nil {
		t.Fatalf("author identity: %v", err)
	}
	subID, err := identity.NewEd25519Identity()
	if err != nil {
		t.Fatalf("subscriber identity: %v", err)
	}

	author = NewUser(authorID, tr)
	sub = NewUser(subID, tr)

	ctx := context.Background()
	chanAddr, err := author.CreateChannel(ctx, 1, "root")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := sub.Connect(ctx, chanAddr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	subAddr, err := sub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := author.AcceptSubscription(ctx, subAddr); err != nil {
		t.Fatalf("accept subscription: %v", err)
	}
	if _, err := sub.Sync(ctx); err != nil {
		t.Fatalf("subscriber initial sync: %v", err)
	}
	return author, sub
}

func TestSyncDeliversPublishedMessages(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	for i, payload := range [][]byte{[]byte("hello"), []byte("world")} {
		if _, err := author.Message().Topic("root").Public(payload).Send(ctx); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	msgs, err := sub.FetchNextMsgs(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].PublicPayload) != "hello" || string(msgs[1].PublicPayload) != "world" {
		t.Fatalf("unexpected payloads: %q, %q", msgs[0].PublicPayload, msgs[1].PublicPayload)
	}
}

func TestSelectiveSyncRestrictsToSelector(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	if _, err := author.BranchFrom(ctx, "root", "root/side"); err != nil {
		t.Fatalf("branch from: %v", err)
	}
	if _, err := author.Message().Topic("root/side").Public([]byte("side-msg")).Send(ctx); err != nil {
		t.Fatalf("send to side branch: %v", err)
	}
	if _, err := author.Message().Topic("root").Public([]byte("root-msg")).Send(ctx); err != nil {
		t.Fatalf("send to root: %v", err)
	}

	if _, err := sub.SelectiveSync(ctx, []Selector{TopicSelector("root/side")}); err != nil {
		t.Fatalf("selective sync: %v", err)
	}
	msgs, err := sub.FetchNextMsgs(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].PublicPayload) != "side-msg" {
		t.Fatalf("selective sync leaked or missed messages: %+v", msgs)
	}
}

func TestPeekDoesNotAdvanceRealCursor(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	if _, err := author.Message().Topic("root").Public([]byte("peeked")).Send(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}

	peeked, err := sub.Peek(ctx, 1)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(peeked) != 1 || string(peeked[0].PublicPayload) != "peeked" {
		t.Fatalf("unexpected peek result: %+v", peeked)
	}

	// A real fetch after peeking must still see the same message: peek
	// must not have consumed it from the real cursor.
	msg, err := sub.FetchNextMsg(ctx)
	if err != nil {
		t.Fatalf("fetch after peek: %v", err)
	}
	if msg == nil || string(msg.PublicPayload) != "peeked" {
		t.Fatalf("fetch after peek should still see the message, got %+v", msg)
	}
}

func TestSkipConsumesWithoutReturning(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	if _, err := author.Message().Topic("root").Public([]byte("skip-me")).Send(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := author.Message().Topic("root").Public([]byte("keep-me")).Send(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := sub.Skip(ctx, 1); err != nil {
		t.Fatalf("skip: %v", err)
	}
	msg, err := sub.FetchNextMsg(ctx)
	if err != nil {
		t.Fatalf("fetch after skip: %v", err)
	}
	if msg == nil || string(msg.PublicPayload) != "keep-me" {
		t.Fatalf("skip should have consumed skip-me, got %+v", msg)
	}
}

func TestFetchPrevMsgWalksBackAcrossKeyRotation(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	if _, err := author.Message().Topic("root").Public([]byte("before-rotation")).Send(ctx); err != nil {
		t.Fatalf("send first: %v", err)
	}

	// Rotate the root branch's content key by re-applying its ACL.
	if _, err := author.Permissions("root").Apply(ctx); err != nil {
		t.Fatalf("rotate keyload: %v", err)
	}

	if _, err := author.Message().Topic("root").Public([]byte("after-rotation")).Send(ctx); err != nil {
		t.Fatalf("send second: %v", err)
	}

	msgs, err := sub.FetchNextMsgs(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var latest *FetchedMessage
	for _, m := range msgs {
		if string(m.PublicPayload) == "after-rotation" {
			latest = m
		}
	}
	if latest == nil {
		t.Fatalf("did not find after-rotation message among %+v", msgs)
	}

	// The author's full chain on root is: seq1 Announce (CreateChannel),
	// seq2 the implicit accept-Keyload (AcceptSubscription), seq3
	// before-rotation, seq4 the rotating Keyload, seq5 after-rotation.
	// Walking back from after-rotation surfaces the rotating Keyload
	// first, then before-rotation, then the accept-Keyload, then the
	// Announce, then nil.
	keyloadMsg, err := sub.FetchPrevMsg(ctx, latest)
	if err != nil {
		t.Fatalf("fetch prev (keyload): %v", err)
	}
	if keyloadMsg == nil || keyloadMsg.ContentType != model.ContentKeyload {
		t.Fatalf("expected the rotating keyload as the immediate predecessor, got %+v", keyloadMsg)
	}

	prev, err := sub.FetchPrevMsg(ctx, keyloadMsg)
	if err != nil {
		t.Fatalf("fetch prev: %v", err)
	}
	if prev == nil || string(prev.PublicPayload) != "before-rotation" {
		t.Fatalf("fetch prev across key rotation failed, got %+v", prev)
	}

	acceptKeyload, err := sub.FetchPrevMsg(ctx, prev)
	if err != nil {
		t.Fatalf("fetch prev (accept keyload): %v", err)
	}
	if acceptKeyload == nil || acceptKeyload.ContentType != model.ContentKeyload {
		t.Fatalf("expected the accept-subscription keyload, got %+v", acceptKeyload)
	}

	announce, err := sub.FetchPrevMsg(ctx, acceptKeyload)
	if err != nil {
		t.Fatalf("fetch prev (announce): %v", err)
	}
	if announce == nil || announce.ContentType != model.ContentAnnounce {
		t.Fatalf("expected the channel announce, got %+v", announce)
	}

	none, err := sub.FetchPrevMsg(ctx, announce)
	if err != nil {
		t.Fatalf("fetch prev of first message: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no predecessor before a publisher's first message, got %+v", none)
	}
}
