package channel

import (
	"context"
	"errors"
	"testing"

	"streams/internal/model"
)

func TestApplyRotatesContentKeyAndACL(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	subID := sub.identity.PublicIdentifier().Identifier
	if _, err := author.Permissions("root").Add(subID, model.ReadWrite).Apply(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := sub.Sync(ctx); err != nil {
		t.Fatalf("subscriber sync after keyload: %v", err)
	}
	if _, err := sub.Message().Topic("root").Public([]byte("now i can write")).Send(ctx); err != nil {
		t.Fatalf("subscriber publish after grant: %v", err)
	}

	msgs, err := author.FetchNextMsgs(ctx, 10)
	if err != nil {
		t.Fatalf("author fetch: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].PublicPayload) != "now i can write" {
		t.Fatalf("author should see the subscriber's message, got %+v", msgs)
	}
}

func TestApplyDeniedWithoutAdmin(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	otherID := author.identity.PublicIdentifier().Identifier
	_, err := sub.Permissions("root").Add(otherID, model.ReadOnly).Apply(ctx)
	if err == nil {
		t.Fatalf("expected permission denied, got nil")
	}
	if !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestPresharedKeyRoundTripsThroughKeyload(t *testing.T) {
	author, sub := newTestUsers(t)
	ctx := context.Background()

	var raw [32]byte
	raw[0] = 0x42
	authorPSKID, err := author.AddPresharedKey(raw)
	if err != nil {
		t.Fatalf("author add psk: %v", err)
	}
	subPSKID, err := sub.AddPresharedKey(raw)
	if err != nil {
		t.Fatalf("sub add psk: %v", err)
	}
	if !authorPSKID.Equal(subPSKID) {
		t.Fatalf("the same raw key should derive the same psk identifier")
	}

	if _, err := author.Permissions("root").Add(authorPSKID, model.ReadOnly).Apply(ctx); err != nil {
		t.Fatalf("apply psk grant: %v", err)
	}
	if _, err := author.Message().Topic("root").Public([]byte("psk-readable")).Send(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := sub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	msgs, err := sub.FetchNextMsgs(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].PublicPayload) != "psk-readable" {
		t.Fatalf("psk holder should decode the message, got %+v", msgs)
	}
}
