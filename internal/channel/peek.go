package channel

import (
	"context"
	"errors"

	"streams/internal/model"
)

// peekState is a speculative clone of local state, advanced by simulated
// syncs so Peek can look ahead without touching the real cursor (spec.md
// §5, "Peek sponge"). It is owned by the User it belongs to and dropped
// on Skip or discarded wholesale the next time it's rebuilt from scratch.
type peekState struct {
	branches *BranchStore
	perms    *PermissionState
	heldPSKs [][16]byte
	messages []*FetchedMessage
}

// Peek returns up to n upcoming messages without advancing this user's
// real cursor (spec.md §4.G, peek). Repeated calls reuse and extend the
// same speculative clone, so peek(n); peek(n) is idempotent and a second
// call with a larger n only does the incremental work (spec.md §8
// property 6).
func (u *User) Peek(ctx context.Context, n int) ([]*FetchedMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	err := u.refillPeekLocked(ctx, n)
	out := u.peek.messages
	if len(out) > n {
		out = out[:n]
	}
	return out, err
}

// refillPeekLocked grows u.peek until it holds n messages or the
// simulated sync stops making progress. Caller holds u.mu.
func (u *User) refillPeekLocked(ctx context.Context, n int) error {
	if u.peek == nil {
		u.peek = &peekState{
			branches: u.branches.Clone(),
			perms:    u.perms.Clone(),
			heldPSKs: append([][16]byte(nil), u.heldPSKs...),
		}
	}
	for len(u.peek.messages) < n {
		// Every entry point sync touches — branches, perms, heldPSKs,
		// pending — is a User field, never a parameter, so simulating a
		// sync against the clone means swapping these fields out for the
		// clone's, running the real sync machinery unmodified, and
		// swapping back before returning to the caller.
		realBranches, realPerms, realHeldPSKs, realPending := u.branches, u.perms, u.heldPSKs, u.pending
		u.branches, u.perms, u.heldPSKs, u.pending = u.peek.branches, u.peek.perms, u.peek.heldPSKs, nil

		_, syncErr := u.syncLocked(ctx, nil)
		produced := u.pending

		u.peek.branches, u.peek.perms, u.peek.heldPSKs = u.branches, u.perms, u.heldPSKs
		u.branches, u.perms, u.heldPSKs, u.pending = realBranches, realPerms, realHeldPSKs, realPending

		u.peek.messages = append(u.peek.messages, produced...)
		if syncErr != nil && !errors.Is(syncErr, model.ErrOrphanedMessages) {
			return syncErr
		}
		if len(produced) == 0 {
			return nil
		}
	}
	return nil
}

// Skip advances this user's real cursor past n messages, dropping any
// cached peek state first — the peek engine owns that cache and gives it
// up on skip (spec.md §5). It re-derives the same n messages Peek would
// have, by the same deterministic sync, this time for real.
func (u *User) Skip(ctx context.Context, n int) error {
	u.mu.Lock()
	u.peek = nil
	u.mu.Unlock()

	for skipped := 0; skipped < n; skipped++ {
		msg, err := u.FetchNextMsg(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
	}
	return nil
}
