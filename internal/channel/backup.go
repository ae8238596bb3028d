package channel

import (
	"fmt"

	"streams/internal/model"
	"streams/internal/ports"
	"streams/internal/protocol/spongos"
	"streams/internal/snapshot"
)

// backupPayload is the CBOR shape snapshot.Seal/Open encrypt: everything
// Backup/Restore needs to recover a User's state, short of the identity
// keys themselves — those are the caller's to keep and hand back into
// Restore (spec.md §6, "the snapshot never leaves the process
// unencrypted").
type backupPayload struct {
	ChannelID        model.ChannelID         `cbor:"1,keyasint"`
	RootTopic        string                  `cbor:"2,keyasint"`
	ChannelType      model.ChannelType       `cbor:"3,keyasint"`
	IsAuthor         bool                    `cbor:"4,keyasint"`
	AuthorIdentifier model.Identifier        `cbor:"5,keyasint"`
	Branches         []branchPayload         `cbor:"6,keyasint"`
	ACLs             map[string]model.ACL    `cbor:"7,keyasint"`
	Accepted         []ports.PublicIdentity  `cbor:"8,keyasint"`
	PSKs             map[[16]byte][32]byte   `cbor:"9,keyasint"`
}

type branchPayload struct {
	Topic        string          `cbor:"1,keyasint"`
	Parent       string          `cbor:"2,keyasint"`
	KeyloadState []byte          `cbor:"3,keyasint"`
	ContentKey   [32]byte        `cbor:"4,keyasint"`
	HasKey       bool            `cbor:"5,keyasint"`
	InitAddr     model.Address   `cbor:"6,keyasint"`
	Cursors      []cursorPayload `cbor:"7,keyasint"`
}

// cursorPayload mirrors Cursor with its spongos state flattened to bytes
// — Cursor's State field can't be CBOR-encoded directly.
type cursorPayload struct {
	Publisher model.Identifier `cbor:"1,keyasint"`
	SeqNo     uint64           `cbor:"2,keyasint"`
	Addr      model.Address    `cbor:"3,keyasint"`
	State     []byte           `cbor:"4,keyasint"`
}

// Backup encrypts the user's full channel state — branches, ACLs,
// accepted subscribers, held pre-shared keys — under password (spec.md
// §6). It does not include the identity's private keys; Restore takes
// those back in via the identity argument.
func (u *User) Backup(password string) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.connected {
		return nil, fmt.Errorf("%w: no channel to back up", model.ErrInvariantViolation)
	}

	payload := backupPayload{
		ChannelID:        u.channelID,
		RootTopic:        u.rootTopic,
		ChannelType:      u.channelType,
		IsAuthor:         u.isAuthor,
		AuthorIdentifier: u.authorPub.Identifier,
		ACLs:             u.perms.AllACLs(),
		Accepted:         u.perms.AllAccepted(),
		PSKs:             u.perms.AllPSKs(),
	}
	for _, b := range u.branches.Branches() {
		cursors := make([]cursorPayload, 0, len(b.cursorList()))
		for _, c := range b.cursorList() {
			cursors = append(cursors, cursorPayload{
				Publisher: c.Publisher,
				SeqNo:     c.SeqNo,
				Addr:      c.Addr,
				State:     c.State.Bytes(),
			})
		}
		payload.Branches = append(payload.Branches, branchPayload{
			Topic:        b.Topic,
			Parent:       b.Parent,
			KeyloadState: b.KeyloadState.Bytes(),
			ContentKey:   b.ContentKey,
			HasKey:       b.HasKey,
			InitAddr:     b.InitAddr,
			Cursors:      cursors,
		})
	}

	return snapshot.Seal(password, payload)
}

// RestoreUser decrypts a Backup with password and rebuilds a User bound
// to identity and transport (spec.md §6, restore). identity must be the
// same identity — or one holding the same keys — the backup was taken
// under; a mismatched identity leaves the restored User unable to
// authenticate its own future messages.
func RestoreUser(identity ports.Identity, transport ports.Transport, password string, data []byte) (*User, error) {
	var payload backupPayload
	if err := snapshot.Open(password, data, &payload); err != nil {
		return nil, err
	}

	u := NewUser(identity, transport)
	u.channelID = payload.ChannelID
	u.rootTopic = payload.RootTopic
	u.channelType = payload.ChannelType
	u.isAuthor = payload.IsAuthor
	u.authorPub = ports.PublicIdentity{Identifier: payload.AuthorIdentifier}
	u.connected = true
	u.subscribed = true
	u.branches = NewBranchStore()
	u.perms = NewPermissionState(payload.AuthorIdentifier)
	u.perms.RestoreFrom(payload.ACLs, payload.Accepted, payload.PSKs)
	for id := range payload.PSKs {
		u.heldPSKs = append(u.heldPSKs, id)
	}

	branches := make([]*Branch, 0, len(payload.Branches))
	for _, bp := range payload.Branches {
		keyloadState, err := spongos.FromBytes(bp.KeyloadState)
		if err != nil {
			return nil, fmt.Errorf("%w: branch %q state: %v", model.ErrCorruptSnapshot, bp.Topic, err)
		}
		b := &Branch{
			Topic:        bp.Topic,
			Parent:       bp.Parent,
			InitAddr:     bp.InitAddr,
			KeyloadState: keyloadState,
			ContentKey:   bp.ContentKey,
			HasKey:       bp.HasKey,
			history:      make(map[string][]Cursor),
		}
		cursors := make([]Cursor, 0, len(bp.Cursors))
		for _, cp := range bp.Cursors {
			state, err := spongos.FromBytes(cp.State)
			if err != nil {
				return nil, fmt.Errorf("%w: branch %q cursor state: %v", model.ErrCorruptSnapshot, bp.Topic, err)
			}
			cursors = append(cursors, Cursor{Publisher: cp.Publisher, SeqNo: cp.SeqNo, Addr: cp.Addr, State: state})
		}
		b.restoreCursors(cursors)
		branches = append(branches, b)
	}
	u.branches.Restore(branches)

	return u, nil
}
