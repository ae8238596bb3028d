package channel

import (
	"fmt"
	"sort"
	"sync"

	"streams/internal/model"
	"streams/internal/protocol/spongos"
)

// Cursor is a user's recorded tip for a given publisher on a branch: the
// last message they're known to have sent, the branch-local sequence
// number it carried, and the spongos state right after it — the fork
// point for that publisher's next message (spec.md §3, GLOSSARY). Each
// publisher on a branch threads their own independent chain of state,
// rooted at the branch's initiating message (its Announce, Keyload, or
// BranchAnnouncement).
type Cursor struct {
	Publisher model.Identifier
	SeqNo     uint64
	Addr      model.Address
	State     *spongos.State
	// PreState is the state as forked for this message, before its header
	// was absorbed — content-key mixing (Branch.ForkFor) already applied,
	// message content not yet. It is what a later FetchPrevMsg forks from
	// to re-decode this exact message, since the key epoch active when it
	// was first forked may no longer be the branch's current one.
	PreState *spongos.State
}

// Branch holds one topic's state: its parent, the address and state of
// the message that established it, its current symmetric content key,
// and each publisher's independent cursor (spec.md §4.E).
type Branch struct {
	Topic        string
	Parent       string
	InitAddr     model.Address
	KeyloadState *spongos.State
	ContentKey   [32]byte
	HasKey       bool
	cursors      map[string]Cursor
	history      map[string][]Cursor
}

// BranchStore is the in-memory map of topic to branch state (spec.md
// §4.E). All mutations require the message to have already passed
// cryptographic verification; the caller (channel/user.go) enforces that.
type BranchStore struct {
	mu       sync.RWMutex
	branches map[string]*Branch
}

// NewBranchStore returns an empty store.
func NewBranchStore() *BranchStore {
	return &BranchStore{branches: make(map[string]*Branch)}
}

// CreateBranch registers topic with the given parent, initiating
// address, and the spongos state right after that initiating message,
// if it doesn't already exist. It is a no-op if the branch is already
// known.
func (s *BranchStore) CreateBranch(topic, parent string, initAddr model.Address, keyloadState *spongos.State) *Branch {
	topic = model.NormalizeTopic(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.branches[topic]; ok {
		return b
	}
	b := &Branch{
		Topic:        topic,
		Parent:       model.NormalizeTopic(parent),
		InitAddr:     initAddr,
		KeyloadState: keyloadState,
		cursors:      make(map[string]Cursor),
		history:      make(map[string][]Cursor),
	}
	s.branches[topic] = b
	return b
}

// Branch returns the branch for topic, if known.
func (s *BranchStore) Branch(topic string) (*Branch, bool) {
	topic = model.NormalizeTopic(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[topic]
	return b, ok
}

// SetContentKey installs topic's current symmetric content key,
// established by the most recent Keyload covering it (spec.md §3).
func (s *BranchStore) SetContentKey(topic string, key [32]byte) error {
	topic = model.NormalizeTopic(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[topic]
	if !ok {
		return fmt.Errorf("%w: unknown branch %q", model.ErrInvariantViolation, topic)
	}
	b.ContentKey = key
	b.HasKey = true
	return nil
}

// ForkFor returns the spongos state a publisher's next message on topic
// should be forked from — their own last message's state, or the
// branch's initiating state if this would be their first message on it
// — along with the predecessor address to carry in the frame. If the
// branch currently has an active content key (installed by the most
// recent Keyload), it is absorbed into the fork before use, so a key
// rotation actually changes what every subsequent message on the branch
// encrypts and authenticates under, not just what Keyload wraps it for.
// preState is an untouched copy of state at that same point, before the
// caller absorbs a header into it or otherwise mutates it — callers pass
// it to Record so a later FetchPrevMsg can re-decode this exact message
// even after the branch's live content key has since rotated.
func (b *Branch) ForkFor(publisher model.Identifier) (state, preState *spongos.State, predecessor model.Address, seq uint64) {
	if c, ok := b.cursors[identifierKey(publisher)]; ok {
		state, predecessor, seq = c.State.Fork(), c.Addr, c.SeqNo+1
	} else {
		state, predecessor, seq = b.KeyloadState.Fork(), b.InitAddr, 1
	}
	if b.HasKey {
		state.Absorb(b.ContentKey[:])
		state.Commit()
	}
	preState = state.Fork()
	return state, preState, predecessor, seq
}

// Record advances publisher's cursor on topic to addr/seq, threading
// state as the point their next message forks from (spec.md §4.E,
// "record"), and appends the step to that publisher's history for
// reverse traversal (FetchPrevMsg).
func (s *BranchStore) Record(publisher model.Identifier, topic string, seq uint64, addr model.Address, preState, state *spongos.State) error {
	topic = model.NormalizeTopic(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[topic]
	if !ok {
		return fmt.Errorf("%w: unknown branch %q", model.ErrInvariantViolation, topic)
	}
	key := identifierKey(publisher)
	if prev, ok := b.cursors[key]; ok && seq != prev.SeqNo+1 {
		return fmt.Errorf("%w: topic %q publisher %s seq %d after %d", model.ErrInvariantViolation, topic, key, seq, prev.SeqNo)
	}
	cursor := Cursor{Publisher: publisher, SeqNo: seq, Addr: addr, State: state, PreState: preState}
	b.cursors[key] = cursor
	b.history[key] = append(b.history[key], cursor)
	return nil
}

// HistoryFor returns every recorded cursor for publisher on this branch,
// oldest first, for reverse traversal (FetchPrevMsg).
func (b *Branch) HistoryFor(publisher model.Identifier) []Cursor {
	return b.history[identifierKey(publisher)]
}

// Cursor returns publisher's recorded cursor on topic (spec.md §4.E,
// "cursor").
func (s *BranchStore) Cursor(publisher model.Identifier, topic string) (Cursor, bool) {
	topic = model.NormalizeTopic(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[topic]
	if !ok {
		return Cursor{}, false
	}
	c, ok := b.cursors[identifierKey(publisher)]
	return c, ok
}

// Publishers lists every publisher with a recorded cursor on topic, in a
// deterministic order.
func (s *BranchStore) Publishers(topic string) []string {
	topic = model.NormalizeTopic(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[topic]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b.cursors))
	for k := range b.cursors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Topics lists every known topic, in a deterministic order.
func (s *BranchStore) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.branches))
	for t := range s.branches {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Tips lists the latest known address across every (publisher, branch)
// pair (spec.md §4.E, "tips").
func (s *BranchStore) Tips() []model.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tips []model.Address
	for _, b := range s.branches {
		for _, c := range b.cursors {
			tips = append(tips, c.Addr)
		}
	}
	return tips
}

// cursorList returns every recorded cursor on the branch, for Backup.
func (b *Branch) cursorList() []Cursor {
	out := make([]Cursor, 0, len(b.cursors))
	for _, c := range b.cursors {
		out = append(out, c)
	}
	return out
}

// restoreCursors bulk-loads cursors recovered from a Backup.
func (b *Branch) restoreCursors(cursors []Cursor) {
	b.cursors = make(map[string]Cursor, len(cursors))
	for _, c := range cursors {
		b.cursors[identifierKey(c.Publisher)] = c
	}
}

// Branches returns every known branch, for Backup (spec.md §6). The
// caller must treat the returned Branch values as read-only.
func (s *BranchStore) Branches() []*Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	return out
}

// Restore bulk-loads branches into an empty store, for Restore (spec.md
// §6). It does not validate cursor monotonicity: the branches are
// assumed to come from a previously-valid Backup.
func (s *BranchStore) Restore(branches []*Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range branches {
		s.branches[b.Topic] = b
	}
}

// Clone deep-copies every branch, forking each one's KeyloadState and
// every cursor's State so mutations to the clone (as used by Peek's
// simulated sync) never touch the original chains.
func (s *BranchStore) Clone() *BranchStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := NewBranchStore()
	for topic, b := range s.branches {
		nb := &Branch{
			Topic:        b.Topic,
			Parent:       b.Parent,
			InitAddr:     b.InitAddr,
			KeyloadState: b.KeyloadState.Fork(),
			ContentKey:   b.ContentKey,
			HasKey:       b.HasKey,
			cursors:      make(map[string]Cursor, len(b.cursors)),
			history:      make(map[string][]Cursor, len(b.history)),
		}
		for k, c := range b.cursors {
			nb.cursors[k] = cloneCursor(c)
		}
		for k, hist := range b.history {
			cp := make([]Cursor, len(hist))
			for i, c := range hist {
				cp[i] = cloneCursor(c)
			}
			nb.history[k] = cp
		}
		out.branches[topic] = nb
	}
	return out
}

// cloneCursor forks both of a cursor's spongos states so a cloned branch
// (Peek's simulated sync) never mutates the original chain.
func cloneCursor(c Cursor) Cursor {
	out := Cursor{Publisher: c.Publisher, SeqNo: c.SeqNo, Addr: c.Addr, State: c.State.Fork()}
	if c.PreState != nil {
		out.PreState = c.PreState.Fork()
	}
	return out
}

func identifierKey(id model.Identifier) string {
	if id.Tag == model.IdentifierDIDURL {
		return fmt.Sprintf("%d:%s", id.Tag, id.DID)
	}
	return fmt.Sprintf("%d:%x", id.Tag, id.Bytes)
}
