package model

// Level ranks a subscriber's access to a branch (spec.md §3).
type Level uint8

const (
	ReadOnly Level = iota
	ReadWrite
	Admin
)

func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case Admin:
		return "admin"
	default:
		return "unknown"
	}
}

// Permission grants Level to Identifier. A PSK permission (Identifier.Tag
// == IdentifierPreSharedKeyID) grants ReadOnly to every holder of that key.
type Permission struct {
	Identifier Identifier
	Level      Level
}

// ACL is the ordered set of Permissions on one branch. Resolution walks
// the list in order and keeps the highest-ranking match (spec.md §3).
type ACL []Permission
