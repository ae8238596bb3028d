package model

import "errors"

// Error taxonomy per spec.md §7. All are sentinel values; call sites wrap
// them with fmt.Errorf("...: %w", ErrX) to attach context.
var (
	ErrTransport           = errors.New("transport error")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrCorruptSnapshot     = errors.New("corrupt snapshot")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnknownPredecessor  = errors.New("unknown predecessor")
	ErrOrphanedMessages    = errors.New("orphaned messages")
	ErrNotSubscribed       = errors.New("not subscribed")
	ErrBadPassword         = errors.New("bad password")
	ErrVersionMismatch     = errors.New("version mismatch")
	ErrInvariantViolation  = errors.New("invariant violation")
)
