package utp

import (
	"errors"

	"utpgo/internal/utperr"
)

// Error codes surfaced to callers. Use errors.Is against these; errors
// returned by OS-level bind/send failures are wrapped but not replaced, so
// the underlying errno is still reachable with errors.As.
var (
	ErrAlreadyOpen       = utperr.ErrAlreadyOpen
	ErrBadDescriptor     = utperr.ErrBadDescriptor
	ErrOperationAborted  = utperr.ErrOperationAborted
	ErrConnectionReset   = utperr.ErrConnectionReset
	ErrConnectionAborted = utperr.ErrConnectionAborted

	// ErrInvalidState is returned when a call is made from a state that does
	// not permit it (e.g. Connect on an unbound Socket, Accept on one
	// already connected). The source's "invalid state" user-error class
	// without a single source enumerator to mirror.
	ErrInvalidState = errors.New("utp: invalid state for operation")
)
