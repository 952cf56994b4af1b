// Package utperr defines the sentinel errors shared across the Multiplexer,
// Context and Stream Socket layers: already_open, bad_descriptor,
// operation_aborted, connection_reset and connection_aborted. Keeping them
// in one leaf package lets every layer compare with errors.Is without an
// import cycle.
package utperr

import "errors"

var (
	ErrAlreadyOpen       = errors.New("utp: already open")
	ErrBadDescriptor     = errors.New("utp: bad descriptor")
	ErrOperationAborted  = errors.New("utp: operation aborted")
	ErrConnectionReset   = errors.New("utp: connection reset")
	ErrConnectionAborted = errors.New("utp: connection aborted")
)
