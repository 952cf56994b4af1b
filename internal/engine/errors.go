package engine

import "errors"

var (
	// ErrWouldBlock is returned by Stream.Write when the send window is full.
	// Package session treats this the same way socket_impl::do_write treats a
	// short utp_write: park the completion and wait for a writable signal.
	ErrWouldBlock = errors.New("engine: send window full")

	// ErrClosed is returned when the underlying ARQ core rejects a send
	// because the Stream has already been torn down.
	ErrClosed = errors.New("engine: stream closed")
)
