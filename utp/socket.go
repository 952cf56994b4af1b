// Package utp is the public surface of this module: a TCP-like stream
// socket layered over UDP via an embedded ARQ engine, plus the shared
// UdpMultiplexer handle that lets many Sockets multiplex one UDP endpoint.
package utp

import (
	"context"
	"net"
	"sync"
	"time"

	"utpgo/internal/cipher"
	"utpgo/internal/conf"
	"utpgo/internal/engine"
	"utpgo/internal/multiplexer"
	"utpgo/internal/registry"
	"utpgo/internal/session"
	"utpgo/internal/utperr"
)

// writeChunk bounds a single engine Write call per loop iteration. The loop
// parks on WRITABLE only when the engine reports its send window full
// (engine.ErrWouldBlock), not merely because a write spans several chunks.
const writeChunk = 2048

type socketState int

const (
	stateUnbound socketState = iota
	stateBound
	stateConnecting
	stateAccepting
	stateConnected
	stateHalfClosedRecv
	stateClosed
	stateAborted
)

type readWaiter struct {
	buf  []byte
	n    int
	done chan struct{}
	err  error
}

// Socket is a uTP stream socket: connect/accept/read/write/close, the Go
// analog of asio-utp's combined socket/socket_impl. Go has no move
// semantics to accommodate, so there's no need for asio-utp's separate
// Socket/SocketImpl pair; this single type's lifetime is simply whatever
// holds a pointer to it.
type Socket struct {
	reg *registry.Registry

	mu     sync.Mutex
	mux    *multiplexer.Multiplexer
	ctx    *session.Context
	stream *engine.Stream
	local  *net.UDPAddr
	remote *net.UDPAddr
	state  socketState

	connectDone chan error
	acceptDone  chan error
	writable    chan struct{}

	closedOnce sync.Once
	closedCh   chan struct{}

	rxMu       sync.Mutex
	rxQueue    [][]byte
	eofSeen    bool
	readWaiter *readWaiter

	connectMu sync.Mutex
	acceptMu  sync.Mutex
	writeMu   sync.Mutex

	outstandingHeld bool

	rd, wd time.Time
}

// NewSocket creates an unbound Socket against the process-wide registry.
func NewSocket() *Socket {
	return &Socket{
		reg:      registry.Default,
		closedCh: make(chan struct{}),
		writable: make(chan struct{}, 1),
	}
}

// Bind opens (or shares, via the registry) the UDP socket at addr and wires
// a Context to it.
func (s *Socket) Bind(addr *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound {
		return ErrAlreadyOpen
	}

	mux, err := s.reg.GetOrCreateMultiplexer(addr)
	if err != nil {
		return err
	}
	ctx := s.reg.GetOrCreateContext(mux)
	ctx.IncUse()

	s.mux = mux
	s.ctx = ctx
	s.local = mux.LocalEndpoint()
	s.state = stateBound
	return nil
}

// BindMultiplexer shares an already-bound UdpMultiplexer instead of binding
// a new one, the Go analog of bind(udp_multiplexer_handle).
func (s *Socket) BindMultiplexer(u *UdpMultiplexer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound {
		return ErrAlreadyOpen
	}
	if u.mux == nil {
		return ErrBadDescriptor
	}

	ctx := s.reg.GetOrCreateContext(u.mux)
	ctx.IncUse()

	s.mux = u.mux
	s.ctx = ctx
	s.local = u.mux.LocalEndpoint()
	s.state = stateBound
	return nil
}

// SetKey derives a symmetric key from passphrase and installs it as the
// bound Multiplexer's per-datagram AEAD. Since the Multiplexer is shared via
// the registry, this affects every other Socket bound to the same local
// endpoint too. An empty passphrase disables encryption again. Must be
// called after Bind/BindMultiplexer.
func (s *Socket) SetKey(passphrase string) error {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux == nil {
		return ErrBadDescriptor
	}
	if passphrase == "" {
		mux.SetCipher(nil)
		return nil
	}
	a, err := cipher.New(conf.DeriveKey(passphrase))
	if err != nil {
		return err
	}
	mux.SetCipher(a)
	return nil
}

// IsOpen reports whether the socket has a live backing implementation.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateUnbound && s.state != stateClosed && s.state != stateAborted
}

// LocalAddr returns the bound local address, or nil if unbound. Satisfies
// net.Conn.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return nil
	}
	return s.local
}

// LocalEndpoint is an alias for LocalAddr matching asio-utp's
// local_endpoint() naming.
func (s *Socket) LocalEndpoint() net.Addr { return s.LocalAddr() }

// RemoteAddr returns the connected peer, or nil before connect/accept
// completes.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return s.remote
}

// Connect is ConnectContext with an implicit background context.
func (s *Socket) Connect(remote *Endpoint) error {
	return s.ConnectContext(context.Background(), remote)
}

// ConnectContext establishes an outbound stream to remote, blocking until
// the peer's handshake token round-trips (engine.StateConnect) or ctx is
// canceled. Canceling via ctx does not itself release the Context's
// keep-alive slot this call takes out. If it returns ctx.Err(), call Close
// to release it, the same way a canceled net.Dialer still leaves a Conn
// for the caller to close.
func (s *Socket) ConnectContext(ctx context.Context, remote *Endpoint) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.state != stateBound {
		s.mu.Unlock()
		return ErrInvalidState
	}
	sessionCtx := s.ctx
	done := make(chan error, 1)
	s.connectDone = done
	s.state = stateConnecting
	s.mu.Unlock()

	// Released on OnDestroy, once this stream is eventually torn down.
	// Covers both the pending-connect phase and the whole connected
	// lifetime, so the ticker and receive registration stay live for as
	// long as any stream on this Context is.
	sessionCtx.IncOutstanding()

	stream := sessionCtx.Connect(remote, s)
	s.mu.Lock()
	s.stream = stream
	s.remote = remote
	s.outstandingHeld = true
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closedCh:
		return ErrOperationAborted
	}
}

// Accept is AcceptContext with an implicit background context.
func (s *Socket) Accept() error {
	return s.AcceptContext(context.Background())
}

// AcceptContext pushes this Socket onto its Context's accepting list and
// blocks until an inbound stream attaches to it or ctx is canceled. On
// success this same Socket becomes the established connection; there is no
// separate "new connection" object, mirroring asio-utp's socket::async_accept.
func (s *Socket) AcceptContext(ctx context.Context) error {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	s.mu.Lock()
	if s.state != stateBound {
		s.mu.Unlock()
		return ErrInvalidState
	}
	sessionCtx := s.ctx
	done := make(chan error, 1)
	s.acceptDone = done
	s.state = stateAccepting
	s.mu.Unlock()

	// Released on OnDestroy once a stream attaches and is later torn down,
	// or directly by Close if this accept never attached one (see
	// releaseOutstanding). An accept with nobody connecting yet still
	// needs the Context's ticker and receive registration alive to notice
	// when somebody does.
	sessionCtx.IncOutstanding()
	s.mu.Lock()
	s.outstandingHeld = true
	s.mu.Unlock()

	sessionCtx.PushAccepting(s)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sessionCtx.CancelAccepting(s)
		s.releaseOutstandingIfUnattached(sessionCtx)
		return ctx.Err()
	case <-s.closedCh:
		sessionCtx.CancelAccepting(s)
		s.releaseOutstandingIfUnattached(sessionCtx)
		return ErrOperationAborted
	}
}

// releaseOutstandingIfUnattached releases this socket's outstanding slot
// immediately when an accept is abandoned before any stream attached to it.
// OnDestroy will never fire for a stream that was never created.
func (s *Socket) releaseOutstandingIfUnattached(ctx *session.Context) {
	s.mu.Lock()
	attached := s.stream != nil
	s.mu.Unlock()
	if !attached {
		s.releaseOutstanding(ctx)
	}
}

// Read implements io.Reader: it drains the leftover reception queue first,
// then parks until a datagram arrives, EOF is observed, or the socket
// closes. Once a Read call (or a chain of them) fully drains the queue,
// the underlying engine Stream is notified via ReadDrained so it can pull
// the next buffered message off its receive window: the queue is the flow-
// control boundary between what the engine has delivered and what the
// application has actually consumed.
func (s *Socket) Read(p []byte) (int, error) {
	s.rxMu.Lock()
	if len(s.rxQueue) > 0 {
		chunk := s.rxQueue[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			s.rxQueue[0] = chunk[n:]
		} else {
			s.rxQueue = s.rxQueue[1:]
		}
		drained := len(s.rxQueue) == 0
		s.rxMu.Unlock()
		if drained {
			s.notifyReadDrained()
		}
		return n, nil
	}
	if s.eofSeen {
		s.rxMu.Unlock()
		return 0, ErrConnectionReset
	}

	rw := &readWaiter{buf: p, done: make(chan struct{})}
	s.readWaiter = rw
	s.rxMu.Unlock()

	var deadline <-chan time.Time
	s.mu.Lock()
	if !s.rd.IsZero() {
		t := time.NewTimer(time.Until(s.rd))
		defer t.Stop()
		deadline = t.C
	}
	s.mu.Unlock()

	select {
	case <-rw.done:
		return rw.n, rw.err
	case <-s.closedCh:
		return 0, ErrOperationAborted
	case <-deadline:
		return 0, context.DeadlineExceeded
	}
}

// notifyReadDrained signals the engine Stream that the reception queue is
// fully consumed, if this Socket is attached to one.
func (s *Socket) notifyReadDrained() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.ReadDrained()
	}
}

// Write implements io.Writer: it chunks p into the engine in a loop,
// parking on the send window filling and resuming on engine.StateWritable.
func (s *Socket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := 0
	for total < len(p) {
		s.mu.Lock()
		stream := s.stream
		closed := s.state == stateClosed || s.state == stateAborted
		s.mu.Unlock()

		if closed {
			return total, ErrOperationAborted
		}
		if stream == nil {
			return total, ErrBadDescriptor
		}

		end := total + writeChunk
		if end > len(p) {
			end = len(p)
		}

		n, err := stream.Write(p[total:end])
		if err == engine.ErrWouldBlock {
			select {
			case <-s.writable:
				continue
			case <-s.closedCh:
				return total, ErrOperationAborted
			}
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close is idempotent: it closes the engine stream (if any), pends every
// outstanding slot with ErrOperationAborted, and releases this Socket's use
// of its Context.
func (s *Socket) Close() error {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		ctx := s.ctx
		connectDone := s.connectDone
		acceptDone := s.acceptDone
		s.connectDone = nil
		s.acceptDone = nil
		s.state = stateClosed
		s.mu.Unlock()

		close(s.closedCh)

		if connectDone != nil {
			connectDone <- ErrOperationAborted
		}
		if acceptDone != nil {
			acceptDone <- ErrOperationAborted
		}

		if stream != nil {
			stream.Close()
		} else if ctx != nil {
			s.releaseOutstanding(ctx)
			s.releaseContext(ctx)
		}
	})
	return nil
}

// releaseContext drops this Socket's use of ctx and the registry reference
// its Bind/BindMultiplexer took out through GetOrCreateContext.
func (s *Socket) releaseContext(ctx *session.Context) {
	ctx.DecUse()
	s.reg.ReleaseContext(ctx.LocalEndpoint())
}

// releaseOutstanding decrements this socket's single outstanding slot
// exactly once, however its Connect/Accept call ultimately unwound.
func (s *Socket) releaseOutstanding(ctx *session.Context) {
	s.mu.Lock()
	held := s.outstandingHeld
	s.outstandingHeld = false
	s.mu.Unlock()
	if held {
		ctx.DecOutstanding()
	}
}

// SetDeadline, SetReadDeadline and SetWriteDeadline satisfy net.Conn.
func (s *Socket) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd = t
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wd = t
	return nil
}

// The following methods implement session.SocketHandle, dispatched to from
// package session's engine-callback translation; they must never be called
// directly by users of this package.

func (s *Socket) OnConnect() {
	s.mu.Lock()
	s.state = stateConnected
	done := s.connectDone
	s.connectDone = nil
	s.mu.Unlock()
	if done != nil {
		done <- nil
	}
}

func (s *Socket) OnWritable() {
	select {
	case s.writable <- struct{}{}:
	default:
	}
}

func (s *Socket) OnEOF() {
	s.mu.Lock()
	if s.state != stateClosed && s.state != stateAborted {
		s.state = stateHalfClosedRecv
	}
	s.mu.Unlock()

	s.rxMu.Lock()
	s.eofSeen = true
	rw := s.readWaiter
	s.readWaiter = nil
	s.rxMu.Unlock()

	if rw != nil {
		rw.err = utperr.ErrConnectionReset
		close(rw.done)
	}
}

func (s *Socket) OnDestroy() {
	s.mu.Lock()
	s.stream = nil
	ctx := s.ctx
	wasTerminal := s.state == stateClosed || s.state == stateAborted
	if !wasTerminal {
		s.state = stateAborted
	}
	connectDone := s.connectDone
	acceptDone := s.acceptDone
	s.connectDone = nil
	s.acceptDone = nil
	s.mu.Unlock()

	if connectDone != nil {
		connectDone <- ErrConnectionAborted
	}
	if acceptDone != nil {
		acceptDone <- ErrConnectionAborted
	}

	if ctx != nil {
		s.releaseOutstanding(ctx)
		s.releaseContext(ctx)
	}
}

func (s *Socket) OnAccept(stream *engine.Stream) {
	s.mu.Lock()
	s.stream = stream
	s.remote = stream.Remote
	s.state = stateConnected
	done := s.acceptDone
	s.acceptDone = nil
	s.mu.Unlock()
	if done != nil {
		done <- nil
	}
}

// OnReceive buffers one data frame delivered by the engine. It notifies
// ReadDrained immediately only if the frame is fully consumed on arrival
// (a parked Read absorbed every byte); otherwise the engine's flow-control
// gate stays held until a later Socket.Read call drains the rest.
func (s *Socket) OnReceive(buf []byte) {
	s.rxMu.Lock()

	if s.readWaiter != nil {
		rw := s.readWaiter
		n := copy(rw.buf, buf)
		rw.n = n
		if n < len(buf) {
			rem := make([]byte, len(buf)-n)
			copy(rem, buf[n:])
			s.rxQueue = append(s.rxQueue, rem)
		}
		s.readWaiter = nil
		drained := len(s.rxQueue) == 0
		s.rxMu.Unlock()

		close(rw.done)
		if drained {
			s.notifyReadDrained()
		}
		return
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.rxQueue = append(s.rxQueue, cp)
	s.rxMu.Unlock()
}

var _ net.Conn = (*Socket)(nil)
var _ session.SocketHandle = (*Socket)(nil)
