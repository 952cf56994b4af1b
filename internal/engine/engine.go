// Package engine is the adaptation layer's stand-in for libutp. Where
// asio-utp drives libutp's utp_context/utp_socket through a C callback
// table, this package drives the ARQ core of github.com/xtaci/kcp-go/v5
// (the same shape of primitive: a per-connection object fed with Input,
// drained with Recv/Send, flushed through an output callback, and ticked
// with Update) through an equivalent Go callback table.
//
// Everything here is conv-ID demultiplexing and a minimal connect
// handshake; it deliberately knows nothing about sockets, multiplexers or
// user-facing read/write slots. That belongs to package session and
// package utp.
package engine

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// State mirrors libutp's UTP_STATE_* constants (asio-utp's
// context::callback_on_state_change switch). Go has no tagged union for
// this, so a small enum plus a callback parameter is the idiomatic stand-in.
type State int

const (
	StateConnect State = iota
	StateWritable
	StateEOF
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateWritable:
		return "WRITABLE"
	case StateEOF:
		return "EOF"
	case StateDestroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// kcpOverhead is the fixed IKCP segment header size: conv(4) cmd(1) frg(1)
// wnd(2) ts(4) sn(4) una(4) len(4). Every revision of the wire protocol
// kcp-go implements keeps this layout, so this constant is safe to hardcode
// rather than reach into kcp-go's unexported internals for it.
const kcpOverhead = 24

const (
	defaultMTU     = 1400
	defaultSendWnd = 256
	defaultRecvWnd = 256
)

// Tuning holds the ARQ core's congestion/window knobs, exposed so package
// conf can drive them from configuration instead of this package's
// defaults.
type Tuning struct {
	MTU          int
	SendWindow   int
	RecvWindow   int
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
}

// DefaultTuning mirrors kcp-go's own "fast" preset, a reasonable default for
// an interactive byte stream.
func DefaultTuning() Tuning {
	return Tuning{
		MTU:          defaultMTU,
		SendWindow:   defaultSendWnd,
		RecvWindow:   defaultRecvWnd,
		NoDelay:      1,
		Interval:     20,
		Resend:       2,
		NoCongestion: 1,
	}
}

// Every message this package sends through the ARQ core carries a leading
// frame-kind byte that never overlaps with application payload: a data
// message is kind byte + the caller's bytes verbatim, so an application
// write of any content, including a single byte equal to one of the control
// kinds below, is never mistaken for a handshake/close control frame on the
// wire. Control frames carry no payload.
type frameKind byte

const (
	frameData frameKind = iota + 1
	frameSyn
	frameAck
	frameFin
)

func controlFrame(k frameKind) []byte { return []byte{byte(k)} }

func dataFrame(b []byte) []byte {
	out := make([]byte, len(b)+1)
	out[0] = byte(frameData)
	copy(out[1:], b)
	return out
}

// Callbacks is the Go equivalent of the libutp callbacks asio-utp's context
// installs. It carries five of them; on_error and log have no counterpart
// here. Unset fields are no-ops, matching libutp's own
// behavior when no user-data is attached to a state-change event.
type Callbacks struct {
	SendTo        func(buf []byte, addr *net.UDPAddr)
	OnStateChange func(s *Stream, state State)
	OnRead        func(s *Stream, buf []byte)
	// OnFirewall returns true to accept a datagram for a conv the Engine has
	// not seen before (i.e. a new incoming connection attempt).
	OnFirewall func(addr *net.UDPAddr) bool
	OnAccept   func(s *Stream)
}

// Stats holds the narrow counter set echoing kcp-go's own global DefaultSnmp
// pattern (see sess.go's atomic.AddUint64(&DefaultSnmp...) calls), scoped to
// one Engine instead of process-wide.
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	Dropped    uint64
}

// Engine is the per-Context analog of a utp_context: it owns every Stream
// multiplexed over one Multiplexer, keyed by conv ID exactly as kcp-go's own
// Listener keys sessions by conv internally.
type Engine struct {
	cb     Callbacks
	tuning Tuning
	epoch  time.Time

	mu      sync.Mutex
	streams map[uint32]*Stream

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	dropped    atomic.Uint64
}

// Stats returns a snapshot of this Engine's packet counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PacketsIn:  e.packetsIn.Load(),
		PacketsOut: e.packetsOut.Load(),
		Dropped:    e.dropped.Load(),
	}
}

// New creates an Engine with DefaultTuning. cb.SendTo is required; the
// others may be nil.
func New(cb Callbacks) *Engine {
	return NewWithTuning(cb, DefaultTuning())
}

// NewWithTuning creates an Engine with explicit ARQ tuning.
func NewWithTuning(cb Callbacks, tuning Tuning) *Engine {
	return &Engine{
		cb:      cb,
		tuning:  tuning,
		epoch:   time.Now(),
		streams: make(map[uint32]*Stream),
	}
}

func (e *Engine) now() uint32 { return uint32(time.Since(e.epoch).Milliseconds()) }

// Stream is the per-connection analog of a utp_socket.
type Stream struct {
	eng    *Engine
	conv   uint32
	Remote *net.UDPAddr
	core   *kcp.KCP

	mu            sync.Mutex
	connecting    bool // true until the handshake token round-trip completes
	handshaking   bool // true on the accepting side until the syn token is stripped
	destroyed     bool
	sentFull      bool // true once WaitSnd crossed the send window, reset on drain
	awaitingDrain bool // true after a data frame is handed to OnRead, until ReadDrained

	// UserData lets package session attach its own socket-impl pointer, the
	// way utp_set_userdata/utp_get_userdata lets asio_utp::socket_impl ride
	// along with a utp_socket. A nil UserData means "detached", mirroring
	// context::callback_on_state_change's userdata-absent no-op branch.
	UserData any
}

func randConv() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}

// CreateStream allocates a new outbound Stream and immediately sends the
// connect handshake token. The Stream starts in the "connecting" substate;
// Callbacks.OnStateChange fires StateConnect once the peer's ack token
// round-trips, the Go translation of libutp's UTP_STATE_CONNECT.
func (e *Engine) CreateStream(remote *net.UDPAddr) *Stream {
	conv := randConv()
	s := e.newStream(conv, remote)

	e.mu.Lock()
	e.streams[conv] = s
	e.mu.Unlock()

	s.mu.Lock()
	s.connecting = true
	s.mu.Unlock()

	s.core.Send(controlFrame(frameSyn))
	s.flush()

	return s
}

func (e *Engine) newStream(conv uint32, remote *net.UDPAddr) *Stream {
	s := &Stream{eng: e, conv: conv, Remote: remote}
	s.core = kcp.NewKCP(conv, func(buf []byte, size int) {
		if size <= 0 {
			return
		}
		out := make([]byte, size)
		copy(out, buf[:size])
		e.packetsOut.Add(1)
		if e.cb.SendTo != nil {
			e.cb.SendTo(out, remote)
		}
	})
	t := e.tuning
	s.core.SetMtu(t.MTU)
	s.core.WndSize(t.SendWindow, t.RecvWindow)
	s.core.NoDelay(t.NoDelay, t.Interval, t.Resend, t.NoCongestion)
	return s
}

// ProcessUDP is the Go analog of utp_process_udp / context::on_read: one
// inbound datagram, demultiplexed by conv to the right Stream (creating one
// via OnFirewall/OnAccept if the conv is unseen), fed into that Stream's ARQ
// core, and drained into OnRead or the handshake logic.
//
// It returns false if the datagram was too short to be a KCP segment at all
// (the caller should count this as an unhandled/garbage packet, same as
// asio-utp logging "Unhandled UDP packet").
func (e *Engine) ProcessUDP(buf []byte, from *net.UDPAddr) bool {
	if len(buf) < kcpOverhead {
		e.dropped.Add(1)
		return false
	}

	e.packetsIn.Add(1)
	conv := binary.LittleEndian.Uint32(buf)

	e.mu.Lock()
	s, ok := e.streams[conv]
	e.mu.Unlock()

	if !ok {
		if e.cb.OnFirewall != nil && !e.cb.OnFirewall(from) {
			e.dropped.Add(1)
			return true
		}
		s = e.newStream(conv, from)
		s.mu.Lock()
		s.handshaking = true
		s.mu.Unlock()

		e.mu.Lock()
		e.streams[conv] = s
		e.mu.Unlock()

		if e.cb.OnAccept != nil {
			e.cb.OnAccept(s)
		}
	}

	s.core.Input(buf, true, false)
	s.drain()
	s.flush()
	s.checkWritable()

	return true
}

// CheckTimeouts is the periodic ticker target: it advances every live
// Stream's ARQ clock so retransmits and keepalive windows fire even with
// no fresh input.
func (e *Engine) CheckTimeouts() {
	e.mu.Lock()
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	for _, s := range streams {
		s.core.Update(e.now())
		s.drain()
		s.checkWritable()
	}
}

// Remove unregisters a Stream, the Go analog of libutp freeing a destroyed
// utp_socket's userdata slot.
func (e *Engine) Remove(s *Stream) {
	e.mu.Lock()
	delete(e.streams, s.conv)
	e.mu.Unlock()
}

// Write queues b on the Stream's send window. Unlike utp_write (which can
// return a short write that the caller must resume on WRITABLE), kcp.Send
// takes the whole buffer at once; WaitSnd exceeding the configured window is
// surfaced to the caller as ErrWouldBlock so package session can park the
// completion exactly as socket_impl::do_write does.
func (s *Stream) Write(b []byte) (int, error) {
	if s.core.WaitSnd() >= s.eng.tuning.SendWindow {
		s.mu.Lock()
		s.sentFull = true
		s.mu.Unlock()
		return 0, ErrWouldBlock
	}
	if s.core.Send(dataFrame(b)) < 0 {
		return 0, ErrClosed
	}
	s.flush()
	return len(b), nil
}

// Writable reports whether a parked send should be retried, the condition
// Stream.eng's ticker uses to decide whether to fire StateWritable.
func (s *Stream) Writable() bool {
	return s.core.WaitSnd() < s.eng.tuning.SendWindow
}

// checkWritable fires StateWritable exactly once on the transition from
// "send window full" to "send window has room", the Go equivalent of
// libutp's UTP_ON_STATE_CHANGE(..., UTP_STATE_WRITABLE).
func (s *Stream) checkWritable() {
	full := s.core.WaitSnd() >= s.eng.tuning.SendWindow

	s.mu.Lock()
	was := s.sentFull
	s.sentFull = full
	s.mu.Unlock()

	if was && !full && s.eng.cb.OnStateChange != nil {
		s.eng.cb.OnStateChange(s, StateWritable)
	}
}

// Close sends a best-effort close token and immediately reports
// StateDestroying. Unlike real uTP, KCP has no FIN/ACK teardown handshake to
// await, so DESTROYING fires synchronously rather than waiting on an
// acknowledgement that does not exist at this layer.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	s.core.Send(controlFrame(frameFin))
	s.flush()
	s.eng.Remove(s)

	if s.eng.cb.OnStateChange != nil {
		s.eng.cb.OnStateChange(s, StateDestroying)
	}
}

func (s *Stream) flush() {
	s.core.Update(s.eng.now())
}

// drain pulls complete messages buffered by the ARQ core, dispatching
// control frames (handshake/close) immediately and forwarding data frames
// to OnRead: the Go equivalent of context::callback_on_read firing
// socket_impl::on_receive once per utp_process_udp call.
//
// A data frame stops the loop and sets awaitingDrain until the caller
// invokes ReadDrained, the Go equivalent of utp_read_drained: the engine
// will not pull the next buffered message out of the ARQ core's receive
// queue until the application has signaled it actually consumed the one
// just delivered, so a slow reader holds the flow-control window closed
// instead of this package silently buffering unbounded data ahead of it.
// Control frames carry no payload and are not subject to this gate.
func (s *Stream) drain() {
	scratch := make([]byte, 4096)
	for {
		s.mu.Lock()
		gated := s.awaitingDrain
		s.mu.Unlock()
		if gated {
			return
		}

		n := s.core.Recv(scratch)
		if n <= 0 {
			return
		}
		msg := scratch[:n]
		if len(msg) == 0 {
			continue
		}
		kind := frameKind(msg[0])
		payload := msg[1:]

		s.mu.Lock()
		handshaking := s.handshaking
		connecting := s.connecting
		s.mu.Unlock()

		switch kind {
		case frameSyn:
			if !handshaking {
				continue
			}
			s.mu.Lock()
			s.handshaking = false
			s.mu.Unlock()
			s.core.Send(controlFrame(frameAck))
			s.flush()
			continue

		case frameAck:
			if !connecting {
				continue
			}
			s.mu.Lock()
			s.connecting = false
			s.mu.Unlock()
			if s.eng.cb.OnStateChange != nil {
				s.eng.cb.OnStateChange(s, StateConnect)
			}
			continue

		case frameFin:
			if s.eng.cb.OnStateChange != nil {
				s.eng.cb.OnStateChange(s, StateEOF)
			}
			continue

		case frameData:
			s.mu.Lock()
			s.awaitingDrain = true
			s.mu.Unlock()
			if s.eng.cb.OnRead != nil {
				cp := make([]byte, len(payload))
				copy(cp, payload)
				s.eng.cb.OnRead(s, cp)
			}
			return

		default:
			// Unrecognized frame kind: drop rather than risk misinterpreting
			// it as either control or data.
			continue
		}
	}
}

// ReadDrained tells the engine the application has fully consumed the data
// frame most recently handed to OnRead, so the next buffered message (if
// any is already sitting in the ARQ core's receive queue) can be drained
// and delivered. Calling it when no delivery is pending is a harmless no-op.
func (s *Stream) ReadDrained() {
	s.mu.Lock()
	s.awaitingDrain = false
	s.mu.Unlock()
	s.drain()
}
