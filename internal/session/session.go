// Package session implements the Protocol Context: the per-endpoint object
// that owns a uTP engine instance bound to one Multiplexer, drives the
// 500ms timeout ticker, and routes engine callbacks to Stream Sockets. It is
// the Go analog of asio-utp's context (context.hpp upstream).
//
// Named "session" rather than "context" to avoid colliding with the
// standard library's context package, which this module also uses on its
// public-facing blocking calls.
//
// asio-utp's context lives entirely on its executor's single thread, so its
// counters and lists need no locking at all. Package session has no such
// guarantee: a Multiplexer's receive loop, the ticker goroutine and user
// goroutines calling Socket methods all reach into one Context concurrently,
// so it guards its state with a single mutex.
package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"utpgo/internal/engine"
	"utpgo/internal/flog"
	"utpgo/internal/multiplexer"
	"utpgo/internal/utperr"
)

const tickerInterval = 500 * time.Millisecond

// SocketHandle is implemented by package utp's socket implementation. The
// Context dispatches engine events to it through this interface rather than
// importing package utp directly, since package utp's Socket owns a
// *Context, so a direct import would cycle.
type SocketHandle interface {
	OnConnect()
	OnWritable()
	OnEOF()
	OnDestroy()
	OnAccept(stream *engine.Stream)
	OnReceive(buf []byte)
}

// Context is the per-LocalEndpoint protocol state owner.
type Context struct {
	mux   *multiplexer.Multiplexer
	eng   *engine.Engine
	local *net.UDPAddr

	mu          sync.Mutex
	useCount    int
	outstanding int

	accepting []SocketHandle
	streams   map[*engine.Stream]SocketHandle

	tickerStop   chan struct{}
	persistentRx *multiplexer.ReceiveEntry
}

// New wires a Context to mux with engine.DefaultTuning, installing the
// engine's five-callback table.
func New(mux *multiplexer.Multiplexer) *Context {
	return NewWithTuning(mux, engine.DefaultTuning())
}

// NewWithTuning is New with explicit ARQ tuning, e.g. loaded from
// package conf.
func NewWithTuning(mux *multiplexer.Multiplexer, tuning engine.Tuning) *Context {
	c := &Context{
		mux:     mux,
		local:   mux.LocalEndpoint(),
		streams: make(map[*engine.Stream]SocketHandle),
	}
	c.eng = engine.NewWithTuning(engine.Callbacks{
		SendTo:        c.callbackSendTo,
		OnStateChange: c.callbackOnStateChange,
		OnRead:        c.callbackOnRead,
		OnFirewall:    c.callbackOnFirewall,
		OnAccept:      c.callbackOnAccept,
	}, tuning)
	return c
}

// LocalEndpoint returns the bound endpoint of the underlying Multiplexer.
func (c *Context) LocalEndpoint() *net.UDPAddr { return c.local }

// Engine exposes the underlying engine for Socket's connect/write/close path.
func (c *Context) Engine() *engine.Engine { return c.eng }

// IncUse / DecUse track how many SocketImpls share this Context, mirroring
// context::increment_use_count / decrement_use_count. DecUse returns the
// remaining count.
func (c *Context) IncUse() {
	c.mu.Lock()
	c.useCount++
	c.mu.Unlock()
}

func (c *Context) DecUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useCount--
	return c.useCount
}

// RegisterStream associates an engine Stream with the SocketHandle that owns
// it, so callback dispatch can find it later.
func (c *Context) RegisterStream(s *engine.Stream, h SocketHandle) {
	c.mu.Lock()
	c.streams[s] = h
	c.mu.Unlock()
}

// UnregisterStream removes the association, e.g. once a Socket has released
// its engine stream on DESTROYING.
func (c *Context) UnregisterStream(s *engine.Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	c.mu.Unlock()
}

// Connect creates an outbound engine Stream toward remote and registers h as
// its handle.
func (c *Context) Connect(remote *net.UDPAddr, h SocketHandle) *engine.Stream {
	s := c.eng.CreateStream(remote)
	c.RegisterStream(s, h)
	return s
}

// PushAccepting enqueues h on the accepting list (FIFO), the Go analog of
// asio-utp's intrusive accepting-list push in do_accept.
func (c *Context) PushAccepting(h SocketHandle) {
	c.mu.Lock()
	c.accepting = append(c.accepting, h)
	c.mu.Unlock()
}

// CancelAccepting removes h from the accepting list, e.g. because close()
// was called while an accept was pending.
func (c *Context) CancelAccepting(h SocketHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.accepting {
		if a == h {
			c.accepting = append(c.accepting[:i], c.accepting[i+1:]...)
			return
		}
	}
}

// IncOutstanding / DecOutstanding implement the operation-accounting
// invariant that keeps this Context alive: the ticker and the persistent
// receive registration run iff outstanding > 0.
//
// asio-utp's context splits this into separate outstanding/completed
// counters so the ticker is not stopped while a fired callback's
// continuation is queued but not yet run on the executor. That race window
// is specific to a callback-based event loop; here a Socket takes its slot
// in outstanding when Connect/Accept starts and holds it until its stream
// is destroyed (or until an accept that never attached a stream is
// abandoned), so the two counters collapse into one without reintroducing
// the race asio-utp guards against.
func (c *Context) IncOutstanding() {
	c.mu.Lock()
	c.outstanding++
	start := c.outstanding == 1
	c.mu.Unlock()
	if start {
		c.start()
	}
}

func (c *Context) DecOutstanding() {
	c.mu.Lock()
	if c.outstanding > 0 {
		c.outstanding--
	}
	stop := c.outstanding == 0
	c.mu.Unlock()
	if stop {
		c.stop()
	}
}

func (c *Context) start() {
	c.mu.Lock()
	if c.tickerStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.tickerStop = stop
	c.mu.Unlock()

	go c.tickerLoop(stop)
	c.armReceive()
}

func (c *Context) stop() {
	c.mu.Lock()
	stop := c.tickerStop
	c.tickerStop = nil
	entry := c.persistentRx
	c.persistentRx = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if entry != nil {
		entry.Cancel()
	}
}

func (c *Context) tickerLoop(stop chan struct{}) {
	t := time.NewTicker(tickerInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.eng.CheckTimeouts()
		}
	}
}

// armReceive registers the Context's persistent ReceiveEntry, the path
// every inbound datagram for this endpoint fans in through.
func (c *Context) armReceive() {
	entry := c.mux.Register(c.onDatagram)
	c.mu.Lock()
	c.persistentRx = entry
	c.mu.Unlock()
}

func (c *Context) onDatagram(err error, from *net.UDPAddr, payload []byte) {
	if err != nil {
		return
	}
	c.eng.ProcessUDP(payload, from)

	c.mu.Lock()
	live := c.outstanding > 0
	c.mu.Unlock()
	if live {
		c.armReceive()
	}
}

func (c *Context) callbackSendTo(buf []byte, addr *net.UDPAddr) {
	_, err := c.mux.SendTo(buf, addr)
	if err == nil {
		return
	}
	if errors.Is(err, utperr.ErrBadDescriptor) || errors.Is(err, net.ErrClosed) {
		return
	}
	flog.Warnf("ctx", "sendto %s: %v", addr, err)
}

func (c *Context) callbackOnStateChange(s *engine.Stream, state engine.State) {
	c.mu.Lock()
	h, ok := c.streams[s]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch state {
	case engine.StateConnect:
		h.OnConnect()
	case engine.StateWritable:
		h.OnWritable()
	case engine.StateEOF:
		h.OnEOF()
	case engine.StateDestroying:
		h.OnDestroy()
	}
}

func (c *Context) callbackOnRead(s *engine.Stream, buf []byte) {
	c.mu.Lock()
	h, ok := c.streams[s]
	c.mu.Unlock()
	if !ok {
		return
	}
	h.OnReceive(buf)
}

func (c *Context) callbackOnFirewall(addr *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accepting) > 0
}

func (c *Context) callbackOnAccept(s *engine.Stream) {
	c.mu.Lock()
	if len(c.accepting) == 0 {
		c.mu.Unlock()
		c.eng.Remove(s)
		return
	}
	h := c.accepting[0]
	c.accepting = c.accepting[1:]
	c.streams[s] = h
	c.mu.Unlock()

	h.OnAccept(s)
}
