// Package multiplexer implements the UDP Multiplexer: one bound UDP
// datagram endpoint shared by any number of consumers, with a single
// continuous receive loop that fans each inbound datagram out to every
// currently registered waiter. It is the Go analog of asio-utp's
// udp_multiplexer_impl (udp_multiplexer_impl.hpp upstream).
//
// asio-utp arms its receive call lazily and cancels it when the waiter list
// empties, because its receive loop shares one event-loop thread with
// everything else. Here the receive loop is its own goroutine from Bind
// onward: there is nothing else for it to block, so it simply drops a
// datagram when no waiter is registered rather than attempting to cancel an
// in-flight OS read. The move-and-drain fan-out and FIFO consumer contract
// are preserved exactly.
package multiplexer

import (
	"context"
	"errors"
	"net"
	"sync"

	"utpgo/internal/cipher"
	"utpgo/internal/flog"
	"utpgo/internal/utperr"
)

// maxDatagram is sized to hold a maximum IPv4 UDP payload plus one sentinel
// byte.
const maxDatagram = 65536 + 1

// SendObserver is invoked after every SendTo completes.
type SendObserver func(payload []byte, n int, dest *net.UDPAddr, err error)

// ReceiveEntry is a waiter registered with a Multiplexer. It auto-unlinks on
// Cancel, the Go stand-in for asio-utp's intrusive auto-unlinking list node.
type ReceiveEntry struct {
	mux      *Multiplexer
	callback func(err error, from *net.UDPAddr, payload []byte)
	id       uint64
}

// Cancel unlinks the entry. Safe to call more than once.
func (r *ReceiveEntry) Cancel() {
	r.mux.unregister(r.id)
}

// Multiplexer owns one bound UDP socket.
type Multiplexer struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	local     *net.UDPAddr
	closed    bool
	waiters   []*ReceiveEntry
	nextID    uint64
	observers map[uint64]SendObserver
	nextObsID uint64
	aead      *cipher.AEAD
}

// New creates an unbound Multiplexer. SetCipher may be called before Bind to
// enable per-datagram encryption.
func New() *Multiplexer {
	return &Multiplexer{observers: make(map[uint64]SendObserver)}
}

// SetCipher installs optional AEAD encryption for every datagram this
// Multiplexer sends or receives. Passing nil disables it.
func (m *Multiplexer) SetCipher(a *cipher.AEAD) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aead = a
}

// Bind opens the UDP socket. Calling Bind twice on the same handle returns
// ErrAlreadyOpen.
func (m *Multiplexer) Bind(endpoint *net.UDPAddr) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return utperr.ErrAlreadyOpen
	}
	conn, err := net.ListenUDP("udp", endpoint)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.conn = conn
	m.local = conn.LocalAddr().(*net.UDPAddr)
	m.mu.Unlock()

	go m.receiveLoop()
	return nil
}

// BindShared attaches this handle to another Multiplexer's already-bound
// socket, the Go analog of asio-utp's bind(other_multiplexer) overload.
// Since the registry already hands out one shared *Multiplexer per
// LocalEndpoint, callers normally never need this; it exists for API
// completeness and for tests that want two independent handle values over
// one socket.
func (m *Multiplexer) BindShared(other *Multiplexer) error {
	other.mu.Lock()
	conn, local := other.conn, other.local
	other.mu.Unlock()

	if conn == nil {
		return utperr.ErrBadDescriptor
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return utperr.ErrAlreadyOpen
	}
	m.conn = conn
	m.local = local
	return nil
}

// IsOpen reports whether the socket is bound and not yet closed.
func (m *Multiplexer) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.closed
}

// LocalEndpoint returns the bound local address, or nil if unbound.
func (m *Multiplexer) LocalEndpoint() *net.UDPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Register adds a receive waiter. Its callback fires at most once per call;
// consumers that want continuous reception must re-register from inside the
// callback, as the Context's persistent entry does.
func (m *Multiplexer) Register(cb func(err error, from *net.UDPAddr, payload []byte)) *ReceiveEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry := &ReceiveEntry{mux: m, callback: cb, id: m.nextID}

	if m.closed {
		go cb(utperr.ErrOperationAborted, nil, nil)
		return entry
	}

	m.waiters = append(m.waiters, entry)
	return entry
}

func (m *Multiplexer) unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w.id == id {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// OnSendTo registers an observer fired after every completed SendTo. The
// returned func unregisters it, mirroring asio-utp's auto-unlinking
// connection object for send observers.
func (m *Multiplexer) OnSendTo(observer SendObserver) (cancel func()) {
	m.mu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers[id] = observer
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SendTo writes payload to dest. It is synchronous at the OS boundary; the
// engine callback site (package session) is responsible for filtering
// ErrBadDescriptor/net.ErrClosed and would-block conditions. This method
// reports them plainly.
func (m *Multiplexer) SendTo(payload []byte, dest *net.UDPAddr) (int, error) {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	aead := m.aead
	m.mu.Unlock()

	if conn == nil || closed {
		m.notify(payload, 0, dest, utperr.ErrBadDescriptor)
		return 0, utperr.ErrBadDescriptor
	}

	out, err := aead.Seal(payload)
	if err != nil {
		m.notify(payload, 0, dest, err)
		return 0, err
	}

	n, err := conn.WriteToUDP(out, dest)
	m.notify(payload, n, dest, err)
	return n, err
}

// ReceiveFrom blocks until one datagram arrives on this Multiplexer, or ctx
// is cancelled first. It is the Go analog of asio-utp's
// async_receive_from, the entry point for a passive observer that wants raw
// datagrams off a bound endpoint without any protocol-engine involvement.
// Like Register, it is a single-shot waiter: it does not compete with a
// Context's persistent receive registration for datagrams, it just takes
// whichever arrives next.
func (m *Multiplexer) ReceiveFrom(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	type result struct {
		n    int
		from *net.UDPAddr
		err  error
	}
	done := make(chan result, 1)
	entry := m.Register(func(err error, from *net.UDPAddr, payload []byte) {
		if err != nil {
			done <- result{0, nil, err}
			return
		}
		done <- result{copy(buf, payload), from, nil}
	})

	select {
	case r := <-done:
		return r.n, r.from, r.err
	case <-ctx.Done():
		entry.Cancel()
		return 0, nil, ctx.Err()
	}
}

func (m *Multiplexer) notify(payload []byte, n int, dest *net.UDPAddr, err error) {
	m.mu.Lock()
	obs := make([]SendObserver, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.mu.Unlock()

	for _, o := range obs {
		o(payload, n, dest, err)
	}
}

// Close shuts down the socket and completes every pending waiter with
// ErrOperationAborted.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w.callback(utperr.ErrOperationAborted, nil, nil)
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// receiveLoop is the Multiplexer's single continuous receive loop: one
// buffer, one outstanding OS read at a time, fanned out to every registered
// waiter via move-and-drain so re-registration during dispatch targets the
// next round rather than the one in progress.
func (m *Multiplexer) receiveLoop() {
	buf := make([]byte, maxDatagram)
	for {
		m.mu.Lock()
		conn := m.conn
		closed := m.closed
		m.mu.Unlock()
		if conn == nil || closed {
			return
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			flog.Warnf("mux", "receive error: %v", err)
			continue
		}

		m.mu.Lock()
		waiters := m.waiters
		m.waiters = nil
		aead := m.aead
		m.mu.Unlock()

		if len(waiters) == 0 {
			continue
		}

		payload, err := aead.Open(buf[:n])
		if err != nil {
			flog.Warnf("mux", "dropping undecryptable datagram from %s: %v", from, err)
			continue
		}

		for _, w := range waiters {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			w.callback(nil, from, cp)
		}
	}
}
