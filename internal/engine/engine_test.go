package engine

import (
	"net"
	"sync"
	"testing"
	"time"
)

// loopback wires two Engines' SendTo callbacks directly into each other's
// ProcessUDP, simulating a lossless UDP path without touching a real socket.
func loopback(t *testing.T) (client, server *Engine, clientEvents, serverEvents *eventLog) {
	t.Helper()

	clientEvents = &eventLog{}
	serverEvents = &eventLog{}

	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8}

	var c, s *Engine

	c = New(Callbacks{
		SendTo: func(buf []byte, addr *net.UDPAddr) {
			go s.ProcessUDP(buf, clientAddr)
		},
		OnStateChange: clientEvents.onStateChange,
		OnRead:        clientEvents.onRead,
	})

	s = New(Callbacks{
		SendTo: func(buf []byte, addr *net.UDPAddr) {
			go c.ProcessUDP(buf, serverAddr)
		},
		OnStateChange: serverEvents.onStateChange,
		OnRead:        serverEvents.onRead,
		OnFirewall:    func(addr *net.UDPAddr) bool { return true },
		OnAccept:      serverEvents.onAccept,
	})

	return c, s, clientEvents, serverEvents
}

type eventLog struct {
	mu       sync.Mutex
	states   []State
	reads    [][]byte
	accepted []*Stream
}

func (e *eventLog) onStateChange(s *Stream, st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, st)
}

func (e *eventLog) onRead(s *Stream, buf []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads = append(e.reads, buf)
}

func (e *eventLog) onAccept(s *Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accepted = append(e.accepted, s)
}

func (e *eventLog) hasState(st State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s == st {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandshakeReachesConnectAndAccept(t *testing.T) {
	client, server, clientEvents, serverEvents := loopback(t)
	_ = server

	stream := client.CreateStream(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9})

	waitFor(t, func() bool { return clientEvents.hasState(StateConnect) })
	waitFor(t, func() bool {
		serverEvents.mu.Lock()
		defer serverEvents.mu.Unlock()
		return len(serverEvents.accepted) == 1
	})

	_ = stream
}

func TestDataRoundTrip(t *testing.T) {
	client, server, clientEvents, serverEvents := loopback(t)
	_ = clientEvents

	clientStream := client.CreateStream(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9})
	waitFor(t, func() bool {
		serverEvents.mu.Lock()
		defer serverEvents.mu.Unlock()
		return len(serverEvents.accepted) == 1
	})

	payload := []byte("hello from client")
	if _, err := clientStream.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, func() bool {
		serverEvents.mu.Lock()
		defer serverEvents.mu.Unlock()
		return len(serverEvents.reads) == 1
	})

	serverEvents.mu.Lock()
	got := serverEvents.reads[0]
	serverEvents.mu.Unlock()

	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestProcessUDPRejectsShortBuffer(t *testing.T) {
	e := New(Callbacks{})
	if e.ProcessUDP([]byte{1, 2, 3}, &net.UDPAddr{}) {
		t.Error("expected false for undersized datagram")
	}
}
