package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"utpgo/internal/engine"
	"utpgo/internal/multiplexer"
)

type fakeHandle struct {
	mu        sync.Mutex
	connected bool
	accepted  *engine.Stream
	eof       bool
	destroyed bool
}

func (f *fakeHandle) OnConnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
}
func (f *fakeHandle) OnWritable() {}
func (f *fakeHandle) OnEOF() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eof = true
}
func (f *fakeHandle) OnDestroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}
func (f *fakeHandle) OnAccept(s *engine.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = s
}
func (f *fakeHandle) OnReceive(buf []byte) {}

func bindMux(t *testing.T) *multiplexer.Multiplexer {
	t.Helper()
	m := multiplexer.New()
	if err := m.Bind(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return m
}

func TestOutstandingOpsDriveTicker(t *testing.T) {
	mux := bindMux(t)
	defer mux.Close()
	ctx := New(mux)

	ctx.mu.Lock()
	if ctx.tickerStop != nil {
		t.Fatal("ticker should be stopped with no outstanding ops")
	}
	ctx.mu.Unlock()

	ctx.IncOutstanding()
	ctx.mu.Lock()
	running := ctx.tickerStop != nil
	ctx.mu.Unlock()
	if !running {
		t.Error("expected ticker to start on first outstanding op")
	}

	ctx.DecOutstanding()
	ctx.mu.Lock()
	running = ctx.tickerStop != nil
	ctx.mu.Unlock()
	if running {
		t.Error("expected ticker to stop once outstanding drops to zero")
	}
}

func TestFirewallRejectsWithoutAcceptingSocket(t *testing.T) {
	muxA := bindMux(t)
	defer muxA.Close()
	muxB := bindMux(t)
	defer muxB.Close()

	server := New(muxA)
	client := New(muxB)

	server.IncOutstanding()
	defer server.DecOutstanding()
	client.IncOutstanding()
	defer client.DecOutstanding()

	h := &fakeHandle{}
	stream := client.Connect(muxA.LocalEndpoint(), h)
	_ = stream

	time.Sleep(200 * time.Millisecond)
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if connected {
		t.Error("expected connect to stall: server has nobody accepting")
	}
	_ = server
}

func TestConnectAndAcceptComplete(t *testing.T) {
	muxA := bindMux(t)
	defer muxA.Close()
	muxB := bindMux(t)
	defer muxB.Close()

	server := New(muxA)
	client := New(muxB)

	serverHandle := &fakeHandle{}
	server.PushAccepting(serverHandle)
	server.IncOutstanding()
	defer server.DecOutstanding()

	clientHandle := &fakeHandle{}
	client.Connect(muxA.LocalEndpoint(), clientHandle)
	client.IncOutstanding()
	defer client.DecOutstanding()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clientHandle.mu.Lock()
		c := clientHandle.connected
		clientHandle.mu.Unlock()
		serverHandle.mu.Lock()
		a := serverHandle.accepted != nil
		serverHandle.mu.Unlock()
		if c && a {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connect/accept did not complete before deadline")
}
