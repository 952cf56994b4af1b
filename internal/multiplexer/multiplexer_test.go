package multiplexer

import (
	"context"
	"net"
	"testing"
	"time"

	"utpgo/internal/utperr"
)

func mustBind(t *testing.T) *Multiplexer {
	t.Helper()
	m := New()
	if err := m.Bind(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return m
}

func TestBindAssignsRandomPort(t *testing.T) {
	m := mustBind(t)
	defer m.Close()

	if m.LocalEndpoint().Port == 0 {
		t.Error("expected a nonzero ephemeral port")
	}
	if !m.IsOpen() {
		t.Error("expected IsOpen() after Bind")
	}
}

func TestBindTwiceFails(t *testing.T) {
	m := mustBind(t)
	defer m.Close()

	if err := m.Bind(&net.UDPAddr{Port: 0}); err != utperr.ErrAlreadyOpen {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestSendAndReceive(t *testing.T) {
	server := mustBind(t)
	defer server.Close()
	client := mustBind(t)
	defer client.Close()

	received := make(chan []byte, 1)
	server.Register(func(err error, from *net.UDPAddr, payload []byte) {
		if err != nil {
			t.Errorf("receive error: %v", err)
			return
		}
		received <- payload
	})

	if _, err := client.SendTo([]byte("ping"), server.LocalEndpoint()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "ping" {
			t.Errorf("got %q, want %q", payload, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestSendObserverFires(t *testing.T) {
	server := mustBind(t)
	defer server.Close()
	client := mustBind(t)
	defer client.Close()

	fired := make(chan int, 1)
	cancel := client.OnSendTo(func(payload []byte, n int, dest *net.UDPAddr, err error) {
		fired <- n
	})
	defer cancel()

	if _, err := client.SendTo([]byte("abc"), server.LocalEndpoint()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case n := <-fired:
		if n != 3 {
			t.Errorf("expected n=3, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("observer never fired")
	}
}

func TestReceiveFrom(t *testing.T) {
	server := mustBind(t)
	defer server.Close()
	client := mustBind(t)
	defer client.Close()

	if _, err := client.SendTo([]byte("raw"), server.LocalEndpoint()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, 16)
	n, from, err := server.ReceiveFrom(ctx, buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	if string(buf[:n]) != "raw" {
		t.Errorf("got %q, want %q", buf[:n], "raw")
	}
	if from == nil {
		t.Error("expected a non-nil source address")
	}
}

func TestReceiveFromCancelled(t *testing.T) {
	m := mustBind(t)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := m.ReceiveFrom(ctx, make([]byte, 16)); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBindSharedUsesSameSocket(t *testing.T) {
	primary := mustBind(t)
	defer primary.Close()

	shared := New()
	if err := shared.BindShared(primary); err != nil {
		t.Fatalf("BindShared: %v", err)
	}
	if shared.LocalEndpoint().String() != primary.LocalEndpoint().String() {
		t.Errorf("expected shared endpoint %s, got %s", primary.LocalEndpoint(), shared.LocalEndpoint())
	}

	client := mustBind(t)
	defer client.Close()
	if _, err := shared.SendTo([]byte("via-shared"), client.LocalEndpoint()); err != nil {
		t.Fatalf("SendTo over shared handle: %v", err)
	}
}

func TestCloseAbortsPendingWaiter(t *testing.T) {
	m := mustBind(t)

	done := make(chan error, 1)
	m.Register(func(err error, from *net.UDPAddr, payload []byte) {
		done <- err
	})

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != utperr.ErrOperationAborted {
			t.Errorf("expected ErrOperationAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never aborted")
	}
}
