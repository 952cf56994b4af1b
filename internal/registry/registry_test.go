package registry

import (
	"net"
	"testing"
)

func TestGetOrCreateMultiplexerDedupes(t *testing.T) {
	r := New()

	m1, err := r.GetOrCreateMultiplexer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("GetOrCreateMultiplexer: %v", err)
	}
	defer r.ReleaseMultiplexer(m1)

	m2, err := r.GetOrCreateMultiplexer(m1.LocalEndpoint())
	if err != nil {
		t.Fatalf("GetOrCreateMultiplexer: %v", err)
	}
	defer r.ReleaseMultiplexer(m2)

	if m1 != m2 {
		t.Error("expected the same Multiplexer instance for the same endpoint")
	}
}

func TestReleaseMultiplexerClosesOnLastRef(t *testing.T) {
	r := New()

	m1, err := r.GetOrCreateMultiplexer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("GetOrCreateMultiplexer: %v", err)
	}
	m2, _ := r.GetOrCreateMultiplexer(m1.LocalEndpoint())

	r.ReleaseMultiplexer(m1)
	if !m2.IsOpen() {
		t.Error("expected Multiplexer to remain open while a second ref is held")
	}

	r.ReleaseMultiplexer(m2)
	if m2.IsOpen() {
		t.Error("expected Multiplexer to close once the last ref is released")
	}
}

func TestGetOrCreateContextDedupesPerEndpoint(t *testing.T) {
	r := New()

	mux, err := r.GetOrCreateMultiplexer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("GetOrCreateMultiplexer: %v", err)
	}
	defer r.ReleaseMultiplexer(mux)

	ctx1 := r.GetOrCreateContext(mux)
	ctx2 := r.GetOrCreateContext(mux)

	if ctx1 != ctx2 {
		t.Error("expected the same Context instance for the same endpoint")
	}
}
