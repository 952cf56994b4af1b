package utp

import (
	"context"
	"net"

	"utpgo/internal/cipher"
	"utpgo/internal/conf"
	"utpgo/internal/multiplexer"
	"utpgo/internal/registry"
)

// Endpoint is the network endpoint type used throughout this package: a
// uTP socket's associated endpoint type, concretely a UDP address.
type Endpoint = net.UDPAddr

// SendObserver is invoked after every completed send on a UdpMultiplexer.
type SendObserver = multiplexer.SendObserver

// UdpMultiplexer is the public handle onto a shared UDP endpoint. Multiple
// UdpMultiplexer values bound to the same local endpoint, and every Socket
// that shares one, resolve through the Endpoint Service Registry to the
// same underlying OS socket and receive loop.
type UdpMultiplexer struct {
	reg    *registry.Registry
	mux    *multiplexer.Multiplexer
	shared bool // true if bound via BindShared: this handle holds no registry refcount to release
}

// NewUdpMultiplexer creates an unbound handle against the process-wide
// registry.
func NewUdpMultiplexer() *UdpMultiplexer {
	return &UdpMultiplexer{reg: registry.Default}
}

// Bind resolves addr (use port 0 for an ephemeral port) to a shared
// Multiplexer, creating and binding the underlying UDP socket on first use
// for that endpoint.
func (u *UdpMultiplexer) Bind(addr *Endpoint) error {
	if u.mux != nil {
		return ErrAlreadyOpen
	}
	mux, err := u.reg.GetOrCreateMultiplexer(addr)
	if err != nil {
		return err
	}
	u.mux = mux
	return nil
}

// BindShared attaches this handle to another already-bound UdpMultiplexer's
// socket instead of binding one of its own, the Go analog of asio-utp's
// bind(other_multiplexer) overload: both handles then share one OS socket
// and one receive loop.
func (u *UdpMultiplexer) BindShared(other *UdpMultiplexer) error {
	if other.mux == nil {
		return ErrBadDescriptor
	}
	if u.mux != nil {
		return ErrAlreadyOpen
	}
	u.mux = other.mux
	u.shared = true
	return nil
}

// SendTo writes a raw datagram to dest on the bound endpoint, bypassing the
// protocol engine entirely: the asio-utp analog is async_send_to, used by
// passive observers that want to speak their own wire format over a shared
// port instead of uTP.
func (u *UdpMultiplexer) SendTo(payload []byte, dest *Endpoint) (int, error) {
	if u.mux == nil {
		return 0, ErrBadDescriptor
	}
	return u.mux.SendTo(payload, dest)
}

// ReceiveFrom blocks until one raw datagram arrives on the bound endpoint,
// or ctx is cancelled first, copying it into buf. The asio-utp analog is
// async_receive_from. It competes with nothing else reading from this
// endpoint for exactly one datagram; a Socket bound to the same endpoint
// keeps receiving everything else as normal.
func (u *UdpMultiplexer) ReceiveFrom(ctx context.Context, buf []byte) (int, *Endpoint, error) {
	if u.mux == nil {
		return 0, nil, ErrBadDescriptor
	}
	return u.mux.ReceiveFrom(ctx, buf)
}

// Close releases this handle's reference; the underlying socket closes once
// every Multiplexer and Socket sharing it has released it. A handle bound
// via BindShared holds no registry refcount of its own, so Close just drops
// its local reference and leaves the other handle's lifecycle untouched.
func (u *UdpMultiplexer) Close() error {
	if u.mux == nil {
		return nil
	}
	if u.shared {
		u.mux = nil
		return nil
	}
	u.reg.ReleaseMultiplexer(u.mux)
	u.mux = nil
	return nil
}

// SetKey derives a symmetric key from passphrase and installs it as this
// Multiplexer's per-datagram AEAD, rejecting any datagram that doesn't
// decrypt under it before the protocol engine ever sees the bytes. An empty
// passphrase disables encryption again.
func (u *UdpMultiplexer) SetKey(passphrase string) error {
	if u.mux == nil {
		return ErrBadDescriptor
	}
	if passphrase == "" {
		u.mux.SetCipher(nil)
		return nil
	}
	a, err := cipher.New(conf.DeriveKey(passphrase))
	if err != nil {
		return err
	}
	u.mux.SetCipher(a)
	return nil
}

// IsOpen reports whether Bind has succeeded and Close has not yet been called.
func (u *UdpMultiplexer) IsOpen() bool { return u.mux != nil && u.mux.IsOpen() }

// LocalEndpoint returns the bound address, or nil if unbound.
func (u *UdpMultiplexer) LocalEndpoint() *Endpoint {
	if u.mux == nil {
		return nil
	}
	return u.mux.LocalEndpoint()
}

// OnSendTo registers an observer fired after every datagram this
// Multiplexer sends; the returned func cancels it.
func (u *UdpMultiplexer) OnSendTo(observer SendObserver) (cancel func()) {
	if u.mux == nil {
		return func() {}
	}
	return u.mux.OnSendTo(observer)
}
