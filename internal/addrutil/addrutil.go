// Package addrutil converts between net.UDPAddr and the raw endpoint
// encoding used internally to key the registry and to address datagrams.
// It mirrors asio-utp's util.hpp (to_sockaddr/to_endpoint), which this
// library's engine and registry need in place of boost::asio's endpoint
// type.
package addrutil

import (
	"errors"
	"net"
)

// ErrUnsupportedFamily is returned for any address family other than IPv4/IPv6.
var ErrUnsupportedFamily = errors.New("addrutil: unsupported address family")

// Encode serializes a UDP endpoint to a byte slice: 1 family byte (4 or 6),
// 2 big-endian port bytes, then the 4 or 16 address bytes. This is the
// fixed-width wire shape asio_utp::util::to_sockaddr produces for
// sockaddr_in/sockaddr_in6, trimmed to what Go's net package needs back.
func Encode(ep *net.UDPAddr) ([]byte, error) {
	if ep == nil {
		return nil, errors.New("addrutil: nil endpoint")
	}

	if v4 := ep.IP.To4(); v4 != nil {
		out := make([]byte, 1+2+4)
		out[0] = 4
		out[1] = byte(ep.Port >> 8)
		out[2] = byte(ep.Port)
		copy(out[3:], v4)
		return out, nil
	}

	v6 := ep.IP.To16()
	if v6 == nil {
		return nil, ErrUnsupportedFamily
	}
	out := make([]byte, 1+2+16)
	out[0] = 6
	out[1] = byte(ep.Port >> 8)
	out[2] = byte(ep.Port)
	copy(out[3:], v6)
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*net.UDPAddr, error) {
	if len(b) < 3 {
		return nil, errors.New("addrutil: short buffer")
	}

	port := int(b[1])<<8 | int(b[2])

	switch b[0] {
	case 4:
		if len(b) != 7 {
			return nil, errors.New("addrutil: bad ipv4 length")
		}
		ip := make(net.IP, 4)
		copy(ip, b[3:7])
		return &net.UDPAddr{IP: ip, Port: port}, nil
	case 6:
		if len(b) != 19 {
			return nil, errors.New("addrutil: bad ipv6 length")
		}
		ip := make(net.IP, 16)
		copy(ip, b[3:19])
		return &net.UDPAddr{IP: ip, Port: port}, nil
	default:
		return nil, ErrUnsupportedFamily
	}
}

// Key returns a comparable, hashable string for use as a registry map key.
// Two *net.UDPAddr describing the same endpoint always produce the same key,
// which plain net.UDPAddr.String() would not guarantee for zone-qualified
// IPv6 literals.
func Key(ep *net.UDPAddr) string {
	b, err := Encode(ep)
	if err != nil {
		return ep.String()
	}
	return string(b)
}
