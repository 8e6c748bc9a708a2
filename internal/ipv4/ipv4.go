// Package ipv4 provides the canonical endpoint value type used throughout
// grid-watcher: a dotted-quad IPv4 address with a 32-bit big-endian key form
// suitable for use as a map key or bloom filter input.
package ipv4

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is an IPv4 address represented both as its four octets and as a
// canonical 32-bit big-endian numeric key.
type Endpoint struct {
	A, B, C, D byte
}

// Zero is the unspecified endpoint 0.0.0.0.
var Zero = Endpoint{}

// New builds an Endpoint from its four octets.
func New(a, b, c, d byte) Endpoint {
	return Endpoint{A: a, B: b, C: c, D: d}
}

// FromUint32 decodes a big-endian 32-bit key into an Endpoint.
func FromUint32(key uint32) Endpoint {
	return Endpoint{
		A: byte(key >> 24),
		B: byte(key >> 16),
		C: byte(key >> 8),
		D: byte(key),
	}
}

// FromNetIP converts a net.IP (must carry a 4-byte representation) to an
// Endpoint. It returns false if ip is not a valid IPv4 address.
func FromNetIP(ip net.IP) (Endpoint, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return Endpoint{}, false
	}
	return Endpoint{A: v4[0], B: v4[1], C: v4[2], D: v4[3]}, true
}

// Parse parses a dotted-quad string ("10.0.0.1") into an Endpoint.
func Parse(s string) (Endpoint, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Endpoint{}, fmt.Errorf("ipv4: invalid address %q", s)
	}
	var octets [4]byte
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return Endpoint{}, fmt.Errorf("ipv4: invalid octet %q in %q", p, s)
		}
		octets[i] = byte(n)
	}
	return Endpoint{A: octets[0], B: octets[1], C: octets[2], D: octets[3]}, nil
}

// Key returns the canonical 32-bit big-endian numeric key for the endpoint.
func (e Endpoint) Key() uint32 {
	return uint32(e.A)<<24 | uint32(e.B)<<16 | uint32(e.C)<<8 | uint32(e.D)
}

// String formats the endpoint as a dotted quad.
func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", e.A, e.B, e.C, e.D)
}

// IsZero reports whether e is the unspecified address.
func (e Endpoint) IsZero() bool {
	return e == Zero
}
