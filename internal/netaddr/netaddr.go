// Package netaddr implements the fixed-width address type shared by every
// other core package: a comparable 16-byte value suitable for direct use as
// a Go map key, the hash table spec.md treats as an external collaborator.
package netaddr

import (
	"bytes"
	"fmt"
	"net"
)

// Family tags which view of Addr is populated.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Addr is a fixed-width 16-byte buffer interpreted as 4 bytes (IPv4) or 16
// bytes (IPv6) according to Family. It is comparable and usable directly as
// a map key — no hashing library needed; see DESIGN.md.
type Addr struct {
	bytes  [16]byte
	family Family
}

// FromIP builds an Addr from a net.IP, selecting the family from its
// effective length. Returns an error for anything that isn't a valid v4 or
// v6 address.
func FromIP(ip net.IP) (Addr, error) {
	if v4 := ip.To4(); v4 != nil {
		var a Addr
		copy(a.bytes[:4], v4)
		a.family = FamilyV4
		return a, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var a Addr
		copy(a.bytes[:], v6)
		a.family = FamilyV6
		return a, nil
	}
	return Addr{}, fmt.Errorf("netaddr: invalid IP %q", ip)
}

// Family reports whether a is a v4 or v6 address.
func (a Addr) Family() Family { return a.family }

// IsZero reports whether a is the zero value (no family set).
func (a Addr) IsZero() bool { return a.family == 0 }

// Bytes returns the address's significant bytes: 4 for v4, 16 for v6.
func (a Addr) Bytes() []byte {
	if a.family == FamilyV4 {
		return a.bytes[:4]
	}
	return a.bytes[:16]
}

// IP renders a as a net.IP for use with the standard library.
func (a Addr) IP() net.IP {
	b := a.Bytes()
	out := make(net.IP, len(b))
	copy(out, b)
	return out
}

// Less implements the byte-lexicographic ordering spec.md §3 defines for
// tie-breaking. Addresses of differing family compare by family first so
// the order is total across the whole type.
func (a Addr) Less(b Addr) bool {
	if a.family != b.family {
		return a.family < b.family
	}
	return bytes.Compare(a.Bytes(), b.Bytes()) < 0
}

// Greater is the strict mirror of Less, used directly by the reloader's
// dial tie-break (spec.md §4.6: "Dial only when peer > self").
func (a Addr) Greater(b Addr) bool { return b.Less(a) }

func (a Addr) String() string {
	if a.IsZero() {
		return "<zero>"
	}
	return a.IP().String()
}
