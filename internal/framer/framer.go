// Package framer implements the L3 packet boundary detector described in
// spec.md §4.2: given a byte stream arriving in a ring.Buffer, determine
// where the next whole IPv4/IPv6 packet ends, tolerating a header that
// straddles the ring's wrap point.
package framer

import "github.com/secsecsec/meshd/internal/ring"

const (
	// IPv4HeaderLen is the minimum IPv4 header length in bytes.
	IPv4HeaderLen = 20
	// IPv6HeaderLen is the fixed IPv6 header length in bytes (options, if
	// any, are carried in the payload length).
	IPv6HeaderLen = 40

	ipv4TotalLenOffset   = 2 // big-endian uint16
	ipv6PayloadLenOffset = 4 // big-endian uint16, relative to header start
)

// Status reports the outcome of a Peek call.
type Status int

const (
	// NeedMore means fewer bytes are buffered than required to determine
	// (or complete) the packet; retry after the next wake.
	NeedMore Status = iota
	// Ready means the whole next packet is buffered; Peek's returned
	// length is its total size in bytes, including header.
	Ready
	// FatalVersion means the leading nibble was neither 4 nor 6 — fatal
	// to this peer connection's rx stream (spec.md §4.2 step 1).
	FatalVersion
)

// Version returns the L3 version (4 or 6) encoded in the upper nibble of b,
// or 0 if b encodes neither.
func Version(b byte) int {
	switch b >> 4 {
	case 4:
		return 4
	case 6:
		return 6
	default:
		return 0
	}
}

// Peek inspects the bytes currently buffered in rx without consuming any of
// them and determines the length of the next whole L3 packet, reporting
// Ready only once all of that packet is buffered. It tolerates the header
// itself straddling the ring's wrap: ring.Buffer.PeekAt copies the length
// field across both readable regions transparently.
func Peek(rx *ring.Buffer) (totalLen int, status Status) {
	if rx.Len() < 1 {
		return 0, NeedMore
	}

	var first [1]byte
	rx.PeekAt(0, first[:])
	version := Version(first[0])
	if version == 0 {
		return 0, FatalVersion
	}

	hdrLen := IPv4HeaderLen
	if version == 6 {
		hdrLen = IPv6HeaderLen
	}
	if rx.Len() < hdrLen {
		return 0, NeedMore
	}

	var field [2]byte
	var total int
	switch version {
	case 4:
		rx.PeekAt(ipv4TotalLenOffset, field[:])
		total = int(be16(field[:]))
		if total < IPv4HeaderLen {
			// Malformed total length; treat like a version error so the
			// caller tears down the stream rather than spinning forever.
			return 0, FatalVersion
		}
	default: // 6
		rx.PeekAt(ipv6PayloadLenOffset, field[:])
		total = IPv6HeaderLen + int(be16(field[:]))
	}
	if rx.Len() < total {
		// Header is in, the rest of the packet is not yet.
		return 0, NeedMore
	}
	return total, Ready
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
