// Package endpoint implements the tagged-variant Endpoint type of spec.md
// §3-§4: a managed file descriptor in one of three roles (Listener,
// PeerConn, Tun), each with role-specific buffers and state. Discriminated
// roles map cleanly onto a tagged variant with per-variant payloads,
// removing the shared-union layout and its aliasing hazards the original C
// source had (spec.md §9).
package endpoint

import (
	"golang.org/x/sys/unix"

	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/ring"
)

// Role tags which variant of Endpoint this is.
type Role int

const (
	RoleListener Role = iota
	RolePeerConn
	RoleTun
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePeerConn:
		return "peer"
	case RoleTun:
		return "tun"
	default:
		return "unknown"
	}
}

const (
	// PeerRingSize is the rx/tx ring capacity for a PeerConn endpoint
	// (spec.md §3: "rx ring (128 KiB), tx ring (128 KiB)").
	PeerRingSize = 128 * 1024
	// TunTxRingSize is the TUN endpoint's tx ring capacity (spec.md §3:
	// "tx ring (4 MiB)").
	TunTxRingSize = 4 * 1024 * 1024
	// MaxIPPacket bounds a single IPv4/IPv6 datagram (65535 total length
	// field) and sizes the TUN read buffer.
	MaxIPPacket = 65535
)

// Endpoint is a managed file descriptor with role and buffers, per
// spec.md §3. Shared fields (Fd, Role, Alive) apply to every variant;
// the remaining fields are only meaningful for their owning role.
type Endpoint struct {
	Fd    int
	Role  Role
	Alive bool

	// PeerConn fields.
	Peer     netaddr.Addr
	Family   netaddr.Family
	Outbound bool
	Rx       *ring.Buffer
	Tx       *ring.Buffer

	// Tun fields.
	TunTx    *ring.Buffer
	ReadBuf  []byte
	ReadAsm  *AssemblyBuffer
	WriteAsm *AssemblyBuffer
}

// NewListener wraps a bound, listening, non-blocking fd.
func NewListener(fd int) *Endpoint {
	return &Endpoint{Fd: fd, Role: RoleListener, Alive: true}
}

// NewPeerConn wraps a connected (or about-to-connect) TCP fd to peer,
// allocating its rx/tx rings.
func NewPeerConn(fd int, peer netaddr.Addr, family netaddr.Family, outbound bool) *Endpoint {
	return &Endpoint{
		Fd:       fd,
		Role:     RolePeerConn,
		Alive:    true,
		Peer:     peer,
		Family:   family,
		Outbound: outbound,
		Rx:       ring.New(PeerRingSize),
		Tx:       ring.New(PeerRingSize),
	}
}

// NewTun wraps the caller-provided TUN fd, allocating its tx ring and
// assembly buffers.
func NewTun(fd int) *Endpoint {
	return &Endpoint{
		Fd:       fd,
		Role:     RoleTun,
		Alive:    true,
		TunTx:    ring.New(TunTxRingSize),
		ReadBuf:  make([]byte, MaxIPPacket),
		ReadAsm:  NewAssemblyBuffer(2048),
		WriteAsm: NewAssemblyBuffer(2048),
	}
}

// Close closes the underlying fd and marks the endpoint dead. It is
// idempotent, guarded by Fd>=0 per spec.md §3 ("Idempotent against
// double-destroy"); callers are responsible for notifier/ipset/peertable
// unlinking, which cuts across endpoint, routesync, and peertable and so
// lives in the orchestrating IoContext (spec.md §3, §4.5).
func (e *Endpoint) Close() error {
	if e.Fd < 0 {
		return nil
	}
	fd := e.Fd
	e.Fd = -1
	e.Alive = false
	return unix.Close(fd)
}

// SetNonblocking puts fd into non-blocking mode, required by every
// endpoint per spec.md §5 ("Every socket/TUN call is non-blocking").
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}
