// Package ioresult defines the internal ABI return codes shared by every
// I/O callback in the core (spec.md §4.1, §7).
package ioresult

// Code is the result of a single I/O attempt against a ring, socket, or
// TUN fd.
type Code int

const (
	// OK means progress was made; the caller should retry immediately.
	OK Code = iota
	// OKExhausted means the kernel would block (EAGAIN/EWOULDBLOCK);
	// yield to the notifier.
	OKExhausted
	// OKNotEnoughSpace means a ring cannot hold a whole unit (e.g. one L3
	// packet); the caller should drop the unit and count it.
	OKNotEnoughSpace
	// Kill means the peer closed, reset, or broke the pipe; the endpoint
	// must be destroyed.
	Kill
	// UnknownErr means an unexpected errno; log it and leave the
	// endpoint alive.
	UnknownErr
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case OKExhausted:
		return "OK_EXHAUSTED"
	case OKNotEnoughSpace:
		return "OK_NOT_ENOUGH_SPACE"
	case Kill:
		return "KILL"
	case UnknownErr:
		return "UNKNOWN_ERR"
	default:
		return "UNKNOWN_CODE"
	}
}
