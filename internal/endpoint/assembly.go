package endpoint

import "fmt"

// AssemblyBuffer stages a packet that straddles a ring's wrap boundary so
// the TUN writer can still issue a single atomic write/writev (spec.md §3,
// PacketAssemblyBuffer). It grows by doubling and never shrinks for the
// life of the endpoint — no allocation happens once steady state is
// reached.
//
// Invariant (spec.md §3 invariant 5): len <= currentPktLen <= cap(buf);
// when currentPktLen==0, len==0.
type AssemblyBuffer struct {
	buf           []byte
	length        int
	currentPktLen int
}

// NewAssemblyBuffer allocates an AssemblyBuffer with the given initial
// capacity.
func NewAssemblyBuffer(initialCap int) *AssemblyBuffer {
	if initialCap <= 0 {
		initialCap = 2048
	}
	return &AssemblyBuffer{buf: make([]byte, initialCap)}
}

// Len returns the number of bytes currently staged.
func (a *AssemblyBuffer) Len() int { return a.length }

// CurrentPktLen returns the total length of the packet being assembled, or
// 0 if none is in progress.
func (a *AssemblyBuffer) CurrentPktLen() int { return a.currentPktLen }

// Cap returns the buffer's current capacity.
func (a *AssemblyBuffer) Cap() int { return len(a.buf) }

// Done reports whether the staged packet is fully assembled.
func (a *AssemblyBuffer) Done() bool {
	return a.currentPktLen > 0 && a.length == a.currentPktLen
}

// Begin starts assembling a new packet of the given total length, growing
// the backing buffer by doubling until it can hold pktLen.
func (a *AssemblyBuffer) Begin(pktLen int) {
	if a.length != 0 || a.currentPktLen != 0 {
		panic("endpoint: Begin called while a packet is already in progress")
	}
	for len(a.buf) < pktLen {
		a.buf = make([]byte, len(a.buf)*2)
	}
	a.currentPktLen = pktLen
}

// Append copies p into the assembly buffer, whose capacity Begin already
// sized for the whole packet, and panics (an invariant violation, per
// spec.md §7) if it would exceed the packet being assembled.
func (a *AssemblyBuffer) Append(p []byte) {
	if a.length+len(p) > a.currentPktLen {
		panic(fmt.Sprintf("endpoint: assembly append overruns packet: %d+%d > %d", a.length, len(p), a.currentPktLen))
	}
	copy(a.buf[a.length:], p)
	a.length += len(p)
}

// Bytes returns the staged bytes assembled so far.
func (a *AssemblyBuffer) Bytes() []byte { return a.buf[:a.length] }

// Reset clears the assembly buffer for reuse, preserving its capacity.
func (a *AssemblyBuffer) Reset() {
	a.length = 0
	a.currentPktLen = 0
}

// CheckInvariant enforces spec.md §3 invariant 5; intended for use in
// tests and defensive assertions.
func (a *AssemblyBuffer) CheckInvariant() {
	if a.length > a.currentPktLen || a.currentPktLen > len(a.buf) {
		panic(fmt.Sprintf("endpoint: assembly buffer invariant violated: len=%d currentPktLen=%d cap=%d", a.length, a.currentPktLen, len(a.buf)))
	}
	if a.currentPktLen == 0 && a.length != 0 {
		panic("endpoint: assembly buffer invariant violated: currentPktLen==0 but len!=0")
	}
}
