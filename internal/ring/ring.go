// Package ring implements the single-producer/single-consumer byte ring
// used by every Endpoint (spec.md §3-§4.1). No allocation happens after
// construction: Region values borrow directly into buf.
package ring

import "fmt"

// Region is a contiguous slice lent out by writable/readable region calls.
// It aliases the ring's backing array; callers must not retain it past the
// next commit call.
type Region []byte

// Buffer is the fixed-capacity circular byte buffer described by spec.md §3:
//
//	{buf, size, start, end, wrapped}
//
// Invariants: 0<=start<size, 0<=end<size. When !wrapped, used bytes are
// [start,end) and start<=end. When wrapped, used bytes are
// [start,size) U [0,end) and end<=start. Empty iff !wrapped && start==end.
// Full iff wrapped && start==end.
type Buffer struct {
	buf     []byte
	start   int
	end     int
	wrapped bool
}

// New allocates a ring of the given capacity. This is the only allocation
// in the lifetime of a Buffer.
func New(size int) *Buffer {
	if size <= 0 {
		panic("ring: size must be positive")
	}
	return &Buffer{buf: make([]byte, size)}
}

// Size returns the ring's fixed capacity.
func (b *Buffer) Size() int { return len(b.buf) }

// Empty reports whether no bytes are buffered.
func (b *Buffer) Empty() bool { return !b.wrapped && b.start == b.end }

// Full reports whether the ring cannot accept another byte.
func (b *Buffer) Full() bool { return b.wrapped && b.start == b.end }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	if b.Empty() {
		return 0
	}
	if !b.wrapped {
		return b.end - b.start
	}
	return len(b.buf) - b.start + b.end
}

// Free returns the number of bytes that can still be written.
func (b *Buffer) Free() int { return len(b.buf) - b.Len() }

// WritableRegions returns up to two contiguous free regions in write order.
// The second is empty unless the free space wraps around the end of buf.
func (b *Buffer) WritableRegions() (r1, r2 Region) {
	if b.Full() {
		return nil, nil
	}
	if b.wrapped {
		// free space is [end, start)
		return Region(b.buf[b.end:b.start]), nil
	}
	// free space is [end, size) and, if start>0, [0, start)
	r1 = Region(b.buf[b.end:])
	if b.start > 0 {
		r2 = Region(b.buf[:b.start])
	}
	return r1, r2
}

// ReadableRegions returns up to two contiguous used regions in read order.
// Symmetric to WritableRegions.
func (b *Buffer) ReadableRegions() (r1, r2 Region) {
	if b.Empty() {
		return nil, nil
	}
	if !b.wrapped {
		return Region(b.buf[b.start:b.end]), nil
	}
	r1 = Region(b.buf[b.start:])
	if b.end > 0 {
		r2 = Region(b.buf[:b.end])
	}
	return r1, r2
}

// CommitWrite advances end by n bytes, flipping wrapped exactly when end
// crosses size. Panics if n exceeds the currently free space — a programmer
// error (spec.md §7: invariant violations abort).
func (b *Buffer) CommitWrite(n int) {
	if n < 0 || n > b.Free() {
		panic(fmt.Sprintf("ring: commit_write(%d) exceeds free space %d", n, b.Free()))
	}
	if n == 0 {
		return
	}
	wasWrapped := b.wrapped
	newEnd := b.end + n
	if newEnd >= len(b.buf) {
		newEnd -= len(b.buf)
		if !wasWrapped {
			b.wrapped = true
		}
	}
	b.end = newEnd
}

// CommitRead advances start by n bytes, flipping wrapped exactly when start
// crosses size. Panics if n exceeds the currently buffered bytes.
func (b *Buffer) CommitRead(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprintf("ring: commit_read(%d) exceeds buffered length %d", n, b.Len()))
	}
	if n == 0 {
		return
	}
	newStart := b.start + n
	if newStart >= len(b.buf) {
		newStart -= len(b.buf)
		b.wrapped = false
	}
	b.start = newStart
}

// Write copies as much of p as fits into the ring and commits it, returning
// the number of bytes copied. It never blocks and never partially commits a
// byte it didn't copy.
func (b *Buffer) Write(p []byte) int {
	r1, r2 := b.WritableRegions()
	n := copy(r1, p)
	p = p[n:]
	if len(p) > 0 {
		m := copy(r2, p)
		n += m
	}
	b.CommitWrite(n)
	return n
}

// Read copies as much of the ring's buffered data into p as fits, committing
// the consumed bytes, and returns the number of bytes copied.
func (b *Buffer) Read(p []byte) int {
	r1, r2 := b.ReadableRegions()
	n := copy(p, r1)
	if n < len(p) {
		m := copy(p[n:], r2)
		n += m
	}
	b.CommitRead(n)
	return n
}

// TryWrite writes the whole of p and commits it, or, if p does not fit in
// the currently free space, leaves the ring untouched and returns false.
// This is the "enqueue whole or drop" primitive spec.md §4.1/§4.4 calls
// for: a packet is never partially enqueued.
func (b *Buffer) TryWrite(p []byte) bool {
	if b.Free() < len(p) {
		return false
	}
	b.Write(p)
	return true
}

// TryWriteFrom copies the next n readable bytes of src into b and, only if
// b has room for all of them, commits the read on src and the write on b.
// If b lacks room, neither ring is touched and TryWriteFrom returns false
// — the same all-or-nothing enqueue spec.md §4.2 requires when moving a
// framed packet from one ring into another without an intermediate copy.
func (b *Buffer) TryWriteFrom(src *Buffer, n int) bool {
	if b.Free() < n {
		return false
	}
	if n == 0 {
		return true
	}
	sr1, sr2 := src.ReadableRegions()
	dr1, dr2 := b.WritableRegions()
	copyOut := func(p []byte) {
		for len(p) > 0 {
			if len(dr1) > 0 {
				c := copy(dr1, p)
				dr1 = dr1[c:]
				p = p[c:]
			} else {
				c := copy(dr2, p)
				dr2 = dr2[c:]
				p = p[c:]
			}
		}
	}
	if n <= len(sr1) {
		copyOut(sr1[:n])
	} else {
		copyOut(sr1)
		copyOut(sr2[:n-len(sr1)])
	}
	b.CommitWrite(n)
	src.CommitRead(n)
	return true
}

// PeekAt copies up to len(p) bytes starting at logical offset off within the
// buffered data, without consuming them. It returns the number of bytes
// copied, which may be less than len(p) if fewer bytes are buffered.
func (b *Buffer) PeekAt(off int, p []byte) int {
	if off >= b.Len() {
		return 0
	}
	r1, r2 := b.ReadableRegions()
	total := 0
	if off < len(r1) {
		n := copy(p, r1[off:])
		total += n
		p = p[n:]
		off = 0
	} else {
		off -= len(r1)
	}
	if len(p) > 0 && off < len(r2) {
		n := copy(p, r2[off:])
		total += n
	}
	return total
}
