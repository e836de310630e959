// Package dispatch implements the two packet-forwarding paths of spec.md
// §4.2-§4.4: peer bytes arriving on a PeerConn's rx ring framed and pushed
// toward TUN, and whole packets read off TUN looked up by destination and
// pushed onto a peer's tx ring. Both paths drop a packet whole rather than
// ever emitting a partial one (spec.md §4.1 atomicity rule, §8 property 2).
package dispatch

import (
	"log/slog"

	"github.com/secsecsec/meshd/internal/counters"
	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/framer"
	"github.com/secsecsec/meshd/internal/ioresult"
	"github.com/secsecsec/meshd/internal/metrics"
	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/peertable"
	"github.com/secsecsec/meshd/internal/ring"
)

// PeerRxConsumer returns the drain callback ring.Fill invites after each
// successful read into peerEp.Rx (spec.md §4.7: "fill rx with TUN dispatch
// as the consumer callback"). It peels off whole L3 packets and forwards
// each to tunEp, by a single writev when the TUN tx ring is empty or by
// enqueuing into it otherwise, dropping whole packets that fit neither.
// worldRx tallies every packet received off the peer (spec.md §3/§6's
// world-rx counter); tunTx tallies the outcome of forwarding it to TUN.
func PeerRxConsumer(peerEp, tunEp *endpoint.Endpoint, worldRx, tunTx *counters.Set) func() ioresult.Code {
	return func() ioresult.Code {
		return drainPeerRxToTun(peerEp, tunEp, worldRx, tunTx)
	}
}

func drainPeerRxToTun(peerEp, tunEp *endpoint.Endpoint, worldRx, tunTx *counters.Set) ioresult.Code {
	for {
		totalLen, status := framer.Peek(peerEp.Rx)
		switch status {
		case framer.NeedMore:
			return ioresult.OK
		case framer.FatalVersion:
			slog.Warn("dispatch: peer rx stream has invalid L3 version", "peer", peerEp.Peer)
			return ioresult.Kill
		}

		worldRx.Add(1, totalLen)
		metrics.Observe(metrics.DirWorldRx, 1, totalLen)

		if tunEp.TunTx.Empty() {
			code := writeRingPacket(tunEp.Fd, peerEp.Rx, totalLen)
			switch code {
			case ioresult.OK:
				peerEp.Rx.CommitRead(totalLen)
				tunTx.Add(1, totalLen)
				metrics.Observe(metrics.DirTunTx, 1, totalLen)
				continue
			case ioresult.OKExhausted:
				// Kernel would block on the fast path; fall through and
				// try the TUN tx ring instead of losing the packet.
			default:
				return code
			}
		}

		if tunEp.TunTx.TryWriteFrom(peerEp.Rx, totalLen) {
			continue
		}

		// Neither the fast write nor the ring could take the whole
		// packet: drop it per spec.md §4.2 step 3.
		peerEp.Rx.CommitRead(totalLen)
		tunTx.Drop(1, totalLen)
		metrics.ObserveDrop(metrics.DirTunTx, 1, totalLen)
	}
}

// TunWriteDrain drains tunEp's tx ring to the TUN device (spec.md §4.3).
// A packet split across the ring's wrap is staged in tunEp.WriteAsm so a
// single write()/writev() always carries the whole packet; on OKExhausted
// the assembled bytes are retained so the next call retries the same
// write rather than re-framing or double-appending.
func TunWriteDrain(tunEp *endpoint.Endpoint) ioresult.Code {
	for {
		if tunEp.WriteAsm.CurrentPktLen() > 0 {
			code := endpoint.WriteWhole(tunEp.Fd, tunEp.WriteAsm.Bytes())
			if code != ioresult.OK {
				return code
			}
			tunEp.TunTx.CommitRead(tunEp.WriteAsm.CurrentPktLen())
			tunEp.WriteAsm.Reset()
			continue
		}

		if tunEp.TunTx.Empty() {
			return ioresult.OK
		}

		totalLen, status := framer.Peek(tunEp.TunTx)
		switch status {
		case framer.NeedMore:
			// The ring only ever holds whole framed packets; a partial
			// header here means a caller bug, not backpressure. Yield
			// rather than spin.
			return ioresult.OK
		case framer.FatalVersion:
			return ioresult.UnknownErr
		}

		r1, r2 := tunEp.TunTx.ReadableRegions()
		if totalLen <= len(r1) {
			code := endpoint.WriteWhole(tunEp.Fd, r1[:totalLen])
			if code != ioresult.OK {
				return code
			}
			tunEp.TunTx.CommitRead(totalLen)
			continue
		}

		tunEp.WriteAsm.Begin(totalLen)
		tunEp.WriteAsm.Append(r1)
		tunEp.WriteAsm.Append(r2[:totalLen-len(r1)])
		// loop back: the top-of-loop branch now issues the write.
	}
}

// TunReadDispatch reads whole packets off TUN until EAGAIN (spec.md §4.4),
// looks up each packet's destination in table's live sockets, and enqueues
// a hit onto that peer's tx ring, opportunistically flushing it. tunRx
// tallies every packet read off TUN (spec.md §3/§6's tun-rx counter); a
// miss or an enqueue failure increments worldTx's drop counters instead.
// The read loop itself never drops a packet for lack of destination-ring
// atomicity since endpoint.Tx.TryWrite is all-or-nothing.
func TunReadDispatch(tunEp *endpoint.Endpoint, table *peertable.Table, tunRx, worldTx *counters.Set) ioresult.Code {
	for {
		n, code := endpoint.ReadWhole(tunEp.Fd, tunEp.ReadBuf)
		if code != ioresult.OK {
			return code
		}
		tunRx.Add(1, n)
		metrics.Observe(metrics.DirTunRx, 1, n)
		dispatchOne(tunEp.ReadBuf[:n], table, worldTx)
	}
}

func dispatchOne(pkt []byte, table *peertable.Table, worldTx *counters.Set) {
	version := framer.Version(pkt[0])

	var dstBytes []byte
	switch version {
	case 4:
		if len(pkt) < 20 {
			worldTx.Drop(1, len(pkt))
			metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
			return
		}
		dstBytes = pkt[16:20]
	case 6:
		if len(pkt) < 40 {
			worldTx.Drop(1, len(pkt))
			metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
			return
		}
		dstBytes = pkt[24:40]
	default:
		worldTx.Drop(1, len(pkt))
		metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
		return
	}

	dst, err := netaddr.FromIP(dstBytes)
	if err != nil {
		worldTx.Drop(1, len(pkt))
		metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
		return
	}

	peerEp, ok := table.GetLive(dst)
	if !ok {
		worldTx.Drop(1, len(pkt))
		metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
		return
	}

	if !peerEp.Tx.TryWrite(pkt) {
		worldTx.Drop(1, len(pkt))
		metrics.ObserveDrop(metrics.DirWorldTx, 1, len(pkt))
		return
	}
	worldTx.Add(1, len(pkt))
	metrics.Observe(metrics.DirWorldTx, 1, len(pkt))

	// Opportunistic flush; a failure here is handled the next time the
	// peer fd reports writable, not inline with the dispatch path.
	_ = ring.Drain(peerEp.Tx, endpoint.SendSink(peerEp.Fd))
}

func writeRingPacket(fd int, rb *ring.Buffer, totalLen int) ioresult.Code {
	r1, r2 := rb.ReadableRegions()
	if totalLen <= len(r1) {
		return endpoint.WriteWhole(fd, r1[:totalLen])
	}
	return endpoint.WritevWhole(fd, r1, r2[:totalLen-len(r1)])
}
