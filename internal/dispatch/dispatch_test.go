package dispatch_test

import (
	"encoding/binary"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secsecsec/meshd/internal/counters"
	"github.com/secsecsec/meshd/internal/dispatch"
	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/peertable"
	"github.com/secsecsec/meshd/internal/ring"
)

func buildIPv4Packet(totalLen int, dst [4]byte) []byte {
	pkt := make([]byte, totalLen)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	copy(pkt[16:20], dst[:])
	return pkt
}

func mustPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}

func TestTunWriteDrain_ContiguousPacket(t *testing.T) {
	r, w := mustPipe(t)
	tunEp := endpoint.NewTun(int(w.Fd()))

	pkt := buildIPv4Packet(64, [4]byte{10, 0, 0, 2})
	require.True(t, tunEp.TunTx.TryWrite(pkt))

	code := dispatch.TunWriteDrain(tunEp)
	assert.Equal(t, "OK", code.String())
	assert.True(t, tunEp.TunTx.Empty())

	out := make([]byte, 64)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, pkt, out[:n])
}

func TestTunWriteDrain_WrapsAcrossBoundary(t *testing.T) {
	r, w := mustPipe(t)
	tunEp := endpoint.NewTun(int(w.Fd()))
	tunEp.TunTx = ring.New(2048)

	// Push 1700 bytes of filler, drain them, so the next write starts at
	// offset 1700 and a 1500-byte packet wraps the 2048-byte ring —
	// spec.md §8 end-to-end scenario 2.
	filler := make([]byte, 1700)
	tunEp.TunTx.Write(filler)
	tunEp.TunTx.Read(make([]byte, 1700))

	pkt := buildIPv4Packet(1500, [4]byte{10, 0, 0, 2})
	require.True(t, tunEp.TunTx.TryWrite(pkt))

	code := dispatch.TunWriteDrain(tunEp)
	assert.Equal(t, "OK", code.String())

	out := make([]byte, 1500)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.Equal(t, pkt, out[:n])
}

func TestTunWriteDrain_ExhaustedRetainsAssemblyState(t *testing.T) {
	// A non-blocking pipe with no reader, filled until write(2) reports
	// EAGAIN, stands in for a TUN fd that cannot take another packet. The
	// staged assembly must survive the OKExhausted return untouched so a
	// second call resumes the same write instead of re-parsing.
	_, w := mustPipe(t)
	fd := int(w.Fd())
	require.NoError(t, endpoint.SetNonblocking(fd))
	chunk := make([]byte, 4096)
	for endpoint.WriteWhole(fd, chunk).String() == "OK" {
	}

	tunEp := endpoint.NewTun(fd)
	tunEp.TunTx = ring.New(32)
	tunEp.WriteAsm.Begin(10)
	tunEp.WriteAsm.Append(make([]byte, 10))

	code := dispatch.TunWriteDrain(tunEp)
	assert.Equal(t, "OK_EXHAUSTED", code.String())
	assert.Equal(t, 10, tunEp.WriteAsm.CurrentPktLen())
	assert.Equal(t, 10, tunEp.WriteAsm.Len())
}

func TestDrainPeerRxToTun_FastPathWhenTunEmpty(t *testing.T) {
	tunR, tunW := mustPipe(t)
	peerR, peerW := mustPipe(t)

	tunEp := endpoint.NewTun(int(tunW.Fd()))
	peerEp := endpoint.NewPeerConn(int(peerR.Fd()), netaddr.Addr{}, netaddr.FamilyV4, false)

	pkt := buildIPv4Packet(40, [4]byte{10, 0, 0, 2})
	require.True(t, peerEp.Rx.TryWrite(pkt))

	var worldRx, tunTx counters.Set
	code := dispatch.PeerRxConsumer(peerEp, tunEp, &worldRx, &tunTx)()
	assert.Equal(t, "OK", code.String())
	assert.True(t, peerEp.Rx.Empty(), "fast path must consume the rx bytes")
	assert.EqualValues(t, 1, worldRx.Packets)
	assert.EqualValues(t, 1, tunTx.Packets)

	out := make([]byte, 40)
	n, err := tunR.Read(out)
	require.NoError(t, err)
	assert.Equal(t, pkt, out[:n])

	_ = peerW
}

func TestDrainPeerRxToTun_EnqueuesWhenTunBusy(t *testing.T) {
	_, tunW := mustPipe(t)
	peerR, _ := mustPipe(t)

	tunEp := endpoint.NewTun(int(tunW.Fd()))
	// Make the TUN tx ring non-empty so the fast path is skipped.
	tunEp.TunTx.Write(make([]byte, 4))

	peerEp := endpoint.NewPeerConn(int(peerR.Fd()), netaddr.Addr{}, netaddr.FamilyV4, false)
	pkt := buildIPv4Packet(40, [4]byte{10, 0, 0, 2})
	require.True(t, peerEp.Rx.TryWrite(pkt))

	var worldRx, tunTx counters.Set
	code := dispatch.PeerRxConsumer(peerEp, tunEp, &worldRx, &tunTx)()
	assert.Equal(t, "OK", code.String())
	assert.True(t, peerEp.Rx.Empty())
	assert.Equal(t, 4+40, tunEp.TunTx.Len())
	assert.EqualValues(t, 1, worldRx.Packets)
}

func TestDrainPeerRxToTun_DropsWhenNoRoomAnywhere(t *testing.T) {
	_, tunW := mustPipe(t)
	peerR, _ := mustPipe(t)

	tunEp := endpoint.NewTun(int(tunW.Fd()))
	tunEp.TunTx = ring.New(8)
	tunEp.TunTx.Write(make([]byte, 8)) // full, and non-empty so fast path skipped

	peerEp := endpoint.NewPeerConn(int(peerR.Fd()), netaddr.Addr{}, netaddr.FamilyV4, false)
	pkt := buildIPv4Packet(40, [4]byte{10, 0, 0, 2})
	require.True(t, peerEp.Rx.TryWrite(pkt))

	var worldRx, tunTx counters.Set
	code := dispatch.PeerRxConsumer(peerEp, tunEp, &worldRx, &tunTx)()
	assert.Equal(t, "OK", code.String())
	assert.True(t, peerEp.Rx.Empty(), "dropped packet is still consumed from rx")
	assert.EqualValues(t, 1, worldRx.Packets)
	assert.EqualValues(t, 1, tunTx.DropPackets)
	assert.EqualValues(t, 40, tunTx.DropBytes)
}

func TestTunReadDispatch_HitFlushesOntoPeerTx(t *testing.T) {
	tunR, tunW := mustPipe(t)
	peerR, peerW := mustPipe(t)

	tunEp := endpoint.NewTun(int(tunR.Fd()))
	require.NoError(t, endpoint.SetNonblocking(int(tunR.Fd())))

	dstIP := net.IPv4(10, 0, 0, 2)
	dst, err := netaddr.FromIP(dstIP)
	require.NoError(t, err)

	peerEp := endpoint.NewPeerConn(int(peerW.Fd()), dst, netaddr.FamilyV4, true)
	table := peertable.New()
	table.AddLive(peerEp)

	pkt := buildIPv4Packet(48, [4]byte{10, 0, 0, 2})
	_, err = tunW.Write(pkt)
	require.NoError(t, err)

	var tunRx, worldTx counters.Set
	code := dispatch.TunReadDispatch(tunEp, table, &tunRx, &worldTx)
	assert.Equal(t, "OK_EXHAUSTED", code.String())
	assert.EqualValues(t, 1, tunRx.Packets)
	assert.EqualValues(t, 1, worldTx.Packets)

	out := make([]byte, 48)
	n, err := peerR.Read(out)
	require.NoError(t, err)
	assert.Equal(t, pkt, out[:n])
}

func TestTunReadDispatch_MissIncrementsDrop(t *testing.T) {
	tunR, tunW := mustPipe(t)
	tunEp := endpoint.NewTun(int(tunR.Fd()))
	require.NoError(t, endpoint.SetNonblocking(int(tunR.Fd())))

	table := peertable.New()
	pkt := buildIPv4Packet(40, [4]byte{10, 0, 0, 9})
	_, err := tunW.Write(pkt)
	require.NoError(t, err)

	var tunRx, worldTx counters.Set
	code := dispatch.TunReadDispatch(tunEp, table, &tunRx, &worldTx)
	assert.Equal(t, "OK_EXHAUSTED", code.String())
	assert.EqualValues(t, 1, tunRx.Packets)
	assert.EqualValues(t, 1, worldTx.DropPackets)
}

func TestTunReadDispatch_BackpressureDrop(t *testing.T) {
	// spec.md §8 end-to-end scenario 3: fill a peer tx ring to within 200
	// bytes of capacity, then dispatch a 1500-byte packet. Expected:
	// dropped, drop_packets++, ring unchanged.
	tunR, tunW := mustPipe(t)
	_, peerW := mustPipe(t)

	tunEp := endpoint.NewTun(int(tunR.Fd()))
	require.NoError(t, endpoint.SetNonblocking(int(tunR.Fd())))

	dst, err := netaddr.FromIP(net.IPv4(10, 0, 0, 2))
	require.NoError(t, err)
	peerEp := endpoint.NewPeerConn(int(peerW.Fd()), dst, netaddr.FamilyV4, true)
	peerEp.Tx.Write(make([]byte, endpoint.PeerRingSize-200))

	table := peertable.New()
	table.AddLive(peerEp)

	lenBefore := peerEp.Tx.Len()
	pkt := buildIPv4Packet(1500, [4]byte{10, 0, 0, 2})
	_, err = tunW.Write(pkt)
	require.NoError(t, err)

	var tunRx, worldTx counters.Set
	code := dispatch.TunReadDispatch(tunEp, table, &tunRx, &worldTx)
	assert.Equal(t, "OK_EXHAUSTED", code.String())
	assert.EqualValues(t, 1, tunRx.Packets)
	assert.EqualValues(t, 1, worldTx.DropPackets)
	assert.Equal(t, lenBefore, peerEp.Tx.Len(), "ring must be unchanged on drop")
}
