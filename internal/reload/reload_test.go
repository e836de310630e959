package reload_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/peertable"
	"github.com/secsecsec/meshd/internal/reload"
)

func writeTempPeerFile(t *testing.T, lines string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "peers-*.txt")
	require.NoError(t, err)
	_, err = f.WriteString(lines)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestParsePeerFile_TrimsBlankLinesAndTrailingNewline(t *testing.T) {
	path := writeTempPeerFile(t, "10.0.0.2\n\n10.0.0.3\n")
	lines, err := reload.ParsePeerFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, lines)
}

func staticLookup(hostToIPs map[string]string) reload.LookupFunc {
	return func(host string) ([]net.IP, error) {
		if ip, ok := hostToIPs[host]; ok {
			return []net.IP{net.ParseIP(ip)}, nil
		}
		return []net.IP{net.ParseIP(host)}, nil
	}
}

func v4(t *testing.T, s string) netaddr.Addr {
	t.Helper()
	a, err := netaddr.FromIP(net.ParseIP(s))
	require.NoError(t, err)
	return a
}

// TestResolveEntries_TieBreak is spec.md §8 testable property 4: dial(A)
// is issued iff A > self under byte-lexicographic order.
func TestResolveEntries_TieBreak(t *testing.T) {
	self := v4(t, "10.0.0.1")
	lines := []string{"10.0.0.2", "10.0.0.0"}
	entries, err := reload.ResolveEntries(lines, staticLookup(nil), reload.MaskV4, self, netaddr.Addr{}, 7000)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byHost := map[string]reload.Entry{}
	for _, e := range entries {
		byHost[e.Humanified] = e
	}
	assert.True(t, byHost["10.0.0.2"].ShouldDial, "10.0.0.2 > 10.0.0.1 must dial")
	assert.False(t, byHost["10.0.0.0"].ShouldDial, "10.0.0.0 < 10.0.0.1 must not dial")
}

func TestResolveEntries_SkipsFamilyNotAllowedByMask(t *testing.T) {
	self := v4(t, "10.0.0.1")
	entries, err := reload.ResolveEntries([]string{"10.0.0.2"}, staticLookup(nil), reload.MaskV6, self, netaddr.Addr{}, 7000)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveEntries_SkipsWhenSelfFamilyUnconfigured(t *testing.T) {
	entries, err := reload.ResolveEntries([]string{"10.0.0.2"}, staticLookup(nil), reload.MaskV4, netaddr.Addr{}, netaddr.Addr{}, 7000)
	require.NoError(t, err)
	assert.Empty(t, entries, "no self_v4 configured means v4 peers can't be tie-broken")
}

func TestResolveEntries_LookupFailureAbortsWholeCall(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		return nil, assert.AnError
	}
	self := v4(t, "10.0.0.1")
	_, err := reload.ResolveEntries([]string{"bad.host"}, lookup, reload.MaskV4, self, netaddr.Addr{}, 7000)
	assert.Error(t, err)
}

func TestDiff_IdempotentOnSecondApplication(t *testing.T) {
	table := peertable.New()
	self := v4(t, "10.0.0.1")
	entries, err := reload.ResolveEntries([]string{"10.0.0.2"}, staticLookup(nil), reload.MaskV4, self, netaddr.Addr{}, 7000)
	require.NoError(t, err)

	toDisconnect, toConnect := reload.Diff(table, entries)
	assert.Empty(t, toDisconnect)
	require.Len(t, toConnect, 1)
	table.AddPassive(&peertable.PassivePeer{Addr: toConnect[0].Addr, Humanified: toConnect[0].Humanified})

	// Second application of the identical roster must produce no deltas
	// (spec.md §8 testable property 6).
	toDisconnect2, toConnect2 := reload.Diff(table, entries)
	assert.Empty(t, toDisconnect2)
	assert.Empty(t, toConnect2)
}

func TestDiff_ChurnScenario(t *testing.T) {
	// spec.md §8 end-to-end scenario 4: roster {P1,P2} -> reload {P2,P3}.
	table := peertable.New()
	p1 := v4(t, "10.0.0.1")
	p2 := v4(t, "10.0.0.2")
	p3 := v4(t, "10.0.0.3")
	table.AddPassive(&peertable.PassivePeer{Addr: p1})
	table.AddPassive(&peertable.PassivePeer{Addr: p2})

	updated := []reload.Entry{{Addr: p2}, {Addr: p3}}
	toDisconnect, toConnect := reload.Diff(table, updated)
	assert.Equal(t, []netaddr.Addr{p1}, toDisconnect)
	require.Len(t, toConnect, 1)
	assert.Equal(t, p3, toConnect[0].Addr)
}

type fakeAdder struct {
	added []netaddr.Addr
	fail  bool
}

func (f *fakeAdder) AddPeerConn(fd int, peer netaddr.Addr, family netaddr.Family, outbound bool) error {
	if f.fail {
		return assert.AnError
	}
	f.added = append(f.added, peer)
	return nil
}

type fakeDestroyer struct {
	destroyed []netaddr.Addr
}

func (f *fakeDestroyer) DestroyPeer(addr netaddr.Addr) error {
	f.destroyed = append(f.destroyed, addr)
	return nil
}

func TestReloader_ApplyConnectsAndDisconnects(t *testing.T) {
	table := peertable.New()
	p1 := v4(t, "10.0.0.1") // self
	stale := v4(t, "10.0.0.9")
	table.AddPassive(&peertable.PassivePeer{Addr: stale, Humanified: "10.0.0.9"})

	path := writeTempPeerFile(t, "10.0.0.2\n")
	adder := &fakeAdder{}
	destroyer := &fakeDestroyer{}

	rl := &reload.Reloader{
		PeerFilePath: path,
		Lookup:       staticLookup(nil),
		Dial: func(raddr *net.TCPAddr) (int, error) {
			return 99, nil
		},
		Mask:      reload.MaskV4,
		SelfV4:    p1,
		Port:      7000,
		Table:     table,
		Adder:     adder,
		Destroyer: destroyer,
	}

	require.NoError(t, rl.Apply(time.Unix(0, 0)))
	assert.Equal(t, []netaddr.Addr{stale}, destroyer.destroyed)
	require.Len(t, adder.added, 1)
	assert.Equal(t, v4(t, "10.0.0.2"), adder.added[0])
	_, stillPresent := table.GetPassive(stale)
	assert.False(t, stillPresent)
}

func TestReloader_FailedDialPushesDisconnectedAndBacksOff(t *testing.T) {
	table := peertable.New()
	self := v4(t, "10.0.0.1")
	path := writeTempPeerFile(t, "10.0.0.2\n")

	rl := &reload.Reloader{
		PeerFilePath: path,
		Lookup:       staticLookup(nil),
		Dial: func(raddr *net.TCPAddr) (int, error) {
			return -1, assert.AnError
		},
		Mask:      reload.MaskV4,
		SelfV4:    self,
		Port:      7000,
		Table:     table,
		Adder:     &fakeAdder{},
		Destroyer: &fakeDestroyer{},
		Retry:     reload.NewRetrier(time.Minute),
	}

	require.NoError(t, rl.Apply(time.Unix(0, 0)))
	disc := table.Disconnected()
	require.Len(t, disc, 1)
	assert.Equal(t, v4(t, "10.0.0.2"), disc[0].Addr)
	assert.False(t, rl.Retry.Due(disc[0].Addr, time.Unix(0, 0)), "backoff must delay the immediate retry")
}

func TestRetrier_DueByDefaultThenBacksOff(t *testing.T) {
	r := reload.NewRetrier(time.Minute)
	addr := v4(t, "10.0.0.2")
	now := time.Unix(1000, 0)
	assert.True(t, r.Due(addr, now), "never-failed peer is due immediately")

	r.RecordFailure(addr, now)
	assert.False(t, r.Due(addr, now))
	assert.True(t, r.Due(addr, now.Add(time.Hour)))

	r.Clear(addr)
	assert.True(t, r.Due(addr, now))
}
