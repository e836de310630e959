// Package peertable implements the bidirectional address-keyed tables of
// spec.md §3-§4.5: the passive dial roster, the live-socket index, and the
// disconnected-peer retry queue. NetAddr is a fixed-size comparable array
// (internal/netaddr), so Go's builtin map is the hash table spec.md treats
// as an external collaborator — see DESIGN.md.
package peertable

import (
	"fmt"
	"net"

	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/netaddr"
)

// PassivePeer is a dial target read from the peer file (spec.md §3):
// {addr_info, NetAddr, humanified_address}.
type PassivePeer struct {
	Addr         netaddr.Addr
	Family       netaddr.Family
	DialAddr     *net.TCPAddr // addr_info: resolved dial target
	Humanified   string       // original hostname/line from the peer file
	disconnected bool         // currently threaded onto the disconnected list
}

// Table holds passive_peers, live_sockets, and the disconnected list
// described in spec.md §3-§4.5.
type Table struct {
	passive      map[netaddr.Addr]*PassivePeer
	live         map[netaddr.Addr]*endpoint.Endpoint
	disconnected []*PassivePeer
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		passive: make(map[netaddr.Addr]*PassivePeer),
		live:    make(map[netaddr.Addr]*endpoint.Endpoint),
	}
}

// --- passive_peers ---

// AddPassive inserts or overwrites a passive peer entry.
func (t *Table) AddPassive(p *PassivePeer) {
	t.passive[p.Addr] = p
}

// GetPassive looks up a passive peer by address.
func (t *Table) GetPassive(addr netaddr.Addr) (*PassivePeer, bool) {
	p, ok := t.passive[addr]
	return p, ok
}

// RemovePassive deletes a passive peer entry and removes it from the
// disconnected list if present there.
func (t *Table) RemovePassive(addr netaddr.Addr) {
	delete(t.passive, addr)
	t.removeFromDisconnected(addr)
}

// AllPassive returns every passive peer, in unspecified order.
func (t *Table) AllPassive() []*PassivePeer {
	out := make([]*PassivePeer, 0, len(t.passive))
	for _, p := range t.passive {
		out = append(out, p)
	}
	return out
}

// --- live_sockets ---

// AddLive registers a live PeerConn endpoint, keyed by its peer address.
// Invariant 1 (spec.md §3): every PeerConn with a live fd appears here.
func (t *Table) AddLive(ep *endpoint.Endpoint) {
	if ep.Role != endpoint.RolePeerConn {
		panic("peertable: AddLive called with a non-PeerConn endpoint")
	}
	t.live[ep.Peer] = ep
	t.removeFromDisconnected(ep.Peer)
}

// RemoveLive unlinks the live socket for addr, if any.
func (t *Table) RemoveLive(addr netaddr.Addr) {
	delete(t.live, addr)
}

// GetLive looks up the live PeerConn endpoint for addr.
func (t *Table) GetLive(addr netaddr.Addr) (*endpoint.Endpoint, bool) {
	ep, ok := t.live[addr]
	return ep, ok
}

// AllLive returns every live PeerConn endpoint, in unspecified order.
func (t *Table) AllLive() []*endpoint.Endpoint {
	out := make([]*endpoint.Endpoint, 0, len(t.live))
	for _, ep := range t.live {
		out = append(out, ep)
	}
	return out
}

// --- disconnected list ---

// PushDisconnected threads a passive peer onto the disconnected-for-retry
// list (spec.md §3, §4.6: a failed outbound dial). It is a no-op if p is
// already disconnected, and panics (an invariant violation) if p's address
// is live.
func (t *Table) PushDisconnected(p *PassivePeer) {
	if _, live := t.live[p.Addr]; live {
		panic(fmt.Sprintf("peertable: invariant violated: %s is both live and pushed disconnected", p.Addr))
	}
	if p.disconnected {
		return
	}
	p.disconnected = true
	t.disconnected = append(t.disconnected, p)
}

func (t *Table) removeFromDisconnected(addr netaddr.Addr) {
	for i, p := range t.disconnected {
		if p.Addr == addr {
			p.disconnected = false
			t.disconnected = append(t.disconnected[:i], t.disconnected[i+1:]...)
			return
		}
	}
}

// Disconnected returns the current disconnected-for-retry list, in
// insertion order.
func (t *Table) Disconnected() []*PassivePeer {
	out := make([]*PassivePeer, len(t.disconnected))
	copy(out, t.disconnected)
	return out
}

// CheckInvariants validates spec.md §3 invariants 1-3 across the whole
// table; intended for tests and defensive assertions, not the hot path.
func (t *Table) CheckInvariants() error {
	for addr, ep := range t.live {
		if ep.Peer != addr {
			return fmt.Errorf("peertable: live socket keyed %s but endpoint peer is %s", addr, ep.Peer)
		}
		if ep.Outbound {
			if _, ok := t.passive[addr]; !ok {
				return fmt.Errorf("peertable: outbound live peer %s missing from passive_peers", addr)
			}
		}
	}
	disc := make(map[netaddr.Addr]bool, len(t.disconnected))
	for _, p := range t.disconnected {
		if disc[p.Addr] {
			return fmt.Errorf("peertable: %s appears twice in disconnected list", p.Addr)
		}
		disc[p.Addr] = true
		if _, live := t.live[p.Addr]; live {
			return fmt.Errorf("peertable: %s is both live and disconnected", p.Addr)
		}
	}
	return nil
}
