//go:build linux

package meshnode

import (
	"sync/atomic"

	"github.com/secsecsec/meshd/internal/counters"
	"github.com/secsecsec/meshd/internal/netaddr"
)

// PeerStatus describes one peer row of a status snapshot.
type PeerStatus struct {
	Addr         string `json:"addr"`
	Family       string `json:"family"`
	Outbound     bool   `json:"outbound"`
	Live         bool   `json:"live"`
	Disconnected bool   `json:"disconnected"`
}

// Status is the JSON body meshd status (cmd/meshd) renders with
// tablewriter, per SPEC_FULL.md §6's control-socket surface.
type Status struct {
	Peers    []PeerStatus      `json:"peers"`
	Counters counters.Counters `json:"counters"`
}

var activeContext atomic.Pointer[IoContext]

// CurrentStatus reports a snapshot of the running daemon's peer table and
// counters. It returns ok=false if no daemon is currently running in this
// process (activeContext unset) — the control server treats that as "not
// ready" rather than panicking.
func CurrentStatus() (Status, bool) {
	c := activeContext.Load()
	if c == nil {
		return Status{}, false
	}

	var st Status
	st.Counters = c.Counters
	for _, ep := range c.table.AllLive() {
		st.Peers = append(st.Peers, PeerStatus{
			Addr:     ep.Peer.String(),
			Family:   familyString(ep.Family),
			Outbound: ep.Outbound,
			Live:     true,
		})
	}
	for _, p := range c.table.Disconnected() {
		st.Peers = append(st.Peers, PeerStatus{
			Addr:         p.Addr.String(),
			Family:       familyString(p.Family),
			Disconnected: true,
		})
	}
	return st, true
}

func familyString(f netaddr.Family) string {
	switch f {
	case netaddr.FamilyV4:
		return "v4"
	case netaddr.FamilyV6:
		return "v6"
	default:
		return "unknown"
	}
}
