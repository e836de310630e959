//go:build linux

// Package meshnode is the top-level orchestrator of spec.md §3/§4.7: it
// owns the endpoint list, peer table, readiness notifier, and TUN
// endpoint, and implements add_endpoint/destroy_endpoint all-or-nothing
// plus the event loop that fans wakes out to the dispatch functions.
package meshnode

import (
	"fmt"
	"log/slog"

	"github.com/secsecsec/meshd/internal/counters"
	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/loop"
	"github.com/secsecsec/meshd/internal/metrics"
	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/peertable"
	"github.com/secsecsec/meshd/internal/reload"
	"github.com/secsecsec/meshd/internal/routesync"
)

// IoContext owns every piece of mutable state the engine touches, per
// spec.md §3. It is only ever mutated from the single event-loop thread
// (spec.md §5): no locks guard any of its fields.
type IoContext struct {
	poller  *loop.Poller
	control *loop.Control

	endpoints map[int]*endpoint.Endpoint
	table     *peertable.Table
	tun       *endpoint.Endpoint

	selfV4 netaddr.Addr
	selfV6 netaddr.Addr
	mask   reload.FamilyMask

	routeSink routesync.Sink

	Counters counters.Counters

	listenerFds []int
}

// invariant panics with a formatted message when cond is false — a hard
// assertion failure per spec.md §7 ("invariant violations are programmer
// errors; production behavior is to abort").
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("meshnode: invariant violated: "+format, args...))
	}
}

// newIoContext builds an IoContext around an already-open TUN fd. At
// least one of selfV4/selfV6 must be the non-zero value.
func newIoContext(tunFd int, selfV4, selfV6 netaddr.Addr, sink routesync.Sink) (*IoContext, error) {
	invariant(!selfV4.IsZero() || !selfV6.IsZero(), "at least one of self_v4/self_v6 must be configured")

	p, err := loop.New()
	if err != nil {
		return nil, err
	}
	ctl, err := loop.NewControl()
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Add(ctl.Fd()); err != nil {
		ctl.Close()
		p.Close()
		return nil, err
	}

	var mask reload.FamilyMask
	if !selfV4.IsZero() {
		mask |= reload.MaskV4
	}
	if !selfV6.IsZero() {
		mask |= reload.MaskV6
	}

	c := &IoContext{
		poller:    p,
		control:   ctl,
		endpoints: make(map[int]*endpoint.Endpoint),
		table:     peertable.New(),
		selfV4:    selfV4,
		selfV6:    selfV6,
		mask:      mask,
		routeSink: sink,
	}

	tunEp := endpoint.NewTun(tunFd)
	if err := c.addEndpoint(tunEp); err != nil {
		ctl.Close()
		p.Close()
		return nil, fmt.Errorf("meshnode: add tun endpoint: %w", err)
	}
	c.tun = tunEp
	return c, nil
}

// addEndpoint performs non-blocking mode, notifier registration, and (for
// PeerConn) ipset add and live-table insertion, all-or-nothing (spec.md
// §3): any failure closes the partial endpoint and returns the error
// without mutating any other state.
func (c *IoContext) addEndpoint(ep *endpoint.Endpoint) error {
	if err := endpoint.SetNonblocking(ep.Fd); err != nil {
		ep.Close()
		return fmt.Errorf("meshnode: set nonblocking: %w", err)
	}
	if err := c.poller.Add(ep.Fd); err != nil {
		ep.Close()
		return fmt.Errorf("meshnode: notifier register: %w", err)
	}
	if ep.Role == endpoint.RolePeerConn {
		if err := c.routeSink.Add(ep.Peer); err != nil {
			_ = c.poller.Remove(ep.Fd)
			ep.Close()
			return fmt.Errorf("meshnode: route add: %w", err)
		}
		c.table.AddLive(ep)
		metrics.SetLivePeers(len(c.table.AllLive()))
	}
	c.endpoints[ep.Fd] = ep
	return nil
}

// destroyEndpoint is idempotent (guarded by ep.Fd>=0 inside ep.Close) and
// reverses addEndpoint: ipset remove, live-table unlink, notifier
// deregistration, fd close, and removal from the endpoint list.
func (c *IoContext) destroyEndpoint(ep *endpoint.Endpoint) error {
	if ep.Fd < 0 {
		return nil
	}
	fd := ep.Fd
	if ep.Role == endpoint.RolePeerConn {
		_ = c.routeSink.Remove(ep.Peer)
		c.table.RemoveLive(ep.Peer)
		metrics.SetLivePeers(len(c.table.AllLive()))
	}
	_ = c.poller.Remove(fd)
	delete(c.endpoints, fd)
	return ep.Close()
}

// AddPeerConn implements reload.EndpointAdder: wrap fd as a PeerConn
// endpoint for peer and run it through addEndpoint.
func (c *IoContext) AddPeerConn(fd int, peer netaddr.Addr, family netaddr.Family, outbound bool) error {
	ep := endpoint.NewPeerConn(fd, peer, family, outbound)
	if err := c.addEndpoint(ep); err != nil {
		return err
	}
	slog.Info("meshnode: peer connected", "peer", peer, "outbound", outbound)
	return nil
}

// DestroyPeer implements reload.EndpointDestroyer: tear down the live
// PeerConn for addr, if any. A miss is not an error — the peer may
// already be disconnected.
func (c *IoContext) DestroyPeer(addr netaddr.Addr) error {
	ep, ok := c.table.GetLive(addr)
	if !ok {
		return nil
	}
	return c.destroyEndpoint(ep)
}

// Close tears down every endpoint and the notifier. Called once, at
// shutdown.
func (c *IoContext) Close() {
	for _, ep := range c.endpoints {
		_ = c.destroyEndpoint(ep)
	}
	c.control.Close()
	c.poller.Close()
}
