// Package routesync keeps the kernel ipset in sync with the live peer set
// (spec.md §4.5, §9). The core depends only on the narrow Sink interface;
// ipset invocation via a shell subprocess is the concrete, portable-wart
// implementation spec.md §9 explicitly calls out as ripe for a
// netlink-based replacement later.
package routesync

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/secsecsec/meshd/internal/netaddr"
)

// Sink is the abstract RouteSink spec.md §9 calls for: add/remove a single
// peer address from whatever kernel packet-filter set is keeping routing
// into TUN scoped to reachable peers.
type Sink interface {
	Add(addr netaddr.Addr) error
	Remove(addr netaddr.Addr) error
}

// IpsetSink implements Sink by shelling out to `ipset add|del <name>
// <addr>`. Neither operation is retried: a failed del (e.g. deleting an
// address ipset never saw) is surfaced as a warning only, while a failed
// add is returned as an error (spec.md §4.5).
type IpsetSink struct {
	Name    string
	Timeout time.Duration
}

// NewIpsetSink returns an IpsetSink targeting the named kernel ipset.
func NewIpsetSink(name string) *IpsetSink {
	return &IpsetSink{Name: name, Timeout: 2 * time.Second}
}

// Add runs `ipset add <name> <addr>`. Failure here is fatal to the calling
// endpoint's creation (spec.md §3, §4.5).
func (s *IpsetSink) Add(addr netaddr.Addr) error {
	if err := s.run("add", addr); err != nil {
		return fmt.Errorf("routesync: ipset add %s %s: %w", s.Name, addr, err)
	}
	return nil
}

// Remove runs `ipset del <name> <addr>`. Failure here is a warning, not an
// error returned to the caller (spec.md §4.5, §7).
func (s *IpsetSink) Remove(addr netaddr.Addr) error {
	if err := s.run("del", addr); err != nil {
		slog.Warn("routesync: ipset del failed", "set", s.Name, "addr", addr.String(), "error", err)
	}
	return nil
}

func (s *IpsetSink) run(verb string, addr netaddr.Addr) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ipset", verb, s.Name, addr.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}

// NullSink discards all operations; useful for tests and for running the
// core without kernel ipset support (e.g. inside containers without
// CAP_NET_ADMIN).
type NullSink struct{}

func (NullSink) Add(netaddr.Addr) error    { return nil }
func (NullSink) Remove(netaddr.Addr) error { return nil }
