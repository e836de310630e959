// Package reload implements the peer-file reloader of spec.md §4.6: parse
// the peer file, resolve each line address-family-agnostically, apply the
// byte-lexicographic self-dedup tie-break, diff against the current
// roster, and issue connect/disconnect deltas. The diff is transactional
// only with respect to resolution: any resolution failure aborts the
// whole reload with the roster untouched, matching spec.md's "revert to
// the prior roster" error policy (§7).
package reload

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/peertable"
)

// FamilyMask selects which address families a node participates in. The
// original source combined this with `|`, which is always truthy — a bug
// spec.md §9 flags explicitly. This reimplementation uses `&`.
type FamilyMask uint8

const (
	MaskV4 FamilyMask = 1 << iota
	MaskV6
)

// Allows reports whether f is enabled in the mask.
func (m FamilyMask) Allows(f netaddr.Family) bool {
	switch f {
	case netaddr.FamilyV4:
		return m&MaskV4 != 0
	case netaddr.FamilyV6:
		return m&MaskV6 != 0
	default:
		return false
	}
}

// ParsePeerFile reads one host per line, UTF-8, tolerating a trailing
// newline and blank lines (spec.md §6).
func ParsePeerFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reload: open peer file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reload: scan peer file: %w", err)
	}
	return lines, nil
}

// LookupFunc resolves a hostname to its candidate IPs. Numeric addresses
// resolve to themselves. Swappable in tests.
type LookupFunc func(host string) ([]net.IP, error)

// DefaultLookup resolves host via the standard resolver (address-family-
// agnostic: both A and AAAA are requested).
func DefaultLookup(host string) ([]net.IP, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// Entry is one fully-resolved peer-file line, carrying the tie-break
// decision spec.md §4.6 requires.
type Entry struct {
	Addr       netaddr.Addr
	Family     netaddr.Family
	DialAddr   *net.TCPAddr
	Humanified string
	ShouldDial bool
}

// ResolveEntries resolves every line, selects the family allowed by mask
// (v4 preferred over v6 when both are present and both are allowed), and
// decides the dial tie-break against self. A host that resolves to no
// address allowed by mask, or whose family has no self address configured,
// is silently skipped (not a resolution failure). A lookup error for any
// line aborts the whole call with a non-nil error.
func ResolveEntries(lines []string, lookup LookupFunc, mask FamilyMask, selfV4, selfV6 netaddr.Addr, port int) ([]Entry, error) {
	var out []Entry
	for _, line := range lines {
		ips, err := lookup(line)
		if err != nil {
			return nil, fmt.Errorf("reload: resolve %q: %w", line, err)
		}

		addr, family, ok := selectAddr(ips, mask)
		if !ok {
			continue
		}

		self := selfV4
		if family == netaddr.FamilyV6 {
			self = selfV6
		}
		if self.IsZero() {
			continue
		}

		out = append(out, Entry{
			Addr:       addr,
			Family:     family,
			DialAddr:   &net.TCPAddr{IP: addr.IP(), Port: port},
			Humanified: line,
			ShouldDial: addr.Greater(self),
		})
	}
	return out, nil
}

func selectAddr(ips []net.IP, mask FamilyMask) (netaddr.Addr, netaddr.Family, bool) {
	var v6 *netaddr.Addr
	for _, ip := range ips {
		a, err := netaddr.FromIP(ip)
		if err != nil {
			continue
		}
		if a.Family() == netaddr.FamilyV4 && mask.Allows(netaddr.FamilyV4) {
			return a, netaddr.FamilyV4, true
		}
		if a.Family() == netaddr.FamilyV6 && mask.Allows(netaddr.FamilyV6) && v6 == nil {
			cp := a
			v6 = &cp
		}
	}
	if v6 != nil {
		return *v6, netaddr.FamilyV6, true
	}
	return netaddr.Addr{}, 0, false
}

// Diff compares the freshly-resolved entries against the table's current
// passive roster (spec.md §4.6): addresses present only in current are
// scheduled for disconnect, addresses present only in updated are
// scheduled for connect, and addresses present in both are left untouched
// — the idempotent-reload property (spec.md §8 property 6).
func Diff(table *peertable.Table, updated []Entry) (toDisconnect []netaddr.Addr, toConnect []Entry) {
	updatedSet := make(map[netaddr.Addr]bool, len(updated))
	for _, e := range updated {
		updatedSet[e.Addr] = true
	}
	for _, p := range table.AllPassive() {
		if !updatedSet[p.Addr] {
			toDisconnect = append(toDisconnect, p.Addr)
		}
	}
	for _, e := range updated {
		if _, exists := table.GetPassive(e.Addr); !exists {
			toConnect = append(toConnect, e)
		}
	}
	return toDisconnect, toConnect
}

// DialFunc opens an outbound TCP connection without blocking, returning
// the raw fd (possibly still connecting — EINPROGRESS is not an error).
type DialFunc func(raddr *net.TCPAddr) (int, error)

// DialNonblocking is the default DialFunc: a non-blocking socket with
// connect() issued and EINPROGRESS tolerated, matching spec.md §5's "every
// socket call is non-blocking".
func DialNonblocking(raddr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if raddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("reload: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reload: set nonblock: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var a [4]byte
		copy(a[:], raddr.IP.To4())
		sa = &unix.SockaddrInet4{Port: raddr.Port, Addr: a}
	} else {
		var a [16]byte
		copy(a[:], raddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: raddr.Port, Addr: a}
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("reload: connect %s: %w", raddr, err)
	}
	return fd, nil
}

// EndpointAdder is the narrow slice of IoContext's add_endpoint the
// reloader needs: hand it a connecting/connected fd and the peer identity
// it was dialed for, all-or-nothing per spec.md §3.
type EndpointAdder interface {
	AddPeerConn(fd int, peer netaddr.Addr, family netaddr.Family, outbound bool) error
}

// EndpointDestroyer is the narrow slice of destroy_endpoint the reloader
// needs to tear down a peer no longer in the roster.
type EndpointDestroyer interface {
	DestroyPeer(addr netaddr.Addr) error
}

// Reloader ties the resolve/diff steps to a live PeerTable and the
// engine's endpoint lifecycle callbacks.
type Reloader struct {
	PeerFilePath string
	Lookup       LookupFunc
	Dial         DialFunc
	Mask         FamilyMask
	SelfV4       netaddr.Addr
	SelfV6       netaddr.Addr
	Port         int

	Table     *peertable.Table
	Adder     EndpointAdder
	Destroyer EndpointDestroyer
	Retry     *Retrier
}

// Apply runs one full reload pass (spec.md §4.6). On a resolution
// failure, the table is left completely untouched and the error is
// returned so the caller can log it and keep running on the prior
// roster.
func (rl *Reloader) Apply(now time.Time) error {
	lines, err := ParsePeerFile(rl.PeerFilePath)
	if err != nil {
		return err
	}

	lookup := rl.Lookup
	if lookup == nil {
		lookup = DefaultLookup
	}

	entries, err := ResolveEntries(lines, lookup, rl.Mask, rl.SelfV4, rl.SelfV6, rl.Port)
	if err != nil {
		return err
	}

	toDisconnect, toConnect := Diff(rl.Table, entries)

	for _, addr := range toDisconnect {
		if err := rl.Destroyer.DestroyPeer(addr); err != nil {
			return fmt.Errorf("reload: disconnect %s: %w", addr, err)
		}
		rl.Table.RemovePassive(addr)
		if rl.Retry != nil {
			rl.Retry.Clear(addr)
		}
	}

	for _, e := range toConnect {
		rl.connectAndAdd(e, now)
	}
	return nil
}

func (rl *Reloader) connectAndAdd(e Entry, now time.Time) {
	p := &peertable.PassivePeer{
		Addr:       e.Addr,
		Family:     e.Family,
		DialAddr:   e.DialAddr,
		Humanified: e.Humanified,
	}
	rl.Table.AddPassive(p)

	if !e.ShouldDial {
		// This side waits for the peer to dial in (spec.md §4.6 tie-break).
		return
	}

	dial := rl.Dial
	if dial == nil {
		dial = DialNonblocking
	}
	fd, err := dial(e.DialAddr)
	if err != nil {
		rl.Table.PushDisconnected(p)
		if rl.Retry != nil {
			rl.Retry.RecordFailure(e.Addr, now)
		}
		return
	}
	if err := rl.Adder.AddPeerConn(fd, e.Addr, e.Family, true); err != nil {
		rl.Table.PushDisconnected(p)
		if rl.Retry != nil {
			rl.Retry.RecordFailure(e.Addr, now)
		}
		return
	}
	if rl.Retry != nil {
		rl.Retry.Clear(e.Addr)
	}
}

// RetryDisconnected re-attempts outbound dials for every disconnected
// passive peer whose backoff interval has elapsed, per the spec's
// "[DOMAIN]" pacing addition: disconnected peers are not redialed on
// every single wake, but on an exponential schedule capped at the
// Retrier's maximum interval.
func (rl *Reloader) RetryDisconnected(now time.Time) {
	for _, p := range rl.Table.Disconnected() {
		if rl.Retry != nil && !rl.Retry.Due(p.Addr, now) {
			continue
		}
		dial := rl.Dial
		if dial == nil {
			dial = DialNonblocking
		}
		fd, err := dial(p.DialAddr)
		if err != nil {
			if rl.Retry != nil {
				rl.Retry.RecordFailure(p.Addr, now)
			}
			continue
		}
		if err := rl.Adder.AddPeerConn(fd, p.Addr, p.Family, true); err != nil {
			if rl.Retry != nil {
				rl.Retry.RecordFailure(p.Addr, now)
			}
			continue
		}
		if rl.Retry != nil {
			rl.Retry.Clear(p.Addr)
		}
	}
}

// Retrier paces reconnect attempts for disconnected outbound peers with
// an exponential backoff per peer address, capped at maxInterval. No
// mutex guards the map: like the rest of the core (spec.md §5), it is
// only ever touched from the single event-loop thread.
type Retrier struct {
	maxInterval time.Duration
	states      map[netaddr.Addr]*retryState
}

type retryState struct {
	bo          *backoff.ExponentialBackOff
	nextAttempt time.Time
}

// NewRetrier returns a Retrier capping backoff at maxInterval.
func NewRetrier(maxInterval time.Duration) *Retrier {
	return &Retrier{maxInterval: maxInterval, states: make(map[netaddr.Addr]*retryState)}
}

// Due reports whether addr's next retry attempt is not in the future. A
// peer with no recorded failure yet is always due.
func (r *Retrier) Due(addr netaddr.Addr, now time.Time) bool {
	st, ok := r.states[addr]
	if !ok {
		return true
	}
	return !now.Before(st.nextAttempt)
}

// RecordFailure advances addr's backoff and schedules its next attempt.
func (r *Retrier) RecordFailure(addr netaddr.Addr, now time.Time) {
	st, ok := r.states[addr]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = r.maxInterval
		b.MaxElapsedTime = 0 // retry indefinitely; the peer-file roster decides lifetime
		st = &retryState{bo: b}
		r.states[addr] = st
	}
	st.nextAttempt = now.Add(st.bo.NextBackOff())
}

// Clear drops addr's backoff state, e.g. after a successful connect or
// removal from the roster.
func (r *Retrier) Clear(addr netaddr.Addr) {
	delete(r.states, addr)
}
