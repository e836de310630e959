//go:build linux

package meshnode

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/secsecsec/meshd/internal/dispatch"
	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/ioresult"
	"github.com/secsecsec/meshd/internal/loop"
	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/ring"
)

var errUnsupportedSockaddr = errors.New("meshnode: unsupported sockaddr family")

// run is the EventLoop of spec.md §4.7: block on the notifier with no
// timeout, fan each wake's ready fds to handleEvent, then check the
// control flags before re-entering the wait. reloader may be nil in
// tests that only exercise event dispatch.
func (c *IoContext) run(reloader interface {
	Apply(time.Time) error
	RetryDisconnected(time.Time)
}) int {
	buf := make([]unix.EpollEvent, 64)
	for {
		if c.control.StopRequested() {
			return 0
		}

		events, err := c.poller.Wait(buf)
		if err != nil {
			slog.Error("meshnode: notifier wait failed", "error", err)
			return 1
		}

		for _, ev := range events {
			if ev.Fd == c.control.Fd() {
				c.control.Drain()
				continue
			}
			ep, ok := c.endpoints[ev.Fd]
			if !ok {
				continue
			}
			c.handleEvent(ev, ep)
		}

		if reloader != nil {
			if c.control.TakeReload() {
				if err := reloader.Apply(time.Now()); err != nil {
					slog.Warn("meshnode: reload failed, keeping prior roster", "error", err)
				}
			}
			reloader.RetryDisconnected(time.Now())
		}

		if c.control.StopRequested() {
			return 0
		}
	}
}

// handleEvent dispatches one ready endpoint per spec.md §4.7.
func (c *IoContext) handleEvent(ev loop.Event, ep *endpoint.Endpoint) {
	switch ep.Role {
	case endpoint.RoleListener:
		c.acceptLoop(ep)

	case endpoint.RolePeerConn:
		if ev.Writable {
			if code := ring.Drain(ep.Tx, endpoint.SendSink(ep.Fd)); code == ioresult.Kill {
				_ = c.destroyEndpoint(ep)
				return
			}
		}
		if ev.Readable {
			drain := dispatch.PeerRxConsumer(ep, c.tun, &c.Counters.WorldRx, &c.Counters.TunTx)
			if code := ring.Fill(ep.Rx, endpoint.RecvSource(ep.Fd), drain); code == ioresult.Kill {
				_ = c.destroyEndpoint(ep)
				return
			}
		}
		if ev.HangUp && !ev.Readable && !ev.Writable {
			_ = c.destroyEndpoint(ep)
		}

	case endpoint.RoleTun:
		if ev.Writable {
			if code := dispatch.TunWriteDrain(ep); code == ioresult.UnknownErr {
				slog.Warn("meshnode: tun write failed", "error", code)
			}
		}
		if ev.Readable {
			code := dispatch.TunReadDispatch(ep, c.table, &c.Counters.TunRx, &c.Counters.WorldTx)
			if code == ioresult.UnknownErr {
				slog.Warn("meshnode: tun read failed", "error", code)
			}
		}
	}
}

// acceptLoop accepts every pending connection on a listener endpoint
// until EAGAIN/EWOULDBLOCK/EMFILE, per spec.md §4.7/§7: EMFILE is
// non-fatal and simply ends this pass.
func (c *IoContext) acceptLoop(listenerEp *endpoint.Endpoint) {
	for {
		fd, sa, err := unix.Accept(listenerEp.Fd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EMFILE) {
				return
			}
			slog.Warn("meshnode: accept failed", "error", err)
			return
		}

		addr, err := sockaddrToAddr(sa)
		if err != nil {
			slog.Warn("meshnode: accept: unsupported sockaddr", "error", err)
			unix.Close(fd)
			continue
		}

		if err := c.AddPeerConn(fd, addr, addr.Family(), false); err != nil {
			slog.Warn("meshnode: inbound peer rejected", "peer", addr, "error", err)
		}
	}
}

func sockaddrToAddr(sa unix.Sockaddr) (netaddr.Addr, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netaddr.FromIP(net.IP(s.Addr[:]))
	case *unix.SockaddrInet6:
		return netaddr.FromIP(net.IP(s.Addr[:]))
	default:
		return netaddr.Addr{}, errUnsupportedSockaddr
	}
}
